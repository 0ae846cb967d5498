// client.go - HTTP client for the public chain RPC.
//
// Two operations only: broadcast a signed message and query a public balance.
// The /v1/broadcast endpoint is synchronous: a 200 with a tx hash means the
// transaction was applied, which is what the shield.Broadcaster contract
// requires of a nil return. Order-level settlement progress is still observed
// by polling the relayer history.

package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"shieldwallet/internal/shield"
)

// ErrBroadcastRejected means the node refused the message outright.
var ErrBroadcastRejected = errors.New("chain: broadcast rejected")

// Client talks to one chain RPC endpoint. It implements shield.Broadcaster
// and shield.OutputSource.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	log        *logrus.Entry
}

func NewClient(rpcURL string, log *logrus.Entry) *Client {
	return &Client{
		rpcURL:     rpcURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log.WithField("component", "chain.client"),
	}
}

type broadcastRequest struct {
	TxHex string `json:"tx_hex"`
}

type broadcastResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

// Broadcast submits a signed message and returns its transaction hash.
func (c *Client) Broadcast(ctx context.Context, txHex string) (string, error) {
	payload, err := json.Marshal(broadcastRequest{TxHex: txHex})
	if err != nil {
		return "", fmt.Errorf("encoding broadcast: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL+"/v1/broadcast", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast transport: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrBroadcastRejected, resp.StatusCode)
	}
	var out broadcastResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding broadcast response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrBroadcastRejected, out.Error)
	}
	c.log.WithField("tx_hash", out.TxHash).Debug("broadcast accepted")
	return out.TxHash, nil
}

// Balance queries a public balance by address and denom.
func (c *Client) Balance(ctx context.Context, address, denom string) (uint64, error) {
	path := fmt.Sprintf("%s/v1/balance?address=%s&denom=%s",
		c.rpcURL, url.QueryEscape(address), url.QueryEscape(denom))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("building balance request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("balance transport: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("balance query returned %d", resp.StatusCode)
	}
	var out struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding balance response: %w", err)
	}
	return out.Amount, nil
}

// ResolveOutput fetches the live shielded output for an address, implementing
// shield.OutputSource. A 404 maps to shield.ErrOutputNotFound.
func (c *Client) ResolveOutput(ctx context.Context, address string) (shield.Output, error) {
	path := c.rpcURL + "/v1/output?address=" + url.QueryEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return shield.Output{}, fmt.Errorf("building output request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return shield.Output{}, fmt.Errorf("output transport: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return shield.Output{}, shield.ErrOutputNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return shield.Output{}, fmt.Errorf("output query returned %d", resp.StatusCode)
	}
	var out shield.Output
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return shield.Output{}, fmt.Errorf("decoding output response: %w", err)
	}
	return out, nil
}
