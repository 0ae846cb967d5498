// client.go - HTTP client for the relayer API.
//
// Submissions and queries are JSON over HTTP. Transient transport failures
// (network errors, 5xx) are retried with capped exponential backoff; any
// other failure is wrapped as ErrQueryFailed and surfaced to the caller.
// Submission acknowledgement here says nothing about confirmation; callers
// poll transaction history for that.

package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrQueryFailed wraps transient network or backend failures. It is always
// retryable on the read side.
var ErrQueryFailed = errors.New("relayer: query failed")

// Client talks to one relayer instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	log        *logrus.Entry
}

// NewClient creates a relayer client. maxRetries bounds transient-failure
// re-sends per request; the spacing is exponential with a cap.
func NewClient(baseURL string, maxRetries int, log *logrus.Entry) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: maxRetries,
		log:        log.WithField("component", "relayer.client"),
	}
}

// SubmitSettle submits an execute-settle message.
func (c *Client) SubmitSettle(ctx context.Context, req SettleRequest) (SubmitResponse, error) {
	var resp SubmitResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/orders/settle", req, &resp)
	return resp, err
}

// SubmitCancel submits a cancel message.
func (c *Client) SubmitCancel(ctx context.Context, req CancelRequest) (SubmitResponse, error) {
	var resp SubmitResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/orders/cancel", req, &resp)
	return resp, err
}

// QueryOrder fetches the authoritative state of one order by owning address.
func (c *Client) QueryOrder(ctx context.Context, address string, orderID uuid.UUID, signature string) (OrderRecord, error) {
	var rec OrderRecord
	path := fmt.Sprintf("/v1/orders/%s?address=%s&signature=%s",
		orderID, url.QueryEscape(address), url.QueryEscape(signature))
	err := c.doJSON(ctx, http.MethodGet, path, nil, &rec)
	return rec, err
}

// TransactionHistory fetches the history records for an address.
func (c *Client) TransactionHistory(ctx context.Context, address string) ([]HistoryRecord, error) {
	var recs []HistoryRecord
	path := "/v1/history?address=" + url.QueryEscape(address)
	err := c.doJSON(ctx, http.MethodGet, path, nil, &recs)
	return recs, err
}

// doJSON performs one logical request, retrying transient failures with
// exponential backoff.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrQueryFailed, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			c.log.WithFields(logrus.Fields{"path": path, "attempt": attempt, "delay": delay}).
				Debug("retrying relayer request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		retryable, err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrQueryFailed, lastErr)
}

// attempt performs a single request. retryable is true for network errors
// and 5xx responses; 4xx and undecodable bodies are permanent.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out interface{}) (retryable bool, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("building request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return true, fmt.Errorf("relayer returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("relayer rejected request: %d %s", resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decoding response: %v", err)
	}
	return false, nil
}
