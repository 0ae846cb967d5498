package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"shieldwallet/internal/shield"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestBroadcast_ReturnsHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req broadcastRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.TxHex != "cafebabe" {
			t.Errorf("unexpected tx hex %q", req.TxHex)
		}
		json.NewEncoder(w).Encode(broadcastResponse{TxHash: "0xabc"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLog())
	hash, err := c.Broadcast(context.Background(), "cafebabe")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if hash != "0xabc" {
		t.Errorf("expected 0xabc, got %s", hash)
	}
}

func TestBroadcast_NodeErrorIsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(broadcastResponse{Error: "mempool full"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLog())
	_, err := c.Broadcast(context.Background(), "00")
	if !errors.Is(err, ErrBroadcastRejected) {
		t.Errorf("expected ErrBroadcastRejected, got %v", err)
	}
}

func TestResolveOutput_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLog())
	_, err := c.ResolveOutput(context.Background(), "gone")
	if !errors.Is(err, shield.ErrOutputNotFound) {
		t.Errorf("expected shield.ErrOutputNotFound, got %v", err)
	}
}

func TestBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("denom"); got != "usd" {
			t.Errorf("unexpected denom %q", got)
		}
		json.NewEncoder(w).Encode(map[string]uint64{"amount": 77})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLog())
	amt, err := c.Balance(context.Background(), "addr", "usd")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if amt != 77 {
		t.Errorf("expected 77, got %d", amt)
	}
}
