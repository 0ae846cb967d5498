package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shieldwallet/internal/order"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestClient_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]HistoryRecord{{Status: order.StatusSettled, TxHash: "0xdead"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5, testLog())
	c.httpClient = srv.Client()

	recs, err := c.TransactionHistory(context.Background(), "addr1")
	if err != nil {
		t.Fatalf("TransactionHistory: %v", err)
	}
	if len(recs) != 1 || recs[0].TxHash != "0xdead" {
		t.Errorf("unexpected records: %+v", recs)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestClient_PermanentFailureDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5, testLog())
	c.httpClient = srv.Client()

	_, err := c.QueryOrder(context.Background(), "addr1", uuid.New(), "sig")
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected exactly 1 attempt for a 4xx, got %d", n)
	}
}

func TestClient_SubmitCancelCarriesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders/cancel" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(SubmitResponse{Rejected: true, Reason: ReasonNotCancelable})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0, testLog())
	c.httpClient = srv.Client()

	resp, err := c.SubmitCancel(context.Background(), CancelRequest{OrderID: uuid.New(), Signature: "sig"})
	if err != nil {
		t.Fatalf("SubmitCancel: %v", err)
	}
	if !resp.Rejected || resp.Reason != ReasonNotCancelable {
		t.Errorf("expected not_cancelable rejection, got %+v", resp)
	}
}

func TestBackoffDelay_Caps(t *testing.T) {
	if d := backoffDelay(0); d != baseDelay {
		t.Errorf("attempt 0: got %s", d)
	}
	if d := backoffDelay(1); d != 2*baseDelay {
		t.Errorf("attempt 1: got %s", d)
	}
	if d := backoffDelay(50); d != maxDelay {
		t.Errorf("attempt 50: got %s, want cap %s", d, maxDelay)
	}
	if d := backoffDelay(-1); d != baseDelay {
		t.Errorf("negative attempt: got %s", d)
	}
}
