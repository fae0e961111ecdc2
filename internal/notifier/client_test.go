package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendPayout_OK(t *testing.T) {
	var received PayoutEvent

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/payouts" {
			t.Fatalf("path = %s, want /api/payouts", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content-type = %q, want application/json", ct)
		}

		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	event := PayoutEvent{OrderID: 7, UserID: 42, Level: 2, Amount: 5}
	if err := client.SendPayout(ctx, event); err != nil {
		t.Fatalf("SendPayout error: %v", err)
	}

	if received != event {
		t.Fatalf("received = %+v, want %+v", received, event)
	}
}

func TestSendPayout_RejectedByReceiver(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	err := client.SendPayout(context.Background(), PayoutEvent{OrderID: 1})
	if err == nil {
		t.Fatalf("expected error for status 400")
	}
}

func TestSendPayout_RetriesTransientFailure(t *testing.T) {
	var calls int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	if err := client.SendPayout(context.Background(), PayoutEvent{OrderID: 1}); err != nil {
		t.Fatalf("SendPayout error: %v", err)
	}

	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("calls = %d, want at least 2", calls)
	}
}

func TestSendPayout_NotConfigured(t *testing.T) {
	client := NewClient("")

	if err := client.SendPayout(context.Background(), PayoutEvent{}); err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}

func TestSendPayout_SchemelessAddress(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	// Адрес без схемы, как он приходит из флага -r.
	client := NewClient(ts.Listener.Addr().String())

	if err := client.SendPayout(context.Background(), PayoutEvent{OrderID: 1}); err != nil {
		t.Fatalf("SendPayout error: %v", err)
	}
}
