package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/waveloop/radiod/internal/config"
)

func newTestRelayClient(t *testing.T, handler http.HandlerFunc) *RelayClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRelayClient(&config.RelayConfig{BaseURL: srv.URL, Timeout: 2}, zerolog.Nop())
}

func TestRelayQueueDepth(t *testing.T) {
	c := newTestRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/queue" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(queueResponse{Depth: 2})
	})

	depth, err := c.QueueDepth(context.Background())
	if err != nil {
		t.Fatalf("QueueDepth(): %v", err)
	}
	if depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
}

func TestRelayQueueDepthUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := NewRelayClient(&config.RelayConfig{BaseURL: srv.URL, Timeout: 1}, zerolog.Nop())
	srv.Close()

	if _, err := c.QueueDepth(context.Background()); err == nil {
		t.Error("expected error when relay is down")
	}
}

func TestRelayPushNext(t *testing.T) {
	c := newTestRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/queue" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode push: %v", err)
		}
		if req.FileURL == "" || req.Title != "Nocturne" {
			t.Errorf("unexpected push payload %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.PushNext(context.Background(), &PushRequest{
		FileURL: "https://cdn/a.mp3", Title: "Nocturne", Artist: "Waveloop Radio",
	})
	if err != nil {
		t.Fatalf("PushNext(): %v", err)
	}
}

func TestRelayPushNextServerError(t *testing.T) {
	c := newTestRelayClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "full", http.StatusServiceUnavailable)
	})

	if err := c.PushNext(context.Background(), &PushRequest{FileURL: "x"}); err == nil {
		t.Error("expected error for 503 response")
	}
}
