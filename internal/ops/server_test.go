package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/waveloop/radiod/internal/cache"
	"github.com/waveloop/radiod/internal/model"
	"github.com/waveloop/radiod/internal/store"
)

type fakeQueue struct {
	counts map[model.EntryStatus]int
	open   *model.BroadcastEvent
	events []*model.BroadcastEvent
	err    error
}

func (f *fakeQueue) CountByStatus(ctx context.Context) (map[model.EntryStatus]int, error) {
	return f.counts, f.err
}

func (f *fakeQueue) OpenEvent(ctx context.Context) (*model.BroadcastEvent, error) {
	if f.open == nil {
		return nil, store.ErrNotFound
	}
	return f.open, nil
}

func (f *fakeQueue) RecentEvents(ctx context.Context, limit int) ([]*model.BroadcastEvent, error) {
	return f.events, nil
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakePlaying struct{ np *cache.NowPlaying }

func (f *fakePlaying) Get(ctx context.Context) (*cache.NowPlaying, error) {
	if f.np == nil {
		return nil, cache.ErrNothingPlaying
	}
	return f.np, nil
}

func newTestServer(queue *fakeQueue, db, redis *fakePinger, playing *fakePlaying) *Server {
	return NewServer(":0", "Waveloop Radio", queue, db, redis, playing, func() int { return 2 }, zerolog.Nop())
}

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&fakeQueue{}, &fakePinger{}, &fakePinger{}, &fakePlaying{})
	rec := doRequest(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["station"] != "Waveloop Radio" {
		t.Fatalf("station = %q, want the configured name", body["station"])
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		dbErr      error
		redisErr   error
		wantCode   int
		wantStatus string
	}{
		{"all dependencies up", nil, nil, http.StatusOK, "ok"},
		{"redis down degrades", nil, errors.New("redis: connection refused"), http.StatusOK, "degraded"},
		{"postgres down fails", errors.New("dial tcp: connection refused"), nil, http.StatusServiceUnavailable, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeQueue{}, &fakePinger{err: tt.dbErr}, &fakePinger{err: tt.redisErr}, &fakePlaying{})
			rec := doRequest(t, s, "/readyz")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}

			var body struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Fatalf("overall status = %q, want %q", body.Status, tt.wantStatus)
			}
		})
	}
}

func TestStatusSnapshot(t *testing.T) {
	queue := &fakeQueue{
		counts: map[model.EntryStatus]int{
			model.StatusPending:      4,
			model.StatusGenerating:   2,
			model.StatusBroadcasting: 1,
		},
	}
	playing := &fakePlaying{np: &cache.NowPlaying{
		Title:       "Neon Rain",
		Artist:      "Waveloop Radio",
		Relayed:     true,
		StartedAt:   time.Now().UTC(),
		DurationSec: 120,
	}}

	s := newTestServer(queue, &fakePinger{}, &fakePinger{}, playing)
	rec := doRequest(t, s, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Queue[model.StatusPending] != 4 || body.Queue[model.StatusGenerating] != 2 {
		t.Fatalf("queue counts = %v, want the seeded counts", body.Queue)
	}
	if body.InFlightJobs != 2 {
		t.Fatalf("in flight = %d, want 2", body.InFlightJobs)
	}
	if body.NowPlaying == nil || body.NowPlaying.Title != "Neon Rain" {
		t.Fatalf("now playing = %+v, want the published snapshot", body.NowPlaying)
	}
	if body.OpenEvent != nil {
		t.Fatalf("open event = %+v, want none", body.OpenEvent)
	}
}

func TestStatusWithoutCache(t *testing.T) {
	queue := &fakeQueue{counts: map[model.EntryStatus]int{}}
	s := NewServer(":0", "Waveloop Radio", queue, &fakePinger{}, nil, nil, func() int { return 0 }, zerolog.Nop())

	rec := doRequest(t, s, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	s := newTestServer(&fakeQueue{}, &fakePinger{}, &fakePinger{}, &fakePlaying{})
	rec := doRequest(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("metrics body empty")
	}
}
