// Package ops serves the operational surface of the daemon: health probes,
// a queue status snapshot and Prometheus metrics. It is the only HTTP
// listener; listeners tune in through the relay, not here.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/waveloop/radiod/internal/cache"
	"github.com/waveloop/radiod/internal/model"
	"github.com/waveloop/radiod/internal/store"
)

const recentEventsShown = 10

// Pinger is a dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStatus is the store slice the status endpoint reads.
type QueueStatus interface {
	CountByStatus(ctx context.Context) (map[model.EntryStatus]int, error)
	OpenEvent(ctx context.Context) (*model.BroadcastEvent, error)
	RecentEvents(ctx context.Context, limit int) ([]*model.BroadcastEvent, error)
}

// NowPlayingReader reads the published on-air snapshot.
type NowPlayingReader interface {
	Get(ctx context.Context) (*cache.NowPlaying, error)
}

type Server struct {
	httpServer *http.Server
	log        zerolog.Logger

	queue    QueueStatus
	db       Pinger
	redis    Pinger
	playing  NowPlayingReader
	inFlight func() int
	station  string
}

// NewServer builds the ops listener. inFlight reports the dispatcher's
// tracked job count; redis and playing may be nil when no cache is wired.
func NewServer(addr, station string, queue QueueStatus, db, redis Pinger, playing NowPlayingReader, inFlight func() int, log zerolog.Logger) *Server {
	s := &Server{
		log:      log,
		queue:    queue,
		db:       db,
		redis:    redis,
		playing:  playing,
		inFlight: inFlight,
		station:  station,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown. A closed listener is not an error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("ops server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"station": s.station,
	})
}

// handleReadyz reports readiness. A failing database makes the daemon
// unready; a failing redis only degrades it, the schedulers keep working
// without the now-playing cache.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]checkResult{
		"postgres": ping(ctx, s.db),
		"redis":    ping(ctx, s.redis),
	}

	status := "ok"
	code := http.StatusOK
	if checks["redis"].Status == "fail" {
		status = "degraded"
	}
	if checks["postgres"].Status == "fail" {
		status = "fail"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

func ping(ctx context.Context, p Pinger) checkResult {
	if p == nil {
		return checkResult{Status: "fail", Message: "not configured"}
	}
	if err := p.Ping(ctx); err != nil {
		return checkResult{Status: "fail", Message: err.Error()}
	}
	return checkResult{Status: "ok"}
}

type statusResponse struct {
	Station      string                    `json:"station"`
	Queue        map[model.EntryStatus]int `json:"queue"`
	InFlightJobs int                       `json:"inFlightJobs"`
	NowPlaying   *cache.NowPlaying         `json:"nowPlaying,omitempty"`
	OpenEvent    *model.BroadcastEvent     `json:"openEvent,omitempty"`
	RecentEvents []*model.BroadcastEvent   `json:"recentEvents,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.queue.CountByStatus(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to count queue entries")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
		return
	}

	resp := statusResponse{
		Station:      s.station,
		Queue:        counts,
		InFlightJobs: s.inFlight(),
	}

	if ev, err := s.queue.OpenEvent(ctx); err == nil {
		resp.OpenEvent = ev
	} else if !errors.Is(err, store.ErrNotFound) {
		s.log.Warn().Err(err).Msg("failed to load open event")
	}

	if events, err := s.queue.RecentEvents(ctx, recentEventsShown); err == nil {
		resp.RecentEvents = events
	} else {
		s.log.Warn().Err(err).Msg("failed to load recent events")
	}

	if s.playing != nil {
		np, err := s.playing.Get(ctx)
		switch {
		case err == nil:
			resp.NowPlaying = np
		case !errors.Is(err, cache.ErrNothingPlaying):
			s.log.Warn().Err(err).Msg("failed to read now playing")
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
