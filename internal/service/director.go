package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/waveloop/radiod/internal/cache"
	"github.com/waveloop/radiod/internal/client"
	"github.com/waveloop/radiod/internal/config"
	"github.com/waveloop/radiod/internal/model"
	"github.com/waveloop/radiod/internal/store"
)

// Broadcast metrics.
var (
	broadcastCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiod_broadcast_cycles_total",
		Help: "Number of director cycles run.",
	})
	broadcastsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiod_broadcasts_started_total",
		Help: "Broadcasts started, by playback mode (relay, direct).",
	}, []string{"mode"})
	broadcastsRetiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiod_broadcasts_retired_total",
		Help: "Broadcasts retired after their play time elapsed.",
	})
	promotionsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiod_promotions_skipped_total",
		Help: "Promotion passes skipped because the relay queue was full enough.",
	})
)

// BroadcastDirector owns the single on-air slot. Each cycle it retires the
// current broadcast once its play time has elapsed and, when the slot is
// free, promotes the best generated entry on air.
//
// Completion is wall-clock based at poll-interval precision; the relay is
// not trusted to report when a track ends.
type BroadcastDirector struct {
	cfg      config.BroadcastConfig
	store    BroadcastStore
	relay    Relay // nil means no streaming head, playback is always direct
	notifier Notifier
	playout  Playout
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
}

func NewBroadcastDirector(cfg config.BroadcastConfig, st BroadcastStore, relay Relay, ntf Notifier, playout Playout, log zerolog.Logger) *BroadcastDirector {
	return &BroadcastDirector{
		cfg:      cfg,
		store:    st,
		relay:    relay,
		notifier: ntf,
		playout:  playout,
		log:      log,
		now:      time.Now,
	}
}

// RunCycle executes one director pass: retire elapsed broadcasts, then
// promote the next track unless the slot or the relay is still busy.
// Overlapping invocations are skipped.
func (b *BroadcastDirector) RunCycle(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		b.log.Debug().Msg("broadcast cycle still running, skipping tick")
		return nil
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	broadcastCyclesTotal.Inc()
	now := b.now()

	airing, err := b.retire(ctx, now)
	if err != nil {
		return err
	}
	if airing > 0 {
		return nil
	}
	if b.relayBusy(ctx) {
		promotionsSkippedTotal.Inc()
		return nil
	}
	return b.promote(ctx, now)
}

// retire completes every broadcasting entry whose play time has elapsed and
// reports how many are still airing.
func (b *BroadcastDirector) retire(ctx context.Context, now time.Time) (int, error) {
	entries, err := b.store.EntriesByStatus(ctx, model.StatusBroadcasting, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list broadcasting entries: %w", err)
	}

	airing := 0
	for _, e := range entries {
		if e.BroadcastStartedAt != nil && now.Sub(*e.BroadcastStartedAt) < b.playDuration(ctx, e) {
			airing++
			continue
		}
		ev, err := b.store.RetireBroadcast(ctx, e.ID, now)
		if err != nil {
			b.log.Error().Err(err).Str("entry_id", e.ID.String()).Msg("failed to retire broadcast")
			airing++
			continue
		}
		if err := b.playout.Clear(ctx); err != nil {
			b.log.Warn().Err(err).Msg("failed to clear now playing")
		}
		broadcastsRetiredTotal.Inc()
		evt := b.log.Info().Str("entry_id", e.ID.String())
		if ev != nil {
			evt = evt.Float64("played_sec", ev.PlayedSec)
		}
		evt.Msg("broadcast retired")
	}
	return airing, nil
}

// playDuration is the artifact's duration when known, the configured default
// otherwise.
func (b *BroadcastDirector) playDuration(ctx context.Context, e *model.QueueEntry) time.Duration {
	if e.ArtifactID != nil {
		a, err := b.store.GetArtifact(ctx, *e.ArtifactID)
		if err == nil && a.DurationSec > 0 {
			return time.Duration(a.DurationSec * float64(time.Second))
		}
	}
	return b.cfg.DefaultDuration
}

// relayBusy reports whether the streaming head already holds enough queued
// tracks. An unreachable relay never blocks promotion; playback degrades to
// direct instead.
func (b *BroadcastDirector) relayBusy(ctx context.Context) bool {
	if b.relay == nil {
		return false
	}
	depth, err := b.relay.QueueDepth(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("relay depth check failed, assuming it needs more")
		return false
	}
	if depth >= b.cfg.QueueThreshold {
		b.log.Debug().Int("depth", depth).Msg("relay queue full enough, skipping promotion")
		return true
	}
	return false
}

// promote puts the best generated entry on air: announce it, hand it to the
// relay, open its broadcast event and publish the now-playing snapshot. A
// failed relay push does not stop the show, the event simply opens in direct
// playback mode.
func (b *BroadcastDirector) promote(ctx context.Context, now time.Time) error {
	e, err := b.store.NextForBroadcast(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to select next broadcast: %w", err)
	}
	a, err := b.store.GetArtifact(ctx, *e.ArtifactID)
	if err != nil {
		return fmt.Errorf("failed to load artifact %s: %w", e.ArtifactID, err)
	}

	b.announce(ctx, a)

	audioURL := a.ArchiveURL
	if audioURL == "" {
		audioURL = a.AudioURL
	}

	relayed := false
	if b.relay != nil {
		err := b.relay.PushNext(ctx, &client.PushRequest{
			FileURL: audioURL,
			Title:   a.Title,
			Artist:  a.Artist,
		})
		if err != nil {
			b.log.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("relay push failed, playing direct")
		} else {
			relayed = true
		}
	}

	ev, err := b.store.OpenBroadcast(ctx, e, a, relayed, now)
	if err != nil {
		return fmt.Errorf("failed to open broadcast: %w", err)
	}

	mode := "direct"
	if relayed {
		mode = "relay"
	}
	broadcastsStartedTotal.WithLabelValues(mode).Inc()

	durationSec := a.DurationSec
	if durationSec <= 0 {
		durationSec = b.cfg.DefaultDuration.Seconds()
	}
	np := &cache.NowPlaying{
		EntryID:     e.ID,
		EventID:     ev.ID,
		Title:       a.Title,
		Artist:      a.Artist,
		AudioURL:    audioURL,
		Relayed:     relayed,
		StartedAt:   ev.StartedAt,
		DurationSec: durationSec,
	}
	if err := b.playout.Set(ctx, np); err != nil {
		b.log.Warn().Err(err).Msg("failed to publish now playing")
	}

	b.log.Info().
		Str("entry_id", e.ID.String()).
		Str("title", a.Title).
		Str("mode", mode).
		Float64("duration_sec", durationSec).
		Msg("on air")
	return nil
}

// announce posts the upcoming track to the station channel. Best-effort.
func (b *BroadcastDirector) announce(ctx context.Context, a *model.GeneratedArtifact) {
	text := fmt.Sprintf("Now playing: %s by %s", a.Title, a.Artist)
	if err := b.notifier.Announce(ctx, text); err != nil {
		b.log.Warn().Err(err).Msg("failed to announce broadcast")
	}
}
