package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/waveloop/radiod/internal/client"
	"github.com/waveloop/radiod/internal/config"
	"github.com/waveloop/radiod/internal/model"
	"github.com/waveloop/radiod/internal/priority"
	"github.com/waveloop/radiod/internal/store"
)

// Dispatch metrics.
var (
	dispatchCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiod_dispatch_cycles_total",
		Help: "Number of dispatcher cycles run.",
	})
	dispatchCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "radiod_dispatch_cycle_duration_seconds",
		Help:    "Duration of one full dispatcher cycle.",
		Buckets: prometheus.DefBuckets,
	})
	generationJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "radiod_generation_jobs_in_flight",
		Help: "Generation jobs currently tracked by the dispatcher.",
	})
	generationOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "radiod_generation_outcomes_total",
		Help: "Generation job outcomes (succeeded, retried, failed).",
	}, []string{"outcome"})
	dispatchAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "radiod_dispatch_admitted_total",
		Help: "Entries admitted into generation.",
	})
)

// QueueDispatcher turns the pending backlog into generation jobs and
// reconciles their outcomes. At most cfg.MaxConcurrent jobs run at once.
//
// The in-flight map is a cache of the store's generating rows, never the
// authority: after a crash it is empty and orphan recovery rebuilds it from
// rows whose generation started before the staleness cutoff.
type QueueDispatcher struct {
	cfg       config.DispatchConfig
	store     DispatchStore
	generator Generator
	enhancer  Enhancer // nil when prompt enhancement is not configured
	archive   Archive  // nil when the artifact archive is not configured
	notifier  Notifier
	artist    string
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	running  bool
	inFlight map[uuid.UUID]string // entry id -> job handle
}

func NewQueueDispatcher(cfg config.DispatchConfig, st DispatchStore, gen Generator, enh Enhancer, arch Archive, ntf Notifier, artist string, log zerolog.Logger) *QueueDispatcher {
	return &QueueDispatcher{
		cfg:       cfg,
		store:     st,
		generator: gen,
		enhancer:  enh,
		archive:   arch,
		notifier:  ntf,
		artist:    artist,
		log:       log,
		now:       time.Now,
		inFlight:  make(map[uuid.UUID]string),
	}
}

// RunCycle executes one dispatcher pass: recover orphaned jobs, reconcile
// in-flight ones, refresh priority scores, then admit new work into the free
// slots. Safe to invoke at any cadence; overlapping invocations are skipped.
func (d *QueueDispatcher) RunCycle(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.log.Debug().Msg("dispatch cycle still running, skipping tick")
		return nil
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	started := time.Now()
	dispatchCyclesTotal.Inc()

	// One clock reading per cycle so every score and timestamp in this pass
	// agrees on what "now" means.
	now := d.now()

	if err := d.recoverOrphans(ctx, now); err != nil {
		return err
	}
	if err := d.reconcile(ctx, now); err != nil {
		return err
	}
	if err := d.sweepPriorities(ctx, now); err != nil {
		return err
	}
	if err := d.admit(ctx, now); err != nil {
		return err
	}

	dispatchCycleDuration.Observe(time.Since(started).Seconds())
	return nil
}

// InFlight reports how many generation jobs the dispatcher is tracking.
func (d *QueueDispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// recoverOrphans picks up generating rows older than the staleness cutoff
// that the in-flight map does not know about. Rows with a stored handle are
// re-adopted and polled this same cycle; rows without one died between claim
// and submission, so the attempt is charged against the retry budget.
func (d *QueueDispatcher) recoverOrphans(ctx context.Context, now time.Time) error {
	stale, err := d.store.StaleGenerating(ctx, now.Add(-d.cfg.StaleAfter))
	if err != nil {
		return fmt.Errorf("failed to select stale generating entries: %w", err)
	}
	for _, e := range stale {
		if d.tracked(e.ID) {
			continue
		}
		if e.JobHandle != nil && *e.JobHandle != "" {
			d.trackJob(e.ID, *e.JobHandle)
			d.log.Warn().
				Str("entry_id", e.ID.String()).
				Str("handle", *e.JobHandle).
				Msg("re-adopted orphaned generation job")
			continue
		}
		d.log.Warn().Str("entry_id", e.ID.String()).Msg("orphaned entry has no job handle, charging a retry")
		if err := d.failOrRetry(ctx, e, "generation orphaned before submission", now); err != nil {
			d.log.Error().Err(err).Str("entry_id", e.ID.String()).Msg("failed to recover orphaned entry")
		}
	}
	return nil
}

// reconcile polls the generator for every tracked job. Poll errors are left
// alone; the job stays tracked and the next cycle tries again.
func (d *QueueDispatcher) reconcile(ctx context.Context, now time.Time) error {
	jobs := d.snapshotJobs()
	if len(jobs) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrent)
	for id, handle := range jobs {
		id, handle := id, handle
		g.Go(func() error {
			d.reconcileJob(gctx, id, handle, now)
			return nil
		})
	}
	return g.Wait()
}

func (d *QueueDispatcher) reconcileJob(ctx context.Context, id uuid.UUID, handle string, now time.Time) {
	pctx, cancel := context.WithTimeout(ctx, d.cfg.PollTimeout)
	defer cancel()

	st, err := d.generator.PollStatus(pctx, handle)
	if err != nil {
		d.log.Warn().Err(err).Str("entry_id", id.String()).Msg("status poll failed, retrying next cycle")
		return
	}

	switch st.State {
	case client.JobSucceeded:
		d.finishJob(ctx, id, st, now)
	case client.JobFailed:
		e, err := d.store.GetEntry(ctx, id)
		if err != nil {
			d.log.Error().Err(err).Str("entry_id", id.String()).Msg("failed to load entry after job failure")
			return
		}
		cause := st.Message
		if cause == "" {
			cause = "generation failed"
		}
		if err := d.failOrRetry(ctx, e, cause, now); err != nil {
			d.log.Error().Err(err).Str("entry_id", id.String()).Msg("failed to record job failure")
		}
	default:
		// still running
	}
}

// finishJob downloads the produced audio, mirrors it to the archive when one
// is configured, and completes the entry in a single transaction.
func (d *QueueDispatcher) finishJob(ctx context.Context, id uuid.UUID, st *client.GenerationStatus, now time.Time) {
	if st.AudioURL == "" {
		// Success without audio is bad provider data. Retrying cannot fix
		// it, so the retry budget stays untouched.
		d.untrackJob(id)
		failed, err := d.store.MarkFailed(ctx, id, "generation succeeded without an audio url", now)
		if err != nil {
			d.log.Error().Err(err).Str("entry_id", id.String()).Msg("failed to mark entry failed")
			return
		}
		generationOutcomesTotal.WithLabelValues("failed").Inc()
		d.notifyFailure(ctx, failed)
		return
	}

	dest := filepath.Join(d.cfg.ArtifactDir, id.String()+".mp3")
	if err := d.generator.DownloadArtifact(ctx, st.AudioURL, dest); err != nil {
		d.log.Warn().Err(err).Str("entry_id", id.String()).Msg("artifact download failed, retrying next cycle")
		return
	}

	archiveURL := ""
	if d.archive != nil {
		u, err := d.archive.StoreFile(ctx, dest, "artifacts/"+id.String()+".mp3")
		if err != nil {
			d.log.Warn().Err(err).Str("entry_id", id.String()).Msg("artifact archive failed, keeping local copy only")
		} else {
			archiveURL = u
		}
	}

	title := st.Title
	if title == "" {
		title = "Untitled"
	}
	artifact := &model.GeneratedArtifact{
		ID:          uuid.New(),
		Title:       title,
		Artist:      d.artist,
		AudioURL:    st.AudioURL,
		ArchiveURL:  archiveURL,
		LocalPath:   dest,
		DurationSec: st.Duration,
		Approved:    true,
		CreatedAt:   now,
	}
	if err := d.store.CompleteGeneration(ctx, id, artifact, now); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			d.log.Warn().Str("entry_id", id.String()).Msg("entry left generating while its job finished, dropping result")
			d.untrackJob(id)
			return
		}
		d.log.Error().Err(err).Str("entry_id", id.String()).Msg("failed to complete generation")
		return
	}

	d.untrackJob(id)
	generationOutcomesTotal.WithLabelValues("succeeded").Inc()
	d.log.Info().
		Str("entry_id", id.String()).
		Str("title", title).
		Float64("duration_sec", st.Duration).
		Msg("generation finished")
}

// sweepPriorities recomputes scores for every non-terminal entry so
// wait-time decay applies even to entries nobody votes on. The backlog
// includes generated entries waiting for promotion; their scores must keep
// moving or a long-parked track would outrank fresher work forever.
func (d *QueueDispatcher) sweepPriorities(ctx context.Context, now time.Time) error {
	rows, err := d.store.BacklogForSweep(ctx)
	if err != nil {
		return fmt.Errorf("failed to load backlog: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	updates := make([]store.ScoreUpdate, 0, len(rows))
	for _, row := range rows {
		updates = append(updates, store.ScoreUpdate{
			ID:     row.Entry.ID,
			Score:  priority.Score(row.Entry, row.Reputation, now),
			Status: row.Entry.Status,
		})
	}
	if err := d.store.UpdatePriorityScores(ctx, updates, now); err != nil {
		return fmt.Errorf("failed to update priority scores: %w", err)
	}
	return nil
}

// admit fills the free generation slots with the highest-priority pending
// entries that passed moderation.
func (d *QueueDispatcher) admit(ctx context.Context, now time.Time) error {
	slots := d.cfg.MaxConcurrent - d.InFlight()
	if slots <= 0 {
		return nil
	}
	candidates, err := d.store.CandidatesForDispatch(ctx, slots)
	if err != nil {
		return fmt.Errorf("failed to select dispatch candidates: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrent)
	for _, e := range candidates {
		e := e
		g.Go(func() error {
			d.launch(gctx, e, now)
			return nil
		})
	}
	return g.Wait()
}

// launch claims one entry and submits its generation job. The entry is
// marked generating before submission; if the process dies in between,
// orphan recovery charges the attempt later.
func (d *QueueDispatcher) launch(ctx context.Context, e *model.QueueEntry, now time.Time) {
	if d.enhancer != nil && e.EnhancedPrompt == "" {
		enhanced, err := d.enhancer.EnhancePrompt(ctx, e.Prompt, e.Style)
		switch {
		case err != nil:
			d.log.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("prompt enhancement failed, using raw prompt")
		case d.storeEnhanced(ctx, e, enhanced, now):
			e.EnhancedPrompt = enhanced
		}
	}

	if err := d.store.MarkGenerating(ctx, e.ID, now); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			d.log.Debug().Str("entry_id", e.ID.String()).Msg("entry no longer pending, skipping")
			return
		}
		d.log.Error().Err(err).Str("entry_id", e.ID.String()).Msg("failed to claim entry")
		return
	}

	sctx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
	defer cancel()
	handle, err := d.generator.Submit(sctx, &client.GenerationRequest{
		Prompt:           e.EffectivePrompt(),
		Style:            e.Style,
		MakeInstrumental: e.Instrumental,
	})
	if err != nil {
		d.log.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("submission failed")
		if rerr := d.failOrRetry(ctx, e, fmt.Sprintf("submission failed: %v", err), now); rerr != nil {
			d.log.Error().Err(rerr).Str("entry_id", e.ID.String()).Msg("failed to record submission failure")
		}
		return
	}

	if err := d.store.SetJobHandle(ctx, e.ID, handle, now); err != nil {
		// The job is already live at the provider. Track it anyway so
		// reconciliation keeps polling it.
		d.log.Error().Err(err).Str("entry_id", e.ID.String()).Msg("failed to record job handle")
	}
	d.trackJob(e.ID, handle)
	dispatchAdmittedTotal.Inc()
	d.log.Info().
		Str("entry_id", e.ID.String()).
		Str("handle", handle).
		Float64("score", e.PriorityScore).
		Msg("generation submitted")
}

func (d *QueueDispatcher) storeEnhanced(ctx context.Context, e *model.QueueEntry, text string, now time.Time) bool {
	if err := d.store.SetEnhancedPrompt(ctx, e.ID, text, now); err != nil {
		d.log.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("failed to store enhanced prompt")
		return false
	}
	return true
}

// failOrRetry charges one failed attempt: back to pending while the retry
// budget lasts, terminal failed once it is spent.
func (d *QueueDispatcher) failOrRetry(ctx context.Context, e *model.QueueEntry, cause string, now time.Time) error {
	d.untrackJob(e.ID)
	if e.RetriesLeft() {
		if err := d.store.ReturnForRetry(ctx, e.ID, cause, now); err != nil {
			return err
		}
		generationOutcomesTotal.WithLabelValues("retried").Inc()
		d.log.Info().
			Str("entry_id", e.ID.String()).
			Str("cause", cause).
			Int("retry", e.RetryCount+1).
			Int("max_retries", e.MaxRetries).
			Msg("entry returned for retry")
		return nil
	}

	failed, err := d.store.MarkFailed(ctx, e.ID, cause, now)
	if err != nil {
		return err
	}
	generationOutcomesTotal.WithLabelValues("failed").Inc()
	d.log.Warn().
		Str("entry_id", e.ID.String()).
		Str("cause", cause).
		Msg("entry failed, retries exhausted")
	d.notifyFailure(ctx, failed)
	return nil
}

// notifyFailure tells the requester their track will not air. Best-effort.
func (d *QueueDispatcher) notifyFailure(ctx context.Context, e *model.QueueEntry) {
	if e.RequesterID == nil {
		return
	}
	r, err := d.store.GetRequester(ctx, *e.RequesterID)
	if err != nil {
		d.log.Debug().Err(err).Str("entry_id", e.ID.String()).Msg("failed to load requester for failure notice")
		return
	}
	if r.TelegramChatID == nil {
		return
	}
	cause := "unknown error"
	if e.LastError != nil {
		cause = *e.LastError
	}
	text := fmt.Sprintf("Sorry, your track request %q could not be generated: %s", e.Prompt, cause)
	if err := d.notifier.DirectMessage(ctx, *r.TelegramChatID, text); err != nil {
		d.log.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("failed to notify requester")
	}
}

func (d *QueueDispatcher) tracked(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[id]
	return ok
}

func (d *QueueDispatcher) trackJob(id uuid.UUID, handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[id] = handle
	generationJobsInFlight.Set(float64(len(d.inFlight)))
}

func (d *QueueDispatcher) untrackJob(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
	generationJobsInFlight.Set(float64(len(d.inFlight)))
}

func (d *QueueDispatcher) snapshotJobs() map[uuid.UUID]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	jobs := make(map[uuid.UUID]string, len(d.inFlight))
	for id, handle := range d.inFlight {
		jobs[id] = handle
	}
	return jobs
}
