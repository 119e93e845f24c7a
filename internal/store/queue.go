package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waveloop/radiod/internal/model"
)

const entryColumns = `id, requester_id, prompt, enhanced_prompt, style, instrumental,
	status, moderation, job_handle, last_error, retry_count, max_retries,
	base_priority, priority_score, upvotes, downvotes, boosted, artifact_id,
	requested_at, generation_started_at, generated_at, broadcast_started_at,
	completed_at, updated_at`

// entryFields returns scan destinations in entryColumns order.
func entryFields(e *model.QueueEntry) []any {
	return []any{
		&e.ID, &e.RequesterID, &e.Prompt, &e.EnhancedPrompt, &e.Style, &e.Instrumental,
		&e.Status, &e.Moderation, &e.JobHandle, &e.LastError, &e.RetryCount, &e.MaxRetries,
		&e.BasePriority, &e.PriorityScore, &e.Upvotes, &e.Downvotes, &e.Boosted, &e.ArtifactID,
		&e.RequestedAt, &e.GenerationStartedAt, &e.GeneratedAt, &e.BroadcastStartedAt,
		&e.CompletedAt, &e.UpdatedAt,
	}
}

func scanEntries(rows pgx.Rows) ([]*model.QueueEntry, error) {
	defer rows.Close()

	var entries []*model.QueueEntry
	for rows.Next() {
		e := &model.QueueEntry{}
		if err := rows.Scan(entryFields(e)...); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateEntry inserts a new entry and counts it against the requester's
// submission stats. A zero ID is assigned; a zero requested-at is stamped.
func (s *Store) CreateEntry(ctx context.Context, e *model.QueueEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = model.StatusPending
	}
	if e.Moderation == "" {
		e.Moderation = model.ModerationPending
	}
	now := time.Now().UTC()
	if e.RequestedAt.IsZero() {
		e.RequestedAt = now
	}
	e.UpdatedAt = now

	return s.runInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO queue_entries (id, requester_id, prompt, enhanced_prompt, style,
				instrumental, status, moderation, retry_count, max_retries,
				base_priority, priority_score, boosted, requested_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			e.ID, e.RequesterID, e.Prompt, e.EnhancedPrompt, e.Style,
			e.Instrumental, e.Status, e.Moderation, e.RetryCount, e.MaxRetries,
			e.BasePriority, e.PriorityScore, e.Boosted, e.RequestedAt, e.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: entry %s", ErrConflict, e.ID)
			}
			return fmt.Errorf("failed to insert queue entry: %w", err)
		}
		if e.RequesterID != nil {
			return bumpRequesterStat(ctx, tx, *e.RequesterID, "songs_requested")
		}
		return nil
	})
}

// GetEntry returns one entry by id.
func (s *Store) GetEntry(ctx context.Context, id uuid.UUID) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id,
	).Scan(entryFields(e)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return e, nil
}

// EntriesByStatus lists entries in a status, best priority first. A limit
// of zero or less means no limit.
func (s *Store) EntriesByStatus(ctx context.Context, status model.EntryStatus, limit int) ([]*model.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE status = $1
		ORDER BY priority_score DESC, requested_at ASC
		LIMIT NULLIF(GREATEST($2, 0), 0)`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entries: %w", status, err)
	}
	return scanEntries(rows)
}

// CandidatesForDispatch returns the admission front: moderation-passed
// pending entries, best score first, oldest request breaking ties.
func (s *Store) CandidatesForDispatch(ctx context.Context, limit int) ([]*model.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE status = 'pending' AND moderation = 'passed'
		ORDER BY priority_score DESC, requested_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select dispatch candidates: %w", err)
	}
	return scanEntries(rows)
}

// NextForBroadcast returns the best generated entry that has an artifact,
// or ErrNotFound when nothing is ready.
func (s *Store) NextForBroadcast(ctx context.Context) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	err := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE status = 'generated' AND artifact_id IS NOT NULL
		ORDER BY priority_score DESC, requested_at ASC
		LIMIT 1`,
	).Scan(entryFields(e)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to select next broadcast entry: %w", err)
	}
	return e, nil
}

// StaleGenerating returns generating entries whose generation started before
// the cutoff. The dispatcher filters out the ones it is actively tracking.
func (s *Store) StaleGenerating(ctx context.Context, cutoff time.Time) ([]*model.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE status = 'generating'
		  AND generation_started_at IS NOT NULL
		  AND generation_started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale generating entries: %w", err)
	}
	return scanEntries(rows)
}

// SetEnhancedPrompt stores the enhanced prompt produced for an entry.
func (s *Store) SetEnhancedPrompt(ctx context.Context, id uuid.UUID, text string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET enhanced_prompt = $2, updated_at = $3 WHERE id = $1`,
		id, text, now)
	if err != nil {
		return fmt.Errorf("failed to set enhanced prompt: %w", err)
	}
	return nil
}

// MarkGenerating claims a pending entry for generation. The job handle is
// recorded separately once submission succeeds; a generating row without a
// handle is a crashed submission and gets retried by orphan recovery.
// Returns ErrStatusChanged if the entry is no longer pending.
func (s *Store) MarkGenerating(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = 'generating', job_handle = NULL, generation_started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`,
		id, now)
	if err != nil {
		return fmt.Errorf("failed to mark entry generating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusChanged
	}
	return nil
}

// SetJobHandle records the handle on an already-generating entry. Used when
// submission succeeds after the entry was claimed.
func (s *Store) SetJobHandle(ctx context.Context, id uuid.UUID, handle string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET job_handle = $2, updated_at = $3
		WHERE id = $1 AND status = 'generating'`,
		id, handle, now)
	if err != nil {
		return fmt.Errorf("failed to set job handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusChanged
	}
	return nil
}

// ReturnForRetry puts a generating entry back into pending after a transient
// failure. The attempt consumes one retry; the handle is cleared because
// pending entries must not carry one.
func (s *Store) ReturnForRetry(ctx context.Context, id uuid.UUID, cause string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = 'pending', retry_count = retry_count + 1, last_error = $2,
		    job_handle = NULL, generation_started_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'generating'`,
		id, cause, now)
	if err != nil {
		return fmt.Errorf("failed to return entry for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusChanged
	}
	return nil
}

// MarkFailed moves a generating entry to terminal failed and counts the
// failure against the requester. Retry accounting stays untouched; retries
// are consumed by ReturnForRetry, so data errors reach here with the budget
// intact and exhausted entries with retry_count already at the cap.
// Returns the updated entry so the caller can notify the requester.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, cause string, now time.Time) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE queue_entries
			SET status = 'failed', last_error = $2, updated_at = $3
			WHERE id = $1 AND status = 'generating'
			RETURNING `+entryColumns,
			id, cause, now,
		).Scan(entryFields(e)...)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrStatusChanged
			}
			return fmt.Errorf("failed to mark entry failed: %w", err)
		}
		if e.RequesterID != nil {
			return bumpRequesterStat(ctx, tx, *e.RequesterID, "songs_failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CancelEntry cancels an entry that has not started generating. Intake-side.
func (s *Store) CancelEntry(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'queued')`,
		id, now)
	if err != nil {
		return fmt.Errorf("failed to cancel entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusChanged
	}
	return nil
}

// SetModeration records a moderation verdict. A rejection of a pending entry
// also parks it in the moderated terminal status.
func (s *Store) SetModeration(ctx context.Context, id uuid.UUID, verdict model.ModerationVerdict, now time.Time) error {
	var query string
	if verdict == model.ModerationRejected {
		query = `
			UPDATE queue_entries
			SET moderation = $2,
			    status = CASE WHEN status = 'pending' THEN 'moderated' ELSE status END,
			    updated_at = $3
			WHERE id = $1`
	} else {
		query = `UPDATE queue_entries SET moderation = $2, updated_at = $3 WHERE id = $1`
	}
	tag, err := s.pool.Exec(ctx, query, id, verdict, now)
	if err != nil {
		return fmt.Errorf("failed to set moderation verdict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepRow pairs a backlog entry with its requester's reputation for
// priority recomputation.
type SweepRow struct {
	Entry      *model.QueueEntry
	Reputation float64
}

// ScoreUpdate carries one recomputed score together with the status the
// sweep read it at, the optimistic guard for the batched write.
type ScoreUpdate struct {
	ID     uuid.UUID
	Score  float64
	Status model.EntryStatus
}

// BacklogForSweep returns every non-terminal entry with its requester's
// reputation. Wait decay applies to the whole backlog, not just pending
// rows: a generated entry keeps aging while it waits for promotion.
func (s *Store) BacklogForSweep(ctx context.Context) ([]SweepRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.requester_id, e.prompt, e.enhanced_prompt, e.style, e.instrumental,
			e.status, e.moderation, e.job_handle, e.last_error, e.retry_count, e.max_retries,
			e.base_priority, e.priority_score, e.upvotes, e.downvotes, e.boosted, e.artifact_id,
			e.requested_at, e.generation_started_at, e.generated_at, e.broadcast_started_at,
			e.completed_at, e.updated_at,
			COALESCE(r.reputation, 0)
		FROM queue_entries e
		LEFT JOIN requesters r ON r.id = e.requester_id
		WHERE e.status NOT IN ('completed', 'failed', 'cancelled', 'moderated')`)
	if err != nil {
		return nil, fmt.Errorf("failed to select sweep rows: %w", err)
	}
	defer rows.Close()

	var out []SweepRow
	for rows.Next() {
		row := SweepRow{Entry: &model.QueueEntry{}}
		dests := append(entryFields(row.Entry), &row.Reputation)
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("failed to scan sweep row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpdatePriorityScores writes recomputed scores in one batch. Each write is
// guarded by the status the sweep read, so rows that transitioned since the
// select are skipped and rescored next cycle at their new status.
func (s *Store) UpdatePriorityScores(ctx context.Context, updates []ScoreUpdate, now time.Time) error {
	if len(updates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`
			UPDATE queue_entries SET priority_score = $2, updated_at = $3
			WHERE id = $1 AND status = $4`,
			u.ID, u.Score, now, u.Status)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to update priority scores: %w", err)
		}
	}
	return nil
}

// CountByStatus returns queue depth per status, for the status surface.
func (s *Store) CountByStatus(ctx context.Context) (map[model.EntryStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.EntryStatus]int)
	for rows.Next() {
		var status model.EntryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
