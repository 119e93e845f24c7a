package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waveloop/radiod/internal/model"
)

const eventColumns = `id, entry_id, artifact_id, title, artist, relayed,
	started_at, ended_at, played_sec`

func eventFields(ev *model.BroadcastEvent) []any {
	return []any{
		&ev.ID, &ev.EntryID, &ev.ArtifactID, &ev.Title, &ev.Artist, &ev.Relayed,
		&ev.StartedAt, &ev.EndedAt, &ev.PlayedSec,
	}
}

// OpenBroadcast promotes a generated entry on air: any stray open event is
// closed as superseded, the entry moves to broadcasting and a fresh event is
// opened, all in one transaction. Returns ErrStatusChanged if the entry left
// generated in the meantime.
func (s *Store) OpenBroadcast(ctx context.Context, entry *model.QueueEntry, artifact *model.GeneratedArtifact, relayed bool, now time.Time) (*model.BroadcastEvent, error) {
	ev := &model.BroadcastEvent{
		ID:         uuid.New(),
		EntryID:    entry.ID,
		ArtifactID: artifact.ID,
		Title:      artifact.Title,
		Artist:     artifact.Artist,
		Relayed:    relayed,
		StartedAt:  now,
	}

	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		// Crash remnants: an open event whose process died before closing it.
		_, err := tx.Exec(ctx, `
			UPDATE broadcast_events
			SET ended_at = $1, played_sec = EXTRACT(EPOCH FROM ($1 - started_at))
			WHERE ended_at IS NULL`, now)
		if err != nil {
			return fmt.Errorf("failed to close superseded events: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = 'broadcasting', broadcast_started_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'generated'`,
			entry.ID, now)
		if err != nil {
			return fmt.Errorf("failed to mark entry broadcasting: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStatusChanged
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO broadcast_events (id, entry_id, artifact_id, title, artist,
				relayed, started_at, played_sec)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`,
			ev.ID, ev.EntryID, ev.ArtifactID, ev.Title, ev.Artist, ev.Relayed, ev.StartedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: another broadcast event is open", ErrConflict)
			}
			return fmt.Errorf("failed to open broadcast event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// RetireBroadcast completes a broadcasting entry, closes its event with the
// played duration and bumps the artifact play count. A missing open event is
// tolerated; the entry still completes.
func (s *Store) RetireBroadcast(ctx context.Context, entryID uuid.UUID, now time.Time) (*model.BroadcastEvent, error) {
	var closed *model.BroadcastEvent
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		var artifactID *uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE queue_entries
			SET status = 'completed', completed_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'broadcasting'
			RETURNING artifact_id`,
			entryID, now,
		).Scan(&artifactID)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrStatusChanged
			}
			return fmt.Errorf("failed to complete entry: %w", err)
		}

		ev := &model.BroadcastEvent{}
		err = tx.QueryRow(ctx, `
			UPDATE broadcast_events
			SET ended_at = $2, played_sec = EXTRACT(EPOCH FROM ($2 - started_at))
			WHERE entry_id = $1 AND ended_at IS NULL
			RETURNING `+eventColumns,
			entryID, now,
		).Scan(eventFields(ev)...)
		if err == nil {
			closed = ev
		} else if err != pgx.ErrNoRows {
			return fmt.Errorf("failed to close broadcast event: %w", err)
		}

		if artifactID != nil {
			_, err = tx.Exec(ctx,
				`UPDATE artifacts SET play_count = play_count + 1 WHERE id = $1`, *artifactID)
			if err != nil {
				return fmt.Errorf("failed to bump play count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// OpenEvent returns the currently open broadcast event, or ErrNotFound.
func (s *Store) OpenEvent(ctx context.Context) (*model.BroadcastEvent, error) {
	ev := &model.BroadcastEvent{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM broadcast_events WHERE ended_at IS NULL`,
	).Scan(eventFields(ev)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get open event: %w", err)
	}
	return ev, nil
}

// RecentEvents returns broadcast history, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*model.BroadcastEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM broadcast_events
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcast events: %w", err)
	}
	defer rows.Close()

	var events []*model.BroadcastEvent
	for rows.Next() {
		ev := &model.BroadcastEvent{}
		if err := rows.Scan(eventFields(ev)...); err != nil {
			return nil, fmt.Errorf("failed to scan broadcast event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
