package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waveloop/radiod/internal/model"
)

const artifactColumns = `id, title, artist, audio_url, archive_url, local_path,
	duration_sec, approved, play_count, created_at`

func artifactFields(a *model.GeneratedArtifact) []any {
	return []any{
		&a.ID, &a.Title, &a.Artist, &a.AudioURL, &a.ArchiveURL, &a.LocalPath,
		&a.DurationSec, &a.Approved, &a.PlayCount, &a.CreatedAt,
	}
}

// CompleteGeneration stores the artifact, links it to its entry, moves the
// entry to generated and credits the requester, all in one transaction.
// Returns ErrStatusChanged if the entry left generating in the meantime.
func (s *Store) CompleteGeneration(ctx context.Context, entryID uuid.UUID, a *model.GeneratedArtifact, now time.Time) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = now

	return s.runInTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO artifacts (id, title, artist, audio_url, archive_url, local_path,
				duration_sec, approved, play_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)`,
			a.ID, a.Title, a.Artist, a.AudioURL, a.ArchiveURL, a.LocalPath,
			a.DurationSec, a.Approved, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}

		var requesterID *uuid.UUID
		err = tx.QueryRow(ctx, `
			UPDATE queue_entries
			SET status = 'generated', artifact_id = $2, generated_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'generating'
			RETURNING requester_id`,
			entryID, a.ID, now,
		).Scan(&requesterID)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrStatusChanged
			}
			return fmt.Errorf("failed to link artifact to entry: %w", err)
		}

		if requesterID != nil {
			return bumpRequesterStat(ctx, tx, *requesterID, "songs_completed")
		}
		return nil
	})
}

// GetArtifact returns one artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) (*model.GeneratedArtifact, error) {
	a := &model.GeneratedArtifact{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id,
	).Scan(artifactFields(a)...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return a, nil
}
