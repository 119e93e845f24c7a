package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waveloop/radiod/internal/model"
	"github.com/waveloop/radiod/internal/priority"
)

// CastVote applies one requester's vote to an entry: a first vote inserts,
// the same value again removes it, the opposite value flips it. Tallies and
// the priority score are recomputed in the same transaction so the stored
// score never lags a vote.
func (s *Store) CastVote(ctx context.Context, entryID, requesterID uuid.UUID, value int, now time.Time) (*model.QueueEntry, error) {
	if value != model.VoteUp && value != model.VoteDown {
		return nil, fmt.Errorf("invalid vote value %d", value)
	}

	e := &model.QueueEntry{}
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		if err := lockVotableEntry(ctx, tx, entryID); err != nil {
			return err
		}

		var existing int
		err := tx.QueryRow(ctx, `
			SELECT value FROM votes WHERE entry_id = $1 AND requester_id = $2`,
			entryID, requesterID,
		).Scan(&existing)

		switch {
		case err == pgx.ErrNoRows:
			_, err = tx.Exec(ctx, `
				INSERT INTO votes (entry_id, requester_id, value, created_at)
				VALUES ($1, $2, $3, $4)`,
				entryID, requesterID, value, now)
		case err != nil:
			return fmt.Errorf("failed to read existing vote: %w", err)
		case existing == value:
			_, err = tx.Exec(ctx, `
				DELETE FROM votes WHERE entry_id = $1 AND requester_id = $2`,
				entryID, requesterID)
		default:
			_, err = tx.Exec(ctx, `
				UPDATE votes SET value = $3, created_at = $4
				WHERE entry_id = $1 AND requester_id = $2`,
				entryID, requesterID, value, now)
		}
		if err != nil {
			return fmt.Errorf("failed to apply vote: %w", err)
		}

		return retallyAndRescore(ctx, tx, entryID, now, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// SetBoost flips the boost flag and recomputes the score in one transaction.
func (s *Store) SetBoost(ctx context.Context, entryID uuid.UUID, boosted bool, now time.Time) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		if err := lockVotableEntry(ctx, tx, entryID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE queue_entries SET boosted = $2, updated_at = $3 WHERE id = $1`,
			entryID, boosted, now)
		if err != nil {
			return fmt.Errorf("failed to set boost: %w", err)
		}
		return retallyAndRescore(ctx, tx, entryID, now, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// lockVotableEntry locks the entry row and rejects entries past the point
// where ordering matters.
func lockVotableEntry(ctx context.Context, tx pgx.Tx, entryID uuid.UUID) error {
	var status model.EntryStatus
	err := tx.QueryRow(ctx,
		`SELECT status FROM queue_entries WHERE id = $1 FOR UPDATE`, entryID,
	).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock entry: %w", err)
	}
	if status.IsTerminal() || status == model.StatusBroadcasting {
		return ErrEntryClosed
	}
	return nil
}

// retallyAndRescore recounts votes, recomputes the priority score with the
// requester's reputation and writes both back, filling e with the result.
func retallyAndRescore(ctx context.Context, tx pgx.Tx, entryID uuid.UUID, now time.Time, e *model.QueueEntry) error {
	var reputation float64
	err := tx.QueryRow(ctx, `
		UPDATE queue_entries SET
			upvotes = (SELECT count(*) FROM votes WHERE entry_id = $1 AND value = 1),
			downvotes = (SELECT count(*) FROM votes WHERE entry_id = $1 AND value = -1),
			updated_at = $2
		WHERE id = $1
		RETURNING `+entryColumns+`,
			COALESCE((SELECT r.reputation FROM requesters r WHERE r.id = queue_entries.requester_id), 0)`,
		entryID, now,
	).Scan(append(entryFields(e), &reputation)...)
	if err != nil {
		return fmt.Errorf("failed to retally votes: %w", err)
	}

	e.PriorityScore = priority.Score(e, reputation, now)
	_, err = tx.Exec(ctx,
		`UPDATE queue_entries SET priority_score = $2 WHERE id = $1`,
		entryID, e.PriorityScore)
	if err != nil {
		return fmt.Errorf("failed to store recomputed score: %w", err)
	}
	return nil
}
