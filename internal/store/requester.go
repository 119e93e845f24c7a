package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/waveloop/radiod/internal/model"
)

// GetRequester returns one requester by id.
func (s *Store) GetRequester(ctx context.Context, id uuid.UUID) (*model.Requester, error) {
	r := &model.Requester{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, display_name, telegram_chat_id, reputation,
			songs_requested, songs_completed, songs_failed, created_at
		FROM requesters WHERE id = $1`, id,
	).Scan(&r.ID, &r.DisplayName, &r.TelegramChatID, &r.Reputation,
		&r.SongsRequested, &r.SongsCompleted, &r.SongsFailed, &r.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get requester: %w", err)
	}
	return r, nil
}

// CreateRequester inserts a new requester. Intake-side.
func (s *Store) CreateRequester(ctx context.Context, r *model.Requester) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO requesters (id, display_name, telegram_chat_id, reputation)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		r.ID, r.DisplayName, r.TelegramChatID, r.Reputation,
	).Scan(&r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: requester %s", ErrConflict, r.ID)
		}
		return fmt.Errorf("failed to insert requester: %w", err)
	}
	return nil
}

// statColumns whitelists the counter columns bumpRequesterStat may touch.
var statColumns = map[string]bool{
	"songs_requested": true,
	"songs_completed": true,
	"songs_failed":    true,
}

func bumpRequesterStat(ctx context.Context, db DBTX, id uuid.UUID, column string) error {
	if !statColumns[column] {
		return fmt.Errorf("unknown requester stat column %q", column)
	}
	_, err := db.Exec(ctx,
		fmt.Sprintf(`UPDATE requesters SET %s = %s + 1 WHERE id = $1`, column, column), id)
	if err != nil {
		return fmt.Errorf("failed to bump requester %s: %w", column, err)
	}
	return nil
}
