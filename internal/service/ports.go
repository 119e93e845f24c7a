// Package service holds the two schedulers that advance the station: the
// dispatcher, which turns pending queue entries into generation jobs and
// reconciles their outcomes, and the director, which promotes finished
// tracks on air and retires them when their play time elapses.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/waveloop/radiod/internal/cache"
	"github.com/waveloop/radiod/internal/client"
	"github.com/waveloop/radiod/internal/model"
	"github.com/waveloop/radiod/internal/store"
)

// Generator submits music generation jobs and reports their progress.
type Generator interface {
	Submit(ctx context.Context, req *client.GenerationRequest) (string, error)
	PollStatus(ctx context.Context, handle string) (*client.GenerationStatus, error)
	DownloadArtifact(ctx context.Context, url, dest string) error
}

// Enhancer rewrites a raw request prompt into richer generation guidance.
type Enhancer interface {
	EnhancePrompt(ctx context.Context, prompt, style string) (string, error)
}

// Archive stores finished audio in durable object storage.
type Archive interface {
	StoreFile(ctx context.Context, localPath, key string) (string, error)
}

// Relay is the streaming head the station pushes finished tracks to.
type Relay interface {
	QueueDepth(ctx context.Context) (int, error)
	PushNext(ctx context.Context, req *client.PushRequest) error
}

// Notifier delivers announcements and requester messages.
type Notifier interface {
	Announce(ctx context.Context, text string) error
	DirectMessage(ctx context.Context, chatID int64, text string) error
}

// Playout publishes the on-air snapshot for read surfaces.
type Playout interface {
	Set(ctx context.Context, np *cache.NowPlaying) error
	Clear(ctx context.Context) error
}

// DispatchStore is the queue state the dispatcher drives. *store.Store
// satisfies it.
type DispatchStore interface {
	GetEntry(ctx context.Context, id uuid.UUID) (*model.QueueEntry, error)
	StaleGenerating(ctx context.Context, cutoff time.Time) ([]*model.QueueEntry, error)
	BacklogForSweep(ctx context.Context) ([]store.SweepRow, error)
	UpdatePriorityScores(ctx context.Context, updates []store.ScoreUpdate, now time.Time) error
	CandidatesForDispatch(ctx context.Context, limit int) ([]*model.QueueEntry, error)
	SetEnhancedPrompt(ctx context.Context, id uuid.UUID, text string, now time.Time) error
	MarkGenerating(ctx context.Context, id uuid.UUID, now time.Time) error
	SetJobHandle(ctx context.Context, id uuid.UUID, handle string, now time.Time) error
	ReturnForRetry(ctx context.Context, id uuid.UUID, cause string, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause string, now time.Time) (*model.QueueEntry, error)
	CompleteGeneration(ctx context.Context, entryID uuid.UUID, a *model.GeneratedArtifact, now time.Time) error
	GetRequester(ctx context.Context, id uuid.UUID) (*model.Requester, error)
}

// BroadcastStore is the playout state the director drives. *store.Store
// satisfies it.
type BroadcastStore interface {
	EntriesByStatus(ctx context.Context, status model.EntryStatus, limit int) ([]*model.QueueEntry, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (*model.GeneratedArtifact, error)
	NextForBroadcast(ctx context.Context) (*model.QueueEntry, error)
	OpenBroadcast(ctx context.Context, entry *model.QueueEntry, artifact *model.GeneratedArtifact, relayed bool, now time.Time) (*model.BroadcastEvent, error)
	RetireBroadcast(ctx context.Context, entryID uuid.UUID, now time.Time) (*model.BroadcastEvent, error)
}

var (
	_ DispatchStore  = (*store.Store)(nil)
	_ BroadcastStore = (*store.Store)(nil)
)
