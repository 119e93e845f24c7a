package model

import (
	"time"

	"github.com/google/uuid"
)

// Moderation verdicts
type ModerationVerdict string

const (
	ModerationPending  ModerationVerdict = "pending"
	ModerationPassed   ModerationVerdict = "passed"
	ModerationRejected ModerationVerdict = "rejected"
)

// QueueEntry is one generation request in the backlog. Entries are created
// by the intake surface in pending and advanced only by the dispatcher and
// the director; vote and boost mutations recompute PriorityScore but never
// touch Status.
type QueueEntry struct {
	ID             uuid.UUID         `json:"id"`
	RequesterID    *uuid.UUID        `json:"requesterId,omitempty"` // nil for anonymous requests
	Prompt         string            `json:"prompt"`
	EnhancedPrompt string            `json:"enhancedPrompt,omitempty"`
	Style          string            `json:"style,omitempty"`
	Instrumental   bool              `json:"instrumental"`
	Status         EntryStatus       `json:"status"`
	Moderation     ModerationVerdict `json:"moderation"`
	JobHandle      *string           `json:"jobHandle,omitempty"` // provider job id, recorded once submission succeeds
	LastError      *string           `json:"lastError,omitempty"`
	RetryCount     int               `json:"retryCount"`
	MaxRetries     int               `json:"maxRetries"`
	BasePriority   float64           `json:"basePriority"`
	PriorityScore  float64           `json:"priorityScore"` // derived, never hand-set
	Upvotes        int               `json:"upvotes"`
	Downvotes      int               `json:"downvotes"`
	Boosted        bool              `json:"boosted"`
	ArtifactID     *uuid.UUID        `json:"artifactId,omitempty"`

	RequestedAt         time.Time  `json:"requestedAt"`
	GenerationStartedAt *time.Time `json:"generationStartedAt,omitempty"`
	GeneratedAt         *time.Time `json:"generatedAt,omitempty"`
	BroadcastStartedAt  *time.Time `json:"broadcastStartedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// WaitingSince returns how long the entry has been waiting at now.
func (e *QueueEntry) WaitingSince(now time.Time) time.Duration {
	if now.Before(e.RequestedAt) {
		return 0
	}
	return now.Sub(e.RequestedAt)
}

// RetriesLeft reports whether the entry still has retry budget.
func (e *QueueEntry) RetriesLeft() bool {
	return e.RetryCount < e.MaxRetries
}

// EffectivePrompt is the text submitted to the generator: the enhanced
// prompt when one was produced, the raw prompt otherwise.
func (e *QueueEntry) EffectivePrompt() string {
	if e.EnhancedPrompt != "" {
		return e.EnhancedPrompt
	}
	return e.Prompt
}

// Vote values
const (
	VoteUp   = 1
	VoteDown = -1
)

// Vote is one requester's vote on one entry. Re-casting the same value
// removes the vote; casting the opposite value flips it.
type Vote struct {
	EntryID     uuid.UUID `json:"entryId"`
	RequesterID uuid.UUID `json:"requesterId"`
	Value       int       `json:"value"` // VoteUp or VoteDown
	CreatedAt   time.Time `json:"createdAt"`
}

// Requester is a listener who submits requests. Reputation feeds the
// priority score; the counters feed the success-rate stats.
type Requester struct {
	ID             uuid.UUID `json:"id"`
	DisplayName    string    `json:"displayName"`
	TelegramChatID *int64    `json:"telegramChatId,omitempty"`
	Reputation     float64   `json:"reputation"`
	SongsRequested int       `json:"songsRequested"`
	SongsCompleted int       `json:"songsCompleted"`
	SongsFailed    int       `json:"songsFailed"`
	CreatedAt      time.Time `json:"createdAt"`
}
