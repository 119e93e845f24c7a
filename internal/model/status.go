package model

import "fmt"

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	StatusPending      EntryStatus = "pending"
	StatusQueued       EntryStatus = "queued"
	StatusGenerating   EntryStatus = "generating"
	StatusGenerated    EntryStatus = "generated"
	StatusBroadcasting EntryStatus = "broadcasting"
	StatusCompleted    EntryStatus = "completed"
	StatusFailed       EntryStatus = "failed"
	StatusCancelled    EntryStatus = "cancelled"
	StatusModerated    EntryStatus = "moderated"
)

// validTransitions maps each status to the set of statuses it may move to.
// pending->generating, generating->{generated,pending,failed} and
// generated->broadcasting->completed belong to the schedulers;
// cancellation, moderation and the queued parking state belong to intake;
// failed->pending is the manual requeue path, bounded by the retry budget.
var validTransitions = map[EntryStatus]map[EntryStatus]bool{
	StatusPending:      {StatusGenerating: true, StatusCancelled: true, StatusModerated: true},
	StatusQueued:       {StatusPending: true, StatusCancelled: true},
	StatusGenerating:   {StatusGenerated: true, StatusPending: true, StatusFailed: true},
	StatusGenerated:    {StatusBroadcasting: true},
	StatusBroadcasting: {StatusCompleted: true},
	StatusCompleted:    {},
	StatusFailed:       {StatusPending: true},
	StatusCancelled:    {},
	StatusModerated:    {},
}

var allStatuses = []EntryStatus{
	StatusPending, StatusQueued, StatusGenerating, StatusGenerated,
	StatusBroadcasting, StatusCompleted, StatusFailed, StatusCancelled,
	StatusModerated,
}

// TransitionError reports an attempt to move an entry along an edge the
// status machine does not allow.
type TransitionError struct {
	From EntryStatus
	To   EntryStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to EntryStatus) bool {
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// CheckTransition returns a *TransitionError if from -> to is not allowed.
func CheckTransition(from, to EntryStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// IsTerminal reports whether the status accepts no scheduler transitions.
// failed is terminal for the schedulers even though a manual requeue edge exists.
func (s EntryStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusModerated:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s EntryStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// ParseEntryStatus converts a stored string into an EntryStatus.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	s := EntryStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown entry status %q", raw)
	}
	return s, nil
}

// Statuses returns every known status value, for reporting surfaces.
func Statuses() []EntryStatus {
	out := make([]EntryStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}
