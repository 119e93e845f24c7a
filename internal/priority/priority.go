// Package priority computes queue ordering scores. Scoring is pure: the
// caller captures the clock once per sweep and passes it in, so one sweep is
// internally consistent even when it takes a while.
package priority

import (
	"time"

	"github.com/waveloop/radiod/internal/model"
)

// Scoring weights.
const (
	ReputationWeight = 0.5
	UpvoteWeight     = 10.0
	DownvoteWeight   = 5.0
	BoostBonus       = 100.0
	DecayPerHour     = 2.0
	GraceHours       = 1.0
)

// Score returns the priority of an entry at the given instant. Higher runs
// sooner. The result never drops below zero, so stale heavily-downvoted
// entries stop sinking instead of going negative.
func Score(e *model.QueueEntry, reputation float64, now time.Time) float64 {
	score := e.BasePriority
	score += reputation * ReputationWeight
	score += float64(e.Upvotes) * UpvoteWeight
	score -= float64(e.Downvotes) * DownvoteWeight
	if e.Boosted {
		score += BoostBonus
	}
	score -= decay(e.WaitingSince(now))

	return max(score, 0)
}

// decay is the age penalty: nothing for the first hour of waiting, then
// DecayPerHour for every hour past it, fractional hours included.
func decay(wait time.Duration) float64 {
	hours := wait.Hours()
	if hours <= GraceHours {
		return 0
	}
	return (hours - GraceHours) * DecayPerHour
}
