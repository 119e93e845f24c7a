package model

import (
	"time"

	"github.com/google/uuid"
)

// GeneratedArtifact is the audio produced for a queue entry. Immutable once
// AudioURL and DurationSec are set, except for PlayCount and Approved.
type GeneratedArtifact struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	AudioURL    string    `json:"audioUrl"`
	ArchiveURL  string    `json:"archiveUrl,omitempty"` // mirror in the artifact archive, when configured
	LocalPath   string    `json:"localPath,omitempty"`
	DurationSec float64   `json:"durationSec"`
	Approved    bool      `json:"approved"`
	PlayCount   int       `json:"playCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// BroadcastEvent records one airing of an artifact. EndedAt nil means the
// event is still open; at most one open event exists system-wide.
type BroadcastEvent struct {
	ID         uuid.UUID  `json:"id"`
	EntryID    uuid.UUID  `json:"entryId"`
	ArtifactID uuid.UUID  `json:"artifactId"`
	Title      string     `json:"title"`
	Artist     string     `json:"artist"`
	Relayed    bool       `json:"relayed"` // false means direct playback
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	PlayedSec  float64    `json:"playedSec"`
}

// Open reports whether the event is still airing.
func (b *BroadcastEvent) Open() bool {
	return b.EndedAt == nil
}
