// Package cache keeps the volatile now-playing snapshot in Redis so player
// surfaces can read it without touching PostgreSQL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const nowPlayingKey = "radiod:now_playing"

// ErrNothingPlaying means no snapshot is stored: dead air or TTL expiry.
var ErrNothingPlaying = errors.New("nothing playing")

// NowPlaying is the snapshot published on every promotion.
type NowPlaying struct {
	EntryID     uuid.UUID `json:"entryId"`
	EventID     uuid.UUID `json:"eventId"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	AudioURL    string    `json:"audioUrl"`
	Relayed     bool      `json:"relayed"`
	StartedAt   time.Time `json:"startedAt"`
	DurationSec float64   `json:"durationSec"`
}

// NowPlayingCache stores the snapshot with a TTL slightly past the longest
// track, so a crashed director cannot leave a stale "playing" forever.
type NowPlayingCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewNowPlayingCache creates the cache over an established Redis client.
func NewNowPlayingCache(client *redis.Client, ttl time.Duration) *NowPlayingCache {
	return &NowPlayingCache{redis: client, ttl: ttl}
}

// Set publishes the snapshot.
func (c *NowPlayingCache) Set(ctx context.Context, np *NowPlaying) error {
	data, err := json.Marshal(np)
	if err != nil {
		return fmt.Errorf("failed to marshal now playing: %w", err)
	}
	return c.redis.Set(ctx, nowPlayingKey, data, c.ttl).Err()
}

// Get returns the current snapshot, or ErrNothingPlaying.
func (c *NowPlayingCache) Get(ctx context.Context) (*NowPlaying, error) {
	data, err := c.redis.Get(ctx, nowPlayingKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNothingPlaying
		}
		return nil, fmt.Errorf("failed to get now playing: %w", err)
	}

	np := &NowPlaying{}
	if err := json.Unmarshal(data, np); err != nil {
		return nil, fmt.Errorf("failed to unmarshal now playing: %w", err)
	}
	return np, nil
}

// Clear removes the snapshot when the slot empties.
func (c *NowPlayingCache) Clear(ctx context.Context) error {
	return c.redis.Del(ctx, nowPlayingKey).Err()
}

// Ping checks the Redis connection, for readiness probes.
func (c *NowPlayingCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}
