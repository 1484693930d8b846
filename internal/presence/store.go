// Package presence tracks which connection generation is current for a user
// across all server instances. Every accepted connection increments the
// user's epoch; disconnect cleanup runs only when the departing connection
// still holds the latest epoch. Without this, a user who reconnects to a
// different instance would have the old instance's eventual eviction tear
// down the live connection's queue entry and pairing.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// epochTTL bounds per-user epoch keys; refreshed on every connect, so only
// a user absent this long loses the counter (and restarts at 1, which is
// still newer than any connection they could have open).
const epochTTL = 24 * time.Hour

// Store manages connection epochs in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func epochKey(userID string) string { return "conn_epoch:" + userID }

// Connect records a new connection for the user and returns its epoch.
func (s *Store) Connect(ctx context.Context, userID string) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, epochKey(userID))
	pipe.Expire(ctx, epochKey(userID), epochTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence: connect %s: %w", userID, err)
	}
	return incr.Val(), nil
}

// Current returns the user's latest epoch, or 0 when none is recorded.
func (s *Store) Current(ctx context.Context, userID string) (int64, error) {
	epoch, err := s.client.Get(ctx, epochKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("presence: current %s: %w", userID, err)
	}
	return epoch, nil
}

// IsCurrent reports whether the given epoch is still the user's newest
// connection.
func (s *Store) IsCurrent(ctx context.Context, userID string, epoch int64) (bool, error) {
	current, err := s.Current(ctx, userID)
	if err != nil {
		return false, err
	}
	return current == epoch, nil
}
