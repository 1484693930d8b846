// Package matching implements the waiting pools, the compatibility scorer,
// and the engine that turns waiting users into pairings. One sorted set per
// mode holds the pool; the score is the enqueue timestamp, which doubles as
// the FIFO tiebreak and the wait-time source for search expansion.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for the per-mode waiting pools.
const (
	QueueKeyTalk = "matchmaking_queue:talk"
	QueueKeyMeet = "matchmaking_queue:meet"
)

// expansionNotifyTTL bounds the one-time "expanding search" flag so an
// abandoned entry does not suppress the notice on a later search.
const expansionNotifyTTL = 10 * time.Minute

// Entry is one waiting-pool member with its enqueue timestamp.
type Entry struct {
	UserID   string
	JoinedAt float64 // unix timestamp in milliseconds
}

// Queue manages the per-mode waiting pools in Redis.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a waiting-pool store backed by Redis.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// QueueKeyForMode maps a mode to its pool key.
func QueueKeyForMode(mode string) string {
	if mode == "meet" {
		return QueueKeyMeet
	}
	return QueueKeyTalk
}

// Enqueue inserts the user into the mode's pool with score = now. It is
// idempotent: any stale entry in either pool is removed first, so a user id
// appears in at most one pool entry across both modes.
func (q *Queue) Enqueue(ctx context.Context, userID, mode string) error {
	now := float64(time.Now().UnixMilli())

	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, QueueKeyTalk, userID)
	pipe.ZRem(ctx, QueueKeyMeet, userID)
	pipe.ZAdd(ctx, QueueKeyForMode(mode), redis.Z{Score: now, Member: userID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: enqueue %s: %w", userID, err)
	}
	return nil
}

// Remove deletes the user from both pools.
func (q *Queue) Remove(ctx context.Context, userID string) error {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, QueueKeyTalk, userID)
	pipe.ZRem(ctx, QueueKeyMeet, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("matching: remove %s: %w", userID, err)
	}
	return nil
}

// Candidates returns up to limit waiting entries for the mode in ascending
// score order (oldest first). Filtering is the caller's job.
func (q *Queue) Candidates(ctx context.Context, mode string, limit int) ([]Entry, error) {
	members, err := q.rdb.ZRangeWithScores(ctx, QueueKeyForMode(mode), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: candidates %s: %w", mode, err)
	}

	entries := make([]Entry, 0, len(members))
	for _, z := range members {
		entries = append(entries, Entry{
			UserID:   z.Member.(string),
			JoinedAt: z.Score,
		})
	}
	return entries, nil
}

// JoinedAt returns the user's enqueue timestamp in the mode's pool.
// The bool is false when the user is not waiting there.
func (q *Queue) JoinedAt(ctx context.Context, userID, mode string) (float64, bool, error) {
	score, err := q.rdb.ZScore(ctx, QueueKeyForMode(mode), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("matching: joined at %s: %w", userID, err)
	}
	return score, true, nil
}

// Size returns the number of users waiting in the mode's pool.
func (q *Queue) Size(ctx context.Context, mode string) (int64, error) {
	return q.rdb.ZCard(ctx, QueueKeyForMode(mode)).Result()
}

// MarkExpansionNotified records that the user has received the one-time
// "expanding search" notice. Returns true exactly once per search, shared
// across instances.
func (q *Queue) MarkExpansionNotified(ctx context.Context, userID string) (bool, error) {
	first, err := q.rdb.SetNX(ctx, "expanded_notified:"+userID, "1", expansionNotifyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("matching: mark expansion %s: %w", userID, err)
	}
	return first, nil
}

// ClearExpansionNotified resets the expansion notice flag, called when a
// search ends (pairing, skip, disconnect).
func (q *Queue) ClearExpansionNotified(ctx context.Context, userIDs ...string) error {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = "expanded_notified:" + id
	}
	if err := q.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("matching: clear expansion: %w", err)
	}
	return nil
}
