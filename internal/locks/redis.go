package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MarkerTTL bounds how long a crashed instance can hold a marker. A live
// operation finishes well inside this window; after it the marker expires
// and the user becomes matchable again.
const MarkerTTL = 10 * time.Second

const lockPrefix = "lock:"

// releaseLua deletes the marker only if this instance still owns it, so a
// release racing with TTL expiry cannot drop another holder's marker.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker implements Locker with SET NX PX against the shared store, so
// two server instances racing on the same user observe one winner.
type RedisLocker struct {
	client  *redis.Client
	token   string // identifies this instance's holds
	release *redis.Script
}

// NewRedisLocker creates a RedisLocker with a per-instance holder token.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:  client,
		token:   uuid.New().String(),
		release: redis.NewScript(releaseLua),
	}
}

// TryAcquire obtains the marker unless another holder owns it.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockPrefix+key, l.token, MarkerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("locks: acquire %s: %w", key, err)
	}
	return ok, nil
}

// IsHeld reports whether any holder currently owns the marker.
func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, lockPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("locks: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Release drops the marker if this instance owns it.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	if err := l.release.Run(ctx, l.client, []string{lockPrefix + key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("locks: release %s: %w", key, err)
	}
	return nil
}
