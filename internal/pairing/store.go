// Package pairing manages the mutual partner relation in Redis. The pairing
// transition (leave both waiting pools, write both directions of the
// relation) executes as a single Lua script, so no client can observe a
// half-written pairing and no user can enter two pairings at once.
package pairing

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const pairingPrefix = "pairing:"

// ErrMutualityBroken signals a pairing whose back-reference does not point
// at the expected partner. This is a programming error, never repaired by
// guessing; callers must fail the operation loudly.
var ErrMutualityBroken = errors.New("pairing: mutual back-reference broken")

// pairLua writes the mutual pairing only if neither user is paired, and
// removes both users from both waiting pools in the same atomic step.
//
//	KEYS[1] = pairing:<a>   KEYS[2] = pairing:<b>
//	KEYS[3] = talk queue    KEYS[4] = meet queue
//	ARGV[1] = a             ARGV[2] = b
//
// Returns 1 on success, 0 when either side is already paired.
const pairLua = `
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
redis.call('ZREM', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZREM', KEYS[4], ARGV[1], ARGV[2])
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[1])
return 1
`

// unpairLua deletes both directions of the pairing only if they still point
// at each other. Returns 1 on success, 0 when the pairing is already gone,
// -1 when the back-reference points elsewhere.
const unpairLua = `
local partner = redis.call('GET', KEYS[1])
if not partner then
    return 0
end
if partner ~= ARGV[2] then
    return -1
end
local back = redis.call('GET', KEYS[2])
if back and back ~= ARGV[1] then
    return -1
end
redis.call('DEL', KEYS[1], KEYS[2])
return 1
`

// Store manages the pairing map in Redis.
type Store struct {
	client    *redis.Client
	talkQueue string
	meetQueue string
	pair      *redis.Script
	unpair    *redis.Script
}

// NewStore creates a pairing store. The queue keys are passed in so the
// pairing script can clear pool membership atomically with the pairing
// write.
func NewStore(client *redis.Client, talkQueue, meetQueue string) *Store {
	return &Store{
		client:    client,
		talkQueue: talkQueue,
		meetQueue: meetQueue,
		pair:      redis.NewScript(pairLua),
		unpair:    redis.NewScript(unpairLua),
	}
}

// Pair atomically pairs a with b, removing both from both waiting pools.
// Returns false when either side is already paired (lost race, no effect).
func (s *Store) Pair(ctx context.Context, a, b string) (bool, error) {
	keys := []string{pairingPrefix + a, pairingPrefix + b, s.talkQueue, s.meetQueue}
	result, err := s.pair.Run(ctx, s.client, keys, a, b).Int()
	if err != nil {
		return false, fmt.Errorf("pairing: pair %s<->%s: %w", a, b, err)
	}
	return result == 1, nil
}

// Unpair atomically deletes the mutual pairing between a and b. Returns
// false when the pairing was already gone. A broken back-reference returns
// ErrMutualityBroken.
func (s *Store) Unpair(ctx context.Context, a, b string) (bool, error) {
	keys := []string{pairingPrefix + a, pairingPrefix + b}
	result, err := s.unpair.Run(ctx, s.client, keys, a, b).Int()
	if err != nil {
		return false, fmt.Errorf("pairing: unpair %s<->%s: %w", a, b, err)
	}
	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("pairing: unpair %s<->%s: %w", a, b, ErrMutualityBroken)
	}
}

// PartnerOf returns the user's current partner, or "" if unpaired.
func (s *Store) PartnerOf(ctx context.Context, userID string) (string, error) {
	partner, err := s.client.Get(ctx, pairingPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pairing: partner of %s: %w", userID, err)
	}
	return partner, nil
}
