// Package session manages per-pairing state in Redis: the session record,
// the reveal state machine, and the pending-image stash. Every transition
// that reads and writes state runs as a Lua script, so concurrent handlers
// and multiple server instances observe only complete transitions.
//
// Reveal states move strictly forward:
//
//	none -> timer_pending -> available -> requested_by_one -> granted
//
// The timer starts only in "meet" sessions and only once both participants
// have sent at least one message. Deadlines live in a shared sorted set that
// every instance scans; the available transition removes the member, so
// exactly one instance fires the notification.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reveal states.
const (
	RevealNone           = "none"
	RevealTimerPending   = "timer_pending"
	RevealAvailable      = "available"
	RevealRequestedByOne = "requested_by_one"
	RevealGranted        = "granted"
)

// RequestReveal outcomes.
const (
	RevealOutcomeNoop           = -1 // gate closed or wrong mode
	RevealOutcomeRecorded       = 0  // first party opted in
	RevealOutcomeJustGranted    = 1  // second party opted in, reveal granted now
	RevealOutcomeAlreadyGranted = 2  // reveal was already granted
)

// deadlinesKey is the shared sorted set of reveal deadlines, scored by the
// deadline in unix milliseconds, member = session key.
const deadlinesKey = "reveal:deadlines"

// companionTTL caps the lifetime of the session record and its companion
// keys so a crashed teardown cannot leak them forever. Every message and
// image stash refreshes it, so only an idle session ever expires.
const companionTTL = 2 * time.Hour

// ErrNoSession rejects an operation against a missing session.
var ErrNoSession = errors.New("session: no such session")

// Session is a snapshot of one pairing's session record.
type Session struct {
	Key         string
	UserA       string
	UserB       string
	Mode        string
	RevealState string
	RevealAt    int64 // unix ms, 0 unless timer_pending
}

// Key derives the session key for a pair. Order-insensitive: both orderings
// of the same two ids yield the same key.
func Key(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// recordMessageLua marks the sender as engaged and starts the reveal timer
// when this message makes both participants engaged in a meet session.
//
//	KEYS[1] = session hash  KEYS[2] = chatters set  KEYS[3] = deadlines zset
//	ARGV[1] = sender id     ARGV[2] = reveal deadline (unix ms)
//	ARGV[3] = session key   ARGV[4] = companion ttl seconds
//
// Returns -1 when the session is missing, 0 when nothing transitioned, or
// the deadline when the timer just started.
const recordMessageLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[2], ARGV[4])
if redis.call('HGET', KEYS[1], 'mode') ~= 'meet' then
    return 0
end
if redis.call('HGET', KEYS[1], 'reveal_state') ~= 'none' then
    return 0
end
if redis.call('SCARD', KEYS[2]) < 2 then
    return 0
end
redis.call('HSET', KEYS[1], 'reveal_state', 'timer_pending', 'reveal_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return tonumber(ARGV[2])
`

// makeAvailableLua claims a due deadline and opens the reveal gate. The ZREM
// is the claim: of all instances scanning the deadline set, only the one
// that removes the member proceeds. A session torn down or already past
// timer_pending yields 0.
//
//	KEYS[1] = session hash  KEYS[2] = deadlines zset
//	ARGV[1] = session key
const makeAvailableLua = `
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
    return 0
end
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
if redis.call('HGET', KEYS[1], 'reveal_state') ~= 'timer_pending' then
    return 0
end
redis.call('HSET', KEYS[1], 'reveal_state', 'available')
redis.call('HDEL', KEYS[1], 'reveal_at')
return 1
`

// requestRevealLua records one party's reveal opt-in. Grants when the second
// party joins. See the RevealOutcome constants for return values.
//
//	KEYS[1] = session hash  KEYS[2] = requests set
//	ARGV[1] = requester id  ARGV[2] = companion ttl seconds
const requestRevealLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
if redis.call('HGET', KEYS[1], 'mode') ~= 'meet' then
    return -1
end
local state = redis.call('HGET', KEYS[1], 'reveal_state')
if state == 'granted' then
    return 2
end
if state ~= 'available' and state ~= 'requested_by_one' then
    return -1
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[2], ARGV[2])
if redis.call('SCARD', KEYS[2]) >= 2 then
    redis.call('HSET', KEYS[1], 'reveal_state', 'granted')
    return 1
end
redis.call('HSET', KEYS[1], 'reveal_state', 'requested_by_one')
return 0
`

// stashImageLua decides the image-gating outcome for one message: in a meet
// session before the grant, the original reference is stashed and the caller
// relays only the preview. Returns 1 when stashed, 0 when the image passes
// through untouched, -1 when the session is missing. The missing case is an
// error, never a pass-through: a reference must not slip out ungated just
// because the record expired.
//
//	KEYS[1] = session hash  KEYS[2] = pending images hash
//	ARGV[1] = message id    ARGV[2] = image reference  ARGV[3] = ttl seconds
const stashImageLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
if redis.call('HGET', KEYS[1], 'mode') ~= 'meet' then
    return 0
end
if redis.call('HGET', KEYS[1], 'reveal_state') == 'granted' then
    return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`

// connectRequestLua records a connect request and reports whether the
// partner has already asked.
//
//	KEYS[1] = session hash  KEYS[2] = connect requests set
//	ARGV[1] = requester id  ARGV[2] = partner id  ARGV[3] = ttl seconds
//
// Returns -1 session missing, 1 mutual, 0 recorded one-sided.
const connectRequestLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('EXPIRE', KEYS[2], ARGV[3])
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
    return 1
end
return 0
`

// drainImagesLua atomically reads and clears the pending-image stash.
const drainImagesLua = `
local images = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
return images
`

// teardownLua removes the session record, all companion keys, and the
// deadline entry. Idempotent: a second run deletes nothing and still
// succeeds.
//
//	KEYS[1..5] = hash, chatters, requests, connects, pending images
//	KEYS[6]    = deadlines zset
//	ARGV[1]    = session key
const teardownLua = `
redis.call('ZREM', KEYS[6], ARGV[1])
return redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5])
`

// Store manages session records in Redis.
type Store struct {
	rdb         *redis.Client
	revealDelay time.Duration

	recordMessage  *redis.Script
	makeAvailable  *redis.Script
	requestReveal  *redis.Script
	stashImage     *redis.Script
	connectRequest *redis.Script
	drainImages    *redis.Script
	teardown       *redis.Script
}

// NewStore creates a session store. revealDelay is the interval between the
// second participant's first message and the reveal gate opening.
func NewStore(rdb *redis.Client, revealDelay time.Duration) *Store {
	return &Store{
		rdb:            rdb,
		revealDelay:    revealDelay,
		recordMessage:  redis.NewScript(recordMessageLua),
		makeAvailable:  redis.NewScript(makeAvailableLua),
		requestReveal:  redis.NewScript(requestRevealLua),
		stashImage:     redis.NewScript(stashImageLua),
		connectRequest: redis.NewScript(connectRequestLua),
		drainImages:    redis.NewScript(drainImagesLua),
		teardown:       redis.NewScript(teardownLua),
	}
}

func hashKey(key string) string     { return "chatsession:" + key }
func chattersKey(key string) string { return "chatsession:" + key + ":chatters" }
func requestsKey(key string) string { return "chatsession:" + key + ":reveal_requests" }
func connectsKey(key string) string { return "chatsession:" + key + ":connect_requests" }
func pendingKey(key string) string  { return "chatsession:" + key + ":pending_images" }

// Create writes a fresh session record for the pair.
func (s *Store) Create(ctx context.Context, userA, userB, mode string) error {
	key := Key(userA, userB)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, hashKey(key),
		"user_a", userA,
		"user_b", userB,
		"mode", mode,
		"reveal_state", RevealNone,
		"created_at", time.Now().UnixMilli(),
	)
	pipe.Expire(ctx, hashKey(key), companionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", key, err)
	}
	return nil
}

// Get returns the pair's session snapshot, or nil when none exists.
func (s *Store) Get(ctx context.Context, userA, userB string) (*Session, error) {
	key := Key(userA, userB)
	fields, err := s.rdb.HGetAll(ctx, hashKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sess := &Session{
		Key:         key,
		UserA:       fields["user_a"],
		UserB:       fields["user_b"],
		Mode:        fields["mode"],
		RevealState: fields["reveal_state"],
	}
	if raw := fields["reveal_at"]; raw != "" {
		fmt.Sscanf(raw, "%d", &sess.RevealAt)
	}
	return sess, nil
}

// ModeOf returns the pair's session mode, or "" when no session exists.
func (s *Store) ModeOf(ctx context.Context, userA, userB string) (string, error) {
	key := Key(userA, userB)
	mode, err := s.rdb.HGet(ctx, hashKey(key), "mode").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: mode of %s: %w", key, err)
	}
	return mode, nil
}

// RecordMessage marks the sender as engaged. When this message makes both
// participants engaged in a meet session, the reveal timer starts and the
// deadline (unix ms) is returned; otherwise 0. ErrNoSession when the session
// is gone.
func (s *Store) RecordMessage(ctx context.Context, userA, userB, senderID string) (int64, error) {
	key := Key(userA, userB)
	deadline := time.Now().Add(s.revealDelay).UnixMilli()

	result, err := s.recordMessage.Run(ctx, s.rdb,
		[]string{hashKey(key), chattersKey(key), deadlinesKey},
		senderID, deadline, key, int(companionTTL.Seconds()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("session: record message %s: %w", key, err)
	}
	if result == -1 {
		return 0, ErrNoSession
	}
	return result, nil
}

// RequestReveal records one party's opt-in. See the RevealOutcome constants.
func (s *Store) RequestReveal(ctx context.Context, userA, userB, requesterID string) (int, error) {
	key := Key(userA, userB)
	result, err := s.requestReveal.Run(ctx, s.rdb,
		[]string{hashKey(key), requestsKey(key)},
		requesterID, int(companionTTL.Seconds()),
	).Int()
	if err != nil {
		return RevealOutcomeNoop, fmt.Errorf("session: request reveal %s: %w", key, err)
	}
	return result, nil
}

// StashPendingImage decides the gating outcome for an image message. True
// means the original reference was withheld and the caller must relay only
// the preview; false means the image passes through. ErrNoSession when the
// session is gone: the caller must not relay the image at all.
func (s *Store) StashPendingImage(ctx context.Context, userA, userB, messageID, imageRef string) (bool, error) {
	key := Key(userA, userB)
	result, err := s.stashImage.Run(ctx, s.rdb,
		[]string{hashKey(key), pendingKey(key)},
		messageID, imageRef, int(companionTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("session: stash image %s: %w", key, err)
	}
	if result == -1 {
		return false, ErrNoSession
	}
	return result == 1, nil
}

// DrainPendingImages returns and clears all withheld image references,
// keyed by message id. Called once when the reveal is granted.
func (s *Store) DrainPendingImages(ctx context.Context, userA, userB string) (map[string]string, error) {
	key := Key(userA, userB)
	result, err := s.drainImages.Run(ctx, s.rdb, []string{pendingKey(key)}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("session: drain images %s: %w", key, err)
	}

	images := make(map[string]string, len(result)/2)
	for i := 0; i+1 < len(result); i += 2 {
		images[result[i]] = result[i+1]
	}
	return images, nil
}

// RecordConnectRequest records a stay-connected request. Returns true when
// the partner has already asked, making the request mutual. ErrNoSession
// when the session is gone.
func (s *Store) RecordConnectRequest(ctx context.Context, userA, userB, requesterID, partnerID string) (bool, error) {
	key := Key(userA, userB)
	result, err := s.connectRequest.Run(ctx, s.rdb,
		[]string{hashKey(key), connectsKey(key)},
		requesterID, partnerID, int(companionTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("session: connect request %s: %w", key, err)
	}
	if result == -1 {
		return false, ErrNoSession
	}
	return result == 1, nil
}

// Teardown removes the session and every companion key. Idempotent.
func (s *Store) Teardown(ctx context.Context, userA, userB string) error {
	key := Key(userA, userB)
	keys := []string{hashKey(key), chattersKey(key), requestsKey(key), connectsKey(key), pendingKey(key), deadlinesKey}
	if err := s.teardown.Run(ctx, s.rdb, keys, key).Err(); err != nil {
		return fmt.Errorf("session: teardown %s: %w", key, err)
	}
	return nil
}

// DueDeadlines returns the session keys whose reveal deadline has passed.
func (s *Store) DueDeadlines(ctx context.Context, now time.Time) ([]string, error) {
	keys, err := s.rdb.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("session: due deadlines: %w", err)
	}
	return keys, nil
}

// MakeAvailable claims a due deadline and opens the reveal gate. Returns
// true only for the single caller (across all instances) that wins the
// claim; everyone else gets false.
func (s *Store) MakeAvailable(ctx context.Context, sessionKey string) (bool, error) {
	result, err := s.makeAvailable.Run(ctx, s.rdb,
		[]string{hashKey(sessionKey), deadlinesKey},
		sessionKey,
	).Int()
	if err != nil {
		return false, fmt.Errorf("session: make available %s: %w", sessionKey, err)
	}
	return result == 1, nil
}

// Participants splits a session key back into its two user ids.
func Participants(sessionKey string) (string, string) {
	parts := strings.SplitN(sessionKey, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
