package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ShaulKabla/Chat/internal/locks"
	"github.com/ShaulKabla/Chat/internal/pairing"
	"github.com/ShaulKabla/Chat/internal/profile"
	"github.com/ShaulKabla/Chat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes for the engine's non-Redis collaborators
// ---------------------------------------------------------------------------

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*profile.Profile
}

func (f *fakeProfiles) Get(_ context.Context, userID string) (*profile.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[userID], nil
}

func (f *fakeProfiles) GetMany(_ context.Context, userIDs []string) (map[string]*profile.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string]*profile.Profile)
	for _, id := range userIDs {
		if p, ok := f.profiles[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

type fakeBlocks struct {
	mu      sync.Mutex
	blocked map[[2]string]bool
}

func blockKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (f *fakeBlocks) AddBlock(_ context.Context, blockerID, blockedID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocked == nil {
		f.blocked = make(map[[2]string]bool)
	}
	f.blocked[blockKey(blockerID, blockedID)] = true
	return nil
}

func (f *fakeBlocks) BlockedAmong(_ context.Context, userID string, others []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make(map[string]bool)
	for _, other := range others {
		if f.blocked[blockKey(userID, other)] {
			result[other] = true
		}
	}
	return result, nil
}

type fakeBans struct {
	mu     sync.Mutex
	banned map[string]bool
}

func (f *fakeBans) IsBanned(_ context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[userID], nil
}

type fakeSessions struct {
	mu      sync.Mutex
	modes   map[string]string // key "a:b" sorted -> mode
	created int
	tornDown int
}

func sessKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func (f *fakeSessions) Create(_ context.Context, a, b, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modes == nil {
		f.modes = make(map[string]string)
	}
	f.modes[sessKey(a, b)] = mode
	f.created++
	return nil
}

func (f *fakeSessions) ModeOf(_ context.Context, a, b string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modes[sessKey(a, b)], nil
}

func (f *fakeSessions) Teardown(_ context.Context, a, b string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.modes, sessKey(a, b))
	f.tornDown++
	return nil
}

type notifierEvent struct {
	eventType string
	payload   interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events map[string][]notifierEvent // userID -> events, in order
}

func (f *fakeNotifier) Notify(userID, eventType string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(map[string][]notifierEvent)
	}
	f.events[userID] = append(f.events[userID], notifierEvent{eventType: eventType, payload: payload})
}

func (f *fakeNotifier) count(userID, eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events[userID] {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) matchFound(t *testing.T, userID string) protocol.MatchFoundMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events[userID] {
		if e.eventType == protocol.TypeMatchFound {
			msg, ok := e.payload.(protocol.MatchFoundMsg)
			if !ok {
				t.Fatalf("match_found payload has type %T", e.payload)
			}
			return msg
		}
	}
	t.Fatalf("no match_found event for %s", userID)
	return protocol.MatchFoundMsg{}
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type engineHarness struct {
	engine   *Engine
	queue    *Queue
	pairs    *pairing.Store
	profiles *fakeProfiles
	blocks   *fakeBlocks
	bans     *fakeBans
	sessions *fakeSessions
	notifier *fakeNotifier
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	h := &engineHarness{
		queue:    NewQueue(client),
		pairs:    pairing.NewStore(client, QueueKeyTalk, QueueKeyMeet),
		profiles: &fakeProfiles{profiles: make(map[string]*profile.Profile)},
		blocks:   &fakeBlocks{},
		bans:     &fakeBans{banned: make(map[string]bool)},
		sessions: &fakeSessions{},
		notifier: &fakeNotifier{},
	}
	h.engine = NewEngine(EngineConfig{
		Queue:          h.queue,
		Pairs:          h.pairs,
		Locker:         locks.NewLocalLocker(),
		Profiles:       h.profiles,
		Blocks:         h.blocks,
		Bans:           h.bans,
		Sessions:       h.sessions,
		Notifier:       h.notifier,
		ExpandAfter:    15 * time.Second,
		CandidateLimit: 50,
	})
	return h
}

// ---------------------------------------------------------------------------
// AttemptMatch
// ---------------------------------------------------------------------------

func TestAttemptMatch_TalkFIFO(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	h.queue.Enqueue(ctx, "old", "talk")
	h.queue.Enqueue(ctx, "new", "talk")
	h.queue.Enqueue(ctx, "seeker", "talk")

	if err := h.engine.AttemptMatch(ctx, "seeker", "talk"); err != nil {
		t.Fatalf("attempt error: %v", err)
	}

	partner, _ := h.pairs.PartnerOf(ctx, "seeker")
	if partner != "old" {
		t.Errorf("talk should pair with the oldest waiter, got %q", partner)
	}
	if h.notifier.count("seeker", protocol.TypeMatchFound) != 1 {
		t.Error("seeker should receive match_found")
	}
	if h.notifier.count("old", protocol.TypeMatchFound) != 1 {
		t.Error("winner should receive match_found")
	}

	seekerMsg := h.notifier.matchFound(t, "seeker")
	if seekerMsg.PartnerID != "old" || seekerMsg.Mode != "talk" {
		t.Errorf("unexpected match_found payload: %+v", seekerMsg)
	}
	if seekerMsg.RevealAvailable {
		t.Error("reveal must not be available at pairing creation")
	}
	if seekerMsg.PartnerProfile != nil {
		t.Error("talk pairings carry no partner profile")
	}
	winnerMsg := h.notifier.matchFound(t, "old")
	if winnerMsg.PartnerID != "seeker" || winnerMsg.RevealAvailable {
		t.Errorf("unexpected match_found payload for winner: %+v", winnerMsg)
	}
	if h.sessions.created != 1 {
		t.Errorf("expected 1 session, got %d", h.sessions.created)
	}

	// Both left the pool.
	entries, _ := h.queue.Candidates(ctx, "talk", 50)
	if len(entries) != 1 || entries[0].UserID != "new" {
		t.Errorf("only the unmatched waiter should remain: %+v", entries)
	}
}

func TestAttemptMatch_EmptyPoolIsQuiet(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	h.queue.Enqueue(ctx, "alone", "talk")
	if err := h.engine.AttemptMatch(ctx, "alone", "talk"); err != nil {
		t.Fatalf("attempt error: %v", err)
	}

	partner, _ := h.pairs.PartnerOf(ctx, "alone")
	if partner != "" {
		t.Errorf("no candidates means no pairing, got %q", partner)
	}
	if h.notifier.count("alone", protocol.TypeMatchFound) != 0 {
		t.Error("no match_found should be sent")
	}
}

func TestAttemptMatch_MeetRequiresProfile(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	h.queue.Enqueue(ctx, "noprofile", "meet")
	err := h.engine.AttemptMatch(ctx, "noprofile", "meet")
	if !errors.Is(err, ErrProfileRequired) {
		t.Fatalf("expected ErrProfileRequired, got %v", err)
	}
	if h.notifier.count("noprofile", protocol.TypeProfileRequired) != 1 {
		t.Error("user should be told a profile is required")
	}
	if _, waiting, _ := h.queue.JoinedAt(ctx, "noprofile", "meet"); waiting {
		t.Error("profileless user should leave the meet pool")
	}
}

func TestAttemptMatch_MeetPicksMaxOverlap(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	h.profiles.profiles["seeker"] = prof("female", "any", "music", "gaming", "hiking")
	h.profiles.profiles["low"] = prof("male", "any", "music", "x", "y")
	h.profiles.profiles["high"] = prof("male", "any", "music", "gaming", "y")

	h.queue.Enqueue(ctx, "low", "meet")
	h.queue.Enqueue(ctx, "high", "meet")
	h.queue.Enqueue(ctx, "seeker", "meet")

	if err := h.engine.AttemptMatch(ctx, "seeker", "meet"); err != nil {
		t.Fatalf("attempt error: %v", err)
	}

	partner, _ := h.pairs.PartnerOf(ctx, "seeker")
	if partner != "high" {
		t.Errorf("meet should pair with the highest overlap, got %q", partner)
	}

	msg := h.notifier.matchFound(t, "seeker")
	if msg.PartnerID != "high" || msg.Mode != "meet" {
		t.Errorf("unexpected match_found payload: %+v", msg)
	}
	if msg.RevealAvailable {
		t.Error("reveal must not be available at pairing creation")
	}
	if msg.PartnerProfile == nil || msg.PartnerProfile.Gender != "male" {
		t.Errorf("meet match_found should carry the partner's profile summary: %+v", msg.PartnerProfile)
	}
}

func TestAttemptMatch_SkipsBlockedCandidates(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	h.blocks.AddBlock(ctx, "seeker", "enemy")
	h.queue.Enqueue(ctx, "enemy", "talk")
	h.queue.Enqueue(ctx, "friendly", "talk")
	h.queue.Enqueue(ctx, "seeker", "talk")

	if err := h.engine.AttemptMatch(ctx, "seeker", "talk"); err != nil {
		t.Fatalf("attempt error: %v", err)
	}

	partner, _ := h.pairs.PartnerOf(ctx, "seeker")
	if partner != "friendly" {
		t.Errorf("blocked candidate must be skipped, got %q", partner)
	}
}

func TestAttemptMatch_AlreadyPairedIsNoop(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	h.pairs.Pair(ctx, "seeker", "partner")
	h.queue.Enqueue(ctx, "waiting", "talk")

	if err := h.engine.AttemptMatch(ctx, "seeker", "talk"); err != nil {
		t.Fatalf("attempt error: %v", err)
	}

	partner, _ := h.pairs.PartnerOf(ctx, "seeker")
	if partner != "partner" {
		t.Errorf("existing pairing must be untouched, got %q", partner)
	}
}

func TestAttemptMatch_BannedUserIsRefused(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	h.bans.banned["outlaw"] = true
	h.queue.Enqueue(ctx, "outlaw", "talk")
	h.queue.Enqueue(ctx, "waiting", "talk")

	if err := h.engine.AttemptMatch(ctx, "outlaw", "talk"); err != nil {
		t.Fatalf("attempt error: %v", err)
	}
	if h.notifier.count("outlaw", protocol.TypeBanned) != 1 {
		t.Error("banned user should be told")
	}
	if partner, _ := h.pairs.PartnerOf(ctx, "outlaw"); partner != "" {
		t.Error("banned user must not be paired")
	}
	if _, waiting, _ := h.queue.JoinedAt(ctx, "outlaw", "talk"); waiting {
		t.Error("banned user should leave the pool")
	}
}

// ---------------------------------------------------------------------------
// Skip / Disconnect / Block
// ---------------------------------------------------------------------------

// pairUpForTest establishes a pairing with a session, blocking the pair so
// the post-teardown rematch attempts cannot re-pair them underneath the
// test's assertions.
func pairUpForTest(t *testing.T, h *engineHarness, a, b, mode string) {
	t.Helper()
	ctx := context.Background()
	if ok, err := h.pairs.Pair(ctx, a, b); err != nil || !ok {
		t.Fatalf("pair %s<->%s: ok=%v err=%v", a, b, ok, err)
	}
	if err := h.sessions.Create(ctx, a, b, mode); err != nil {
		t.Fatalf("create session: %v", err)
	}
	h.blocks.AddBlock(ctx, a, b)
}

func TestSkip_NotifiesPartnerOnceAndRequeuesBoth(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	pairUpForTest(t, h, "u1", "u2", "talk")

	if err := h.engine.Skip(ctx, "u1"); err != nil {
		t.Fatalf("skip error: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the rematch goroutine settle

	if partner, _ := h.pairs.PartnerOf(ctx, "u1"); partner != "" {
		t.Errorf("u1 should be unpaired, got %q", partner)
	}
	if h.notifier.count("u2", protocol.TypePartnerLeft) != 1 {
		t.Errorf("partner_left should be sent exactly once, got %d",
			h.notifier.count("u2", protocol.TypePartnerLeft))
	}
	if h.notifier.count("u1", protocol.TypeMatchSearching) != 1 {
		t.Error("skipper should be told they are searching again")
	}
	if h.notifier.count("u2", protocol.TypeMatchSearching) != 1 {
		t.Error("partner should be told they are searching again")
	}
	if h.sessions.tornDown != 1 {
		t.Errorf("session should be torn down once, got %d", h.sessions.tornDown)
	}

	// Both are waiting again.
	if _, waiting, _ := h.queue.JoinedAt(ctx, "u1", "talk"); !waiting {
		t.Error("skipper should be back in the pool")
	}
	if _, waiting, _ := h.queue.JoinedAt(ctx, "u2", "talk"); !waiting {
		t.Error("partner should be back in the pool")
	}
}

func TestSkip_SecondSkipIsNoop(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	pairUpForTest(t, h, "u1", "u2", "talk")

	h.engine.Skip(ctx, "u1")
	time.Sleep(50 * time.Millisecond)
	h.engine.Skip(ctx, "u2")
	time.Sleep(50 * time.Millisecond)

	total := h.notifier.count("u1", protocol.TypePartnerLeft) +
		h.notifier.count("u2", protocol.TypePartnerLeft)
	if total != 1 {
		t.Errorf("racing skips must produce exactly one partner_left, got %d", total)
	}
}

func TestSkip_WithoutPairingIsNoop(t *testing.T) {
	h := newEngineHarness(t)

	if err := h.engine.Skip(context.Background(), "loner"); err != nil {
		t.Fatalf("skip error: %v", err)
	}
	if h.notifier.count("loner", protocol.TypeMatchSearching) != 0 {
		t.Error("skip without a pairing should emit nothing")
	}
}

func TestDisconnect_RequeuesOnlyPartner(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	pairUpForTest(t, h, "gone", "stays", "talk")

	if err := h.engine.Disconnect(ctx, "gone"); err != nil {
		t.Fatalf("disconnect error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if h.notifier.count("stays", protocol.TypePartnerLeft) != 1 {
		t.Error("survivor should get partner_left")
	}
	if _, waiting, _ := h.queue.JoinedAt(ctx, "stays", "talk"); !waiting {
		t.Error("survivor should be re-enqueued")
	}
	if _, waiting, _ := h.queue.JoinedAt(ctx, "gone", "talk"); waiting {
		t.Error("disconnected user must not be re-enqueued")
	}
}

func TestBlock_EndsPairingWithBlockedReason(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	pairUpForTest(t, h, "blocker", "target", "talk")

	if err := h.engine.Block(ctx, "blocker", "target"); err != nil {
		t.Fatalf("block error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if partner, _ := h.pairs.PartnerOf(ctx, "blocker"); partner != "" {
		t.Error("pairing should end after blocking the partner")
	}
	if h.notifier.count("target", protocol.TypePartnerLeft) != 1 {
		t.Error("blocked user should get partner_left")
	}

	blocked, _ := h.blocks.BlockedAmong(ctx, "blocker", []string{"target"})
	if !blocked["target"] {
		t.Error("block relation should be recorded")
	}
}

func TestBlock_NonPartnerOnlyRecords(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	pairUpForTest(t, h, "blocker", "partner", "talk")

	if err := h.engine.Block(ctx, "blocker", "stranger"); err != nil {
		t.Fatalf("block error: %v", err)
	}

	if partner, _ := h.pairs.PartnerOf(ctx, "blocker"); partner != "partner" {
		t.Error("blocking a non-partner must not end the pairing")
	}
}

func TestBlock_SelfIsRejected(t *testing.T) {
	h := newEngineHarness(t)
	if err := h.engine.Block(context.Background(), "u1", "u1"); err == nil {
		t.Error("blocking yourself should be rejected")
	}
}
