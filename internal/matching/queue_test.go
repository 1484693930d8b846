package matching

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Queue {
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
	return NewQueue(client)
}

func TestQueue_EnqueueAndCandidates(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "u1", "talk")
	q.Enqueue(ctx, "u2", "talk")
	q.Enqueue(ctx, "u3", "talk")

	entries, err := q.Candidates(ctx, "talk", 50)
	if err != nil {
		t.Fatalf("candidates error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Oldest first.
	if entries[0].UserID != "u1" || entries[2].UserID != "u3" {
		t.Errorf("entries out of enqueue order: %+v", entries)
	}
}

func TestQueue_EnqueueMovesBetweenPools(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "u1", "talk")
	q.Enqueue(ctx, "u1", "meet")

	talk, _ := q.Candidates(ctx, "talk", 50)
	if len(talk) != 0 {
		t.Errorf("user should have left the talk pool, found %d entries", len(talk))
	}
	meet, _ := q.Candidates(ctx, "meet", 50)
	if len(meet) != 1 || meet[0].UserID != "u1" {
		t.Errorf("user should be in the meet pool: %+v", meet)
	}
}

func TestQueue_ReEnqueueRefreshesPosition(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "u1", "talk")
	q.Enqueue(ctx, "u2", "talk")
	q.Enqueue(ctx, "u1", "talk") // u1 rejoins, moving behind u2

	entries, _ := q.Candidates(ctx, "talk", 50)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].UserID != "u2" {
		t.Errorf("re-enqueued user should move to the back: %+v", entries)
	}
}

func TestQueue_RemoveClearsBothPools(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, "u1", "talk")
	q.Remove(ctx, "u1")

	if _, waiting, _ := q.JoinedAt(ctx, "u1", "talk"); waiting {
		t.Error("user should not be waiting after Remove")
	}
}

func TestQueue_JoinedAt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, waiting, err := q.JoinedAt(ctx, "u1", "meet"); err != nil || waiting {
		t.Fatalf("absent user: waiting=%v err=%v", waiting, err)
	}

	q.Enqueue(ctx, "u1", "meet")
	score, waiting, err := q.JoinedAt(ctx, "u1", "meet")
	if err != nil || !waiting {
		t.Fatalf("present user: waiting=%v err=%v", waiting, err)
	}
	if score <= 0 {
		t.Errorf("joined-at score should be a timestamp, got %f", score)
	}
}

func TestQueue_CandidatesRespectsLimit(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		q.Enqueue(ctx, id, "talk")
	}

	entries, _ := q.Candidates(ctx, "talk", 3)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].UserID != "a" {
		t.Errorf("limit must keep the oldest entries: %+v", entries)
	}
}

func TestQueue_ExpansionNotifiedOnce(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.MarkExpansionNotified(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first {
		t.Fatal("first mark should report true")
	}

	again, _ := q.MarkExpansionNotified(ctx, "u1")
	if again {
		t.Error("second mark should report false")
	}

	if err := q.ClearExpansionNotified(ctx, "u1"); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	cleared, _ := q.MarkExpansionNotified(ctx, "u1")
	if !cleared {
		t.Error("mark after clear should report true again")
	}
}
