package presence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
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
	return NewStore(client)
}

func TestConnect_IncrementsEpoch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Connect(ctx, "u1")
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}
	second, err := store.Connect(ctx, "u1")
	if err != nil {
		t.Fatalf("connect error: %v", err)
	}
	if second <= first {
		t.Errorf("each connection must get a newer epoch: %d then %d", first, second)
	}
}

func TestCurrent_Unknown(t *testing.T) {
	store := newTestStore(t)

	epoch, err := store.Current(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if epoch != 0 {
		t.Errorf("unknown user should have epoch 0, got %d", epoch)
	}
}

func TestIsCurrent_StaleConnectionLoses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old, _ := store.Connect(ctx, "u1")
	latest, _ := store.Connect(ctx, "u1") // reconnect, possibly elsewhere

	current, err := store.IsCurrent(ctx, "u1", old)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current {
		t.Error("a superseded connection must not be current")
	}

	current, _ = store.IsCurrent(ctx, "u1", latest)
	if !current {
		t.Error("the newest connection must be current")
	}
}

func TestIsCurrent_UsersAreIndependent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	epoch, _ := store.Connect(ctx, "u1")
	store.Connect(ctx, "u2")

	current, _ := store.IsCurrent(ctx, "u1", epoch)
	if !current {
		t.Error("another user's connection must not supersede this one")
	}
}
