package session

import (
	"context"
	"log"
	"time"

	"github.com/ShaulKabla/Chat/internal/events"
	"github.com/ShaulKabla/Chat/internal/protocol"
)

// RunDeadlineScan polls the shared deadline set and opens the reveal gate
// for sessions whose timer has elapsed, notifying both participants. Every
// instance runs this loop; the claim inside MakeAvailable guarantees each
// deadline fires once. Blocks until ctx is cancelled.
func RunDeadlineScan(ctx context.Context, store *Store, notifier events.Notifier, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			scanOnce(ctx, store, notifier, now)
		}
	}
}

func scanOnce(ctx context.Context, store *Store, notifier events.Notifier, now time.Time) {
	due, err := store.DueDeadlines(ctx, now)
	if err != nil {
		log.Printf("[session] deadline scan: %v", err)
		return
	}

	for _, key := range due {
		claimed, err := store.MakeAvailable(ctx, key)
		if err != nil {
			log.Printf("[session] open reveal gate %s: %v", key, err)
			continue
		}
		if !claimed {
			continue
		}

		userA, userB := Participants(key)
		notifier.Notify(userA, protocol.TypeRevealAvailable, protocol.RevealAvailableMsg{})
		notifier.Notify(userB, protocol.TypeRevealAvailable, protocol.RevealAvailableMsg{})
		log.Printf("[session] reveal available session=%s", key)
	}
}
