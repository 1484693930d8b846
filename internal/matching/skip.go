package matching

import (
	"context"
	"fmt"
	"log"

	"github.com/ShaulKabla/Chat/internal/locks"
	"github.com/ShaulKabla/Chat/internal/metrics"
	"github.com/ShaulKabla/Chat/internal/protocol"
)

// Skip ends the user's current pairing and puts both participants back in
// the waiting pool of the session's mode. Contention on either skip marker,
// or a pairing that is already gone, makes the call a no-op; the departed
// partner is notified exactly once across all racing skips because only the
// call that wins the unpair delete sends anything.
func (e *Engine) Skip(ctx context.Context, userID string) error {
	return e.endPairing(ctx, userID, protocol.ReasonSkipped, true)
}

// Disconnect handles a dropped connection: leave the waiting pools, and if
// paired, end the pairing with only the surviving partner re-enqueued.
func (e *Engine) Disconnect(ctx context.Context, userID string) error {
	if err := e.queue.Remove(ctx, userID); err != nil {
		return err
	}
	if err := e.queue.ClearExpansionNotified(ctx, userID); err != nil {
		log.Printf("[matching] clear expansion user=%s: %v", userID, err)
	}
	return e.endPairing(ctx, userID, protocol.ReasonLeft, false)
}

// Block records the block relation and, when the blocked user is the current
// partner, ends the pairing. The block is written even when no pairing
// exists; the pair can never be matched again either way.
func (e *Engine) Block(ctx context.Context, userID, blockedID string) error {
	if blockedID == "" || blockedID == userID {
		return fmt.Errorf("matching: invalid block target %q", blockedID)
	}
	if err := e.blocks.AddBlock(ctx, userID, blockedID); err != nil {
		return err
	}

	partner, err := e.pairs.PartnerOf(ctx, userID)
	if err != nil {
		return err
	}
	if partner != blockedID {
		return nil
	}
	return e.endPairing(ctx, userID, protocol.ReasonBlocked, true)
}

// endPairing is the shared teardown path. The initiator's skip marker is
// taken first, then the partner's; failing either acquisition means another
// teardown for this pair is in flight and this one backs off. requeueSelf
// controls whether the initiator goes back in the pool (skip and block) or
// not (disconnect).
func (e *Engine) endPairing(ctx context.Context, userID, reason string, requeueSelf bool) error {
	acquired, err := e.locker.TryAcquire(ctx, locks.SkipPrefix+userID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := e.locker.Release(ctx, locks.SkipPrefix+userID); err != nil {
			log.Printf("[matching] release skip marker user=%s: %v", userID, err)
		}
	}()

	partner, err := e.pairs.PartnerOf(ctx, userID)
	if err != nil {
		return err
	}
	if partner == "" {
		return nil
	}

	acquired, err = e.locker.TryAcquire(ctx, locks.SkipPrefix+partner)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := e.locker.Release(ctx, locks.SkipPrefix+partner); err != nil {
			log.Printf("[matching] release skip marker user=%s: %v", partner, err)
		}
	}()

	mode, err := e.sessions.ModeOf(ctx, userID, partner)
	if err != nil {
		return err
	}
	if mode == "" {
		mode = protocol.ModeTalk
	}

	removed, err := e.pairs.Unpair(ctx, userID, partner)
	if err != nil {
		return err
	}
	if !removed {
		// A concurrent teardown won; it owns the notifications.
		return nil
	}

	if err := e.sessions.Teardown(ctx, userID, partner); err != nil {
		log.Printf("[matching] session teardown %s<->%s: %v", userID, partner, err)
	}
	if err := e.queue.ClearExpansionNotified(ctx, userID, partner); err != nil {
		log.Printf("[matching] clear expansion flags: %v", err)
	}

	metrics.ActivePairings.Dec()
	log.Printf("[matching] unpaired user=%s partner=%s reason=%s", userID, partner, reason)

	e.notifier.Notify(partner, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{
		Reason:        reason,
		SystemMessage: "match.partnerLeft",
	})

	if err := e.queue.Enqueue(ctx, partner, mode); err != nil {
		return err
	}
	e.notifier.Notify(partner, protocol.TypeMatchSearching, protocol.MatchSearchingMsg{Message: "match.searching"})

	if requeueSelf {
		if err := e.queue.Enqueue(ctx, userID, mode); err != nil {
			return err
		}
		e.notifier.Notify(userID, protocol.TypeMatchSearching, protocol.MatchSearchingMsg{Message: "match.searching"})
	}

	// New attempts run outside the skip markers so they can take the match
	// markers without self-contention.
	go e.retryAfterTeardown(userID, partner, mode, requeueSelf)
	return nil
}

// retryAfterTeardown runs fresh match attempts for the affected users. Best
// effort: a failed attempt leaves them waiting for the next trigger.
func (e *Engine) retryAfterTeardown(userID, partner, mode string, includeSelf bool) {
	ctx := context.Background()
	if includeSelf {
		if err := e.AttemptMatch(ctx, userID, mode); err != nil {
			log.Printf("[matching] rematch user=%s: %v", userID, err)
		}
	}
	if err := e.AttemptMatch(ctx, partner, mode); err != nil {
		log.Printf("[matching] rematch user=%s: %v", partner, err)
	}
}
