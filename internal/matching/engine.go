package matching

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ShaulKabla/Chat/internal/events"
	"github.com/ShaulKabla/Chat/internal/locks"
	"github.com/ShaulKabla/Chat/internal/metrics"
	"github.com/ShaulKabla/Chat/internal/pairing"
	"github.com/ShaulKabla/Chat/internal/profile"
	"github.com/ShaulKabla/Chat/internal/protocol"
)

// ErrProfileRequired rejects a meet-mode search by a user with no saved
// profile.
var ErrProfileRequired = errors.New("matching: profile required for meet mode")

// ProfileSource supplies matching profiles.
type ProfileSource interface {
	Get(ctx context.Context, userID string) (*profile.Profile, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]*profile.Profile, error)
}

// BlockSource answers block-relation queries and records new blocks.
type BlockSource interface {
	AddBlock(ctx context.Context, blockerID, blockedID string) error
	BlockedAmong(ctx context.Context, userID string, others []string) (map[string]bool, error)
}

// BanSource answers whether an account is banned.
type BanSource interface {
	IsBanned(ctx context.Context, userID string) (bool, error)
}

// SessionManager is the slice of the session store the engine needs: create
// a session when a pairing forms, look up its mode, and tear it down when
// the pairing ends.
type SessionManager interface {
	Create(ctx context.Context, userA, userB, mode string) error
	ModeOf(ctx context.Context, userA, userB string) (string, error)
	Teardown(ctx context.Context, userA, userB string) error
}

// Engine runs match attempts and pairing teardown against the shared store.
// It holds no per-user state of its own, so any instance can run an attempt
// for any user; the in-flight markers and the pairing script keep concurrent
// attempts from colliding.
type Engine struct {
	queue    *Queue
	pairs    *pairing.Store
	locker   locks.Locker
	profiles ProfileSource
	blocks   BlockSource
	bans     BanSource
	sessions SessionManager
	notifier events.Notifier

	expandAfter    time.Duration
	candidateLimit int
}

// EngineConfig wires the engine's collaborators and tuning knobs.
type EngineConfig struct {
	Queue    *Queue
	Pairs    *pairing.Store
	Locker   locks.Locker
	Profiles ProfileSource
	Blocks   BlockSource
	Bans     BanSource
	Sessions SessionManager
	Notifier events.Notifier

	ExpandAfter    time.Duration // wait before zero-overlap candidates qualify
	CandidateLimit int           // max pool entries examined per attempt
}

// NewEngine creates a matching engine.
func NewEngine(config EngineConfig) *Engine {
	if config.ExpandAfter <= 0 {
		config.ExpandAfter = 15 * time.Second
	}
	if config.CandidateLimit <= 0 {
		config.CandidateLimit = 50
	}
	return &Engine{
		queue:          config.Queue,
		pairs:          config.Pairs,
		locker:         config.Locker,
		profiles:       config.Profiles,
		blocks:         config.Blocks,
		bans:           config.Bans,
		sessions:       config.Sessions,
		notifier:       config.Notifier,
		expandAfter:    config.ExpandAfter,
		candidateLimit: config.CandidateLimit,
	}
}

// AttemptMatch tries to pair the user with someone from the mode's waiting
// pool. A held in-flight marker, a banned account, an existing pairing, or
// an empty eligible set all end the attempt quietly; the user keeps waiting
// and a later attempt retries. Only a meet-mode search without a saved
// profile returns ErrProfileRequired, after notifying the user.
func (e *Engine) AttemptMatch(ctx context.Context, userID, mode string) error {
	mode = protocol.NormalizeMode(mode)

	banned, err := e.bans.IsBanned(ctx, userID)
	if err != nil {
		return fmt.Errorf("matching: ban check %s: %w", userID, err)
	}
	if banned {
		if err := e.queue.Remove(ctx, userID); err != nil {
			return err
		}
		e.notifier.Notify(userID, protocol.TypeBanned, protocol.BannedMsg{Message: "account.banned"})
		return nil
	}

	acquired, err := e.locker.TryAcquire(ctx, locks.MatchPrefix+userID)
	if err != nil {
		return fmt.Errorf("matching: acquire marker %s: %w", userID, err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := e.locker.Release(ctx, locks.MatchPrefix+userID); err != nil {
			log.Printf("[matching] release marker user=%s: %v", userID, err)
		}
	}()

	if partner, err := e.pairs.PartnerOf(ctx, userID); err != nil {
		return err
	} else if partner != "" {
		return nil
	}

	var userProf *profile.Profile
	if mode == protocol.ModeMeet {
		userProf, err = e.profiles.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("matching: load profile %s: %w", userID, err)
		}
		if userProf == nil {
			if err := e.queue.Remove(ctx, userID); err != nil {
				return err
			}
			e.notifier.Notify(userID, protocol.TypeProfileRequired, protocol.ProfileRequiredMsg{Message: "profile.required"})
			return ErrProfileRequired
		}
	}

	candidates, err := e.eligibleCandidates(ctx, userID, mode)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	var winnerID string
	if mode == protocol.ModeMeet {
		winnerID, err = e.pickMeetWinner(ctx, userID, userProf, candidates)
		if err != nil {
			return err
		}
	} else {
		// Talk mode is pure FIFO: candidates arrive oldest first.
		winnerID = candidates[0].UserID
	}
	if winnerID == "" {
		return nil
	}

	return e.pairUp(ctx, userID, winnerID, mode)
}

// eligibleCandidates reads the head of the waiting pool and drops the user
// themself, anyone already paired, anyone with an in-flight attempt, and
// anyone in a block relation with the user.
func (e *Engine) eligibleCandidates(ctx context.Context, userID, mode string) ([]Candidate, error) {
	entries, err := e.queue.Candidates(ctx, mode, e.candidateLimit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.UserID == userID {
			continue
		}
		ids = append(ids, entry.UserID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	blocked, err := e.blocks.BlockedAmong(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("matching: block filter %s: %w", userID, err)
	}

	eligible := make([]Candidate, 0, len(entries))
	for _, entry := range entries {
		if entry.UserID == userID || blocked[entry.UserID] {
			continue
		}
		partner, err := e.pairs.PartnerOf(ctx, entry.UserID)
		if err != nil {
			return nil, err
		}
		if partner != "" {
			continue
		}
		held, err := e.locker.IsHeld(ctx, locks.MatchPrefix+entry.UserID)
		if err != nil {
			return nil, err
		}
		if held {
			continue
		}
		eligible = append(eligible, Candidate{UserID: entry.UserID, JoinedAt: entry.JoinedAt})
	}
	return eligible, nil
}

// pickMeetWinner loads candidate profiles and applies the overlap scorer.
// Candidates without a profile never qualify. The one-time expansion notice
// fires here when the user's wait crosses the threshold.
func (e *Engine) pickMeetWinner(ctx context.Context, userID string, userProf *profile.Profile, candidates []Candidate) (string, error) {
	expanded := false
	if joined, waiting, err := e.queue.JoinedAt(ctx, userID, protocol.ModeMeet); err != nil {
		return "", err
	} else if waiting {
		waited := time.Since(time.UnixMilli(int64(joined)))
		expanded = waited >= e.expandAfter
	}

	if expanded {
		first, err := e.queue.MarkExpansionNotified(ctx, userID)
		if err != nil {
			return "", err
		}
		if first {
			e.notifier.Notify(userID, protocol.TypeSearchExpanding, protocol.SearchExpandingMsg{Message: "match.expanding"})
		}
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.UserID
	}
	profiles, err := e.profiles.GetMany(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("matching: load candidate profiles: %w", err)
	}
	for i := range candidates {
		candidates[i].Profile = profiles[candidates[i].UserID]
	}

	return PickMeetWinner(userProf, candidates, expanded), nil
}

// pairUp marks the winner in-flight, writes the pairing, creates the
// session, and announces the match to both sides. Losing the winner's
// marker or the pairing race ends the attempt with no effect.
func (e *Engine) pairUp(ctx context.Context, userID, winnerID, mode string) error {
	acquired, err := e.locker.TryAcquire(ctx, locks.MatchPrefix+winnerID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := e.locker.Release(ctx, locks.MatchPrefix+winnerID); err != nil {
			log.Printf("[matching] release marker user=%s: %v", winnerID, err)
		}
	}()

	paired, err := e.pairs.Pair(ctx, userID, winnerID)
	if err != nil {
		return err
	}
	if !paired {
		return nil
	}

	if err := e.queue.ClearExpansionNotified(ctx, userID, winnerID); err != nil {
		log.Printf("[matching] clear expansion flags: %v", err)
	}

	if err := e.sessions.Create(ctx, userID, winnerID, mode); err != nil {
		// The pairing exists but the session does not; roll the pairing
		// back so both users stay matchable.
		if _, unpairErr := e.pairs.Unpair(ctx, userID, winnerID); unpairErr != nil {
			log.Printf("[matching] rollback pairing %s<->%s: %v", userID, winnerID, unpairErr)
		}
		return fmt.Errorf("matching: create session: %w", err)
	}

	metrics.MatchesTotal.WithLabelValues(mode).Inc()
	metrics.ActivePairings.Inc()
	log.Printf("[matching] paired user=%s partner=%s mode=%s", userID, winnerID, mode)

	e.announceMatch(ctx, userID, winnerID, mode)
	return nil
}

// announceMatch sends match_found to both participants. In meet mode each
// side receives the other's profile summary.
func (e *Engine) announceMatch(ctx context.Context, a, b, mode string) {
	var profA, profB *protocol.PartnerProfile
	if mode == protocol.ModeMeet {
		profiles, err := e.profiles.GetMany(ctx, []string{a, b})
		if err != nil {
			log.Printf("[matching] load profiles for announce: %v", err)
		} else {
			profA = partnerSummary(profiles[a])
			profB = partnerSummary(profiles[b])
		}
	}

	// Reveal is never available at creation; the gate opens later through
	// the deadline scan.
	e.notifier.Notify(a, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		PartnerID:       b,
		Mode:            mode,
		RevealAvailable: false,
		PartnerProfile:  profB,
	})
	e.notifier.Notify(b, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		PartnerID:       a,
		Mode:            mode,
		RevealAvailable: false,
		PartnerProfile:  profA,
	})
}

func partnerSummary(p *profile.Profile) *protocol.PartnerProfile {
	if p == nil {
		return nil
	}
	return &protocol.PartnerProfile{
		Gender:    p.Gender,
		AgeGroup:  p.AgeGroup,
		Interests: p.Interests,
	}
}
