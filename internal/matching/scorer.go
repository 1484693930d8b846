package matching

import "github.com/ShaulKabla/Chat/internal/profile"

// Candidate is a waiting user with their profile, in queue order.
type Candidate struct {
	UserID   string
	JoinedAt float64
	Profile  *profile.Profile
}

// GenderCompatible reports whether both users' gender preferences accept
// each other. A missing or "any" preference accepts everyone. The relation
// is symmetric: both directions must hold.
func GenderCompatible(a, b *profile.Profile) bool {
	return accepts(a, b) && accepts(b, a)
}

func accepts(who, whom *profile.Profile) bool {
	if who.GenderPreference == "" || who.GenderPreference == "any" {
		return true
	}
	return who.GenderPreference == whom.Gender
}

// SharedInterestCount returns the number of interest tags the two profiles
// have in common. Tags are compared exactly; normalisation happens at
// profile save time.
func SharedInterestCount(a, b *profile.Profile) int {
	if len(a.Interests) == 0 || len(b.Interests) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a.Interests))
	for _, tag := range a.Interests {
		set[tag] = true
	}
	shared := 0
	for _, tag := range b.Interests {
		if set[tag] {
			shared++
		}
	}
	return shared
}

// PickMeetWinner selects the best candidate for a meet-mode search. Before
// expansion only gender-compatible candidates with at least one shared
// interest qualify; after expansion the shared-interest requirement drops
// but gender compatibility never does. Among qualifying candidates the one
// with the most shared interests wins; ties go to the earliest enqueued,
// which is the input order.
func PickMeetWinner(user *profile.Profile, candidates []Candidate, expanded bool) string {
	winner := ""
	best := -1
	for _, c := range candidates {
		if c.Profile == nil {
			continue
		}
		if !GenderCompatible(user, c.Profile) {
			continue
		}
		shared := SharedInterestCount(user, c.Profile)
		if !expanded && shared == 0 {
			continue
		}
		if shared > best {
			best = shared
			winner = c.UserID
		}
	}
	return winner
}
