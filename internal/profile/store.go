// Package profile provides PostgreSQL-backed storage for matching profiles.
// A profile is mandatory for "meet" matching and ignored entirely by "talk".
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// MinInterests is the minimum number of interest tags a profile must carry.
const MinInterests = 3

// ErrInvalidProfile rejects a malformed profile payload. Nothing is written
// when validation fails.
var ErrInvalidProfile = errors.New("profile: invalid profile payload")

// Profile is a user's matching profile.
type Profile struct {
	UserID           string
	Gender           string
	AgeGroup         string
	Interests        []string
	GenderPreference string // specific gender or "any"
}

// Store manages profiles in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a profile store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves a profile. Returns nil if the user has none.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	const query = `
		SELECT user_id, gender, age_group, interests, gender_preference
		FROM profiles WHERE user_id = $1`

	p := Profile{}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.Gender, &p.AgeGroup, pq.Array(&p.Interests), &p.GenderPreference,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get %s: %w", userID, err)
	}
	return &p, nil
}

// GetMany retrieves the profiles for all given user ids in one query.
// Users without a profile are simply absent from the result.
func (s *Store) GetMany(ctx context.Context, userIDs []string) (map[string]*Profile, error) {
	if len(userIDs) == 0 {
		return map[string]*Profile{}, nil
	}

	const query = `
		SELECT user_id, gender, age_group, interests, gender_preference
		FROM profiles WHERE user_id = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("profile: get many: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Profile, len(userIDs))
	for rows.Next() {
		p := Profile{}
		if err := rows.Scan(&p.UserID, &p.Gender, &p.AgeGroup, pq.Array(&p.Interests), &p.GenderPreference); err != nil {
			return nil, fmt.Errorf("profile: scan: %w", err)
		}
		result[p.UserID] = &p
	}
	return result, rows.Err()
}

// Upsert validates and saves a profile, replacing any existing one. Interest
// tags are trimmed and empty tags dropped; the preference defaults to "any".
func (s *Store) Upsert(ctx context.Context, userID string, p Profile) (*Profile, error) {
	if p.Gender == "" || p.AgeGroup == "" {
		return nil, ErrInvalidProfile
	}

	interests := make([]string, 0, len(p.Interests))
	for _, tag := range p.Interests {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			interests = append(interests, trimmed)
		}
	}
	if len(interests) < MinInterests {
		return nil, ErrInvalidProfile
	}

	preference := p.GenderPreference
	if preference == "" {
		preference = "any"
	}

	const query = `
		INSERT INTO profiles (user_id, gender, age_group, interests, gender_preference)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id)
		DO UPDATE SET gender = $2, age_group = $3, interests = $4, gender_preference = $5, updated_at = NOW()
		RETURNING user_id, gender, age_group, interests, gender_preference`

	saved := Profile{}
	err := s.db.QueryRowContext(ctx, query, userID, p.Gender, p.AgeGroup, pq.Array(interests), preference).Scan(
		&saved.UserID, &saved.Gender, &saved.AgeGroup, pq.Array(&saved.Interests), &saved.GenderPreference,
	)
	if err != nil {
		return nil, fmt.Errorf("profile: upsert %s: %w", userID, err)
	}
	return &saved, nil
}
