// Package ban manages the shared banned-accounts set in Redis. Membership is
// checked at connection time and again before every match attempt, so a ban
// issued while a user is connected takes effect on their next operation.
package ban

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const bannedUsersKey = "banned_users"

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned reports whether the user id is currently banned.
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, error) {
	banned, err := s.client.SIsMember(ctx, bannedUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("ban: membership check for %s: %w", userID, err)
	}
	return banned, nil
}

// Ban adds the user id to the banned set.
func (s *Store) Ban(ctx context.Context, userID string) error {
	if err := s.client.SAdd(ctx, bannedUsersKey, userID).Err(); err != nil {
		return fmt.Errorf("ban: add %s: %w", userID, err)
	}
	return nil
}

// Unban removes the user id from the banned set.
func (s *Store) Unban(ctx context.Context, userID string) error {
	if err := s.client.SRem(ctx, bannedUsersKey, userID).Err(); err != nil {
		return fmt.Errorf("ban: remove %s: %w", userID, err)
	}
	return nil
}
