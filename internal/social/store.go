// Package social provides PostgreSQL-backed storage for block and friend
// relations. Blocks are directional rows but checked symmetrically:
// either direction prevents a pairing. Friendships are mutual and
// idempotent.
package social

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNotFriends rejects a friend message between users with no friendship.
var ErrNotFriends = errors.New("social: users are not friends")

// FriendMessage is a persisted message between two established friends.
type FriendMessage struct {
	ID          int64
	SenderID    string
	RecipientID string
	Body        string
	ImageURL    string
	CreatedAt   time.Time
}

// Store manages block and friend relations in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a social store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AddBlock records that blocker blocked blocked. Idempotent.
func (s *Store) AddBlock(ctx context.Context, blockerID, blockedID string) error {
	const query = `
		INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, blockerID, blockedID); err != nil {
		return fmt.Errorf("social: add block: %w", err)
	}
	return nil
}

// IsBlocked reports whether a block exists between the two users in either
// direction.
func (s *Store) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (blocker_id = $1 AND blocked_id = $2)
			   OR (blocker_id = $2 AND blocked_id = $1)
		)`

	var blocked bool
	if err := s.db.QueryRowContext(ctx, query, a, b).Scan(&blocked); err != nil {
		return false, fmt.Errorf("social: block check: %w", err)
	}
	return blocked, nil
}

// BlockedAmong returns the subset of candidates blocked from pairing with
// the user, in either direction, resolved in one query.
func (s *Store) BlockedAmong(ctx context.Context, userID string, candidateIDs []string) (map[string]bool, error) {
	blocked := make(map[string]bool)
	if len(candidateIDs) == 0 {
		return blocked, nil
	}

	const query = `
		SELECT blocker_id, blocked_id
		FROM blocks
		WHERE (blocker_id = $1 AND blocked_id = ANY($2))
		   OR (blocked_id = $1 AND blocker_id = ANY($2))`

	rows, err := s.db.QueryContext(ctx, query, userID, pq.Array(candidateIDs))
	if err != nil {
		return nil, fmt.Errorf("social: blocked among: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var blockerID, blockedID string
		if err := rows.Scan(&blockerID, &blockedID); err != nil {
			return nil, fmt.Errorf("social: scan block: %w", err)
		}
		if blockerID == userID {
			blocked[blockedID] = true
		} else {
			blocked[blockerID] = true
		}
	}
	return blocked, rows.Err()
}

// AddFriendship records a mutual friendship and clears any pending requests
// between the pair. Idempotent.
func (s *Store) AddFriendship(ctx context.Context, a, b string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("social: begin friendship tx: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO friends (user_id, friend_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := tx.ExecContext(ctx, insert, a, b); err != nil {
		return fmt.Errorf("social: add friendship: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, b, a); err != nil {
		return fmt.Errorf("social: add friendship: %w", err)
	}

	const clear = `
		DELETE FROM friend_requests
		WHERE (requester_id = $1 AND addressee_id = $2)
		   OR (requester_id = $2 AND addressee_id = $1)`

	if _, err := tx.ExecContext(ctx, clear, a, b); err != nil {
		return fmt.Errorf("social: clear friend requests: %w", err)
	}

	return tx.Commit()
}

// AreFriends reports whether a friendship exists.
func (s *Store) AreFriends(ctx context.Context, a, b string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM friends WHERE user_id = $1 AND friend_id = $2)`

	var friends bool
	if err := s.db.QueryRowContext(ctx, query, a, b).Scan(&friends); err != nil {
		return false, fmt.Errorf("social: friend check: %w", err)
	}
	return friends, nil
}

// SaveFriendMessage persists a message between friends and returns it with
// its assigned id and timestamp. Returns ErrNotFriends when no friendship
// exists.
func (s *Store) SaveFriendMessage(ctx context.Context, senderID, recipientID, body, imageURL string) (*FriendMessage, error) {
	friends, err := s.AreFriends(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, ErrNotFriends
	}

	const query = `
		INSERT INTO friend_messages (sender_id, recipient_id, body, image_url)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING id, created_at`

	msg := FriendMessage{
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		ImageURL:    imageURL,
	}
	if err := s.db.QueryRowContext(ctx, query, senderID, recipientID, body, imageURL).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("social: save friend message: %w", err)
	}
	return &msg, nil
}

// RecentFriendMessages returns the most recent messages between two friends
// in chronological order.
func (s *Store) RecentFriendMessages(ctx context.Context, a, b string, limit int) ([]FriendMessage, error) {
	const query = `
		SELECT id, sender_id, recipient_id, COALESCE(body, ''), COALESCE(image_url, ''), created_at
		FROM friend_messages
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("social: recent friend messages: %w", err)
	}
	defer rows.Close()

	var messages []FriendMessage
	for rows.Next() {
		var m FriendMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body, &m.ImageURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("social: scan friend message: %w", err)
		}
		messages = append(messages, m)
	}

	// Reverse to chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}
