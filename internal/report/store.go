// Package report provides PostgreSQL-backed storage for abuse reports. Each
// report captures who reported whom, the reason, and an anonymised snapshot
// of the last few messages exchanged, for moderator review.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// Report represents a single abuse report to be persisted.
type Report struct {
	ReporterID string
	ReportedID string
	Reason     string
	Messages   []MessageEntry // last N messages from the pair's buffer
}

// MessageEntry is one message in the conversation snapshot attached to a
// report. From is anonymised to "reporter" or "reported".
type MessageEntry struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts an abuse report. The reason is validated against the
// allowed set; the snapshot is marshalled to JSONB.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if !validReasons[report.Reason] {
		return fmt.Errorf("report: invalid reason %q", report.Reason)
	}

	var messagesJSON []byte
	if len(report.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(report.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO reports (reporter_id, reported_id, reason, messages)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, report.ReporterID, report.ReportedID, report.Reason, messagesJSON); err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within the
// given window, for auto-ban heuristics.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	if err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
