package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MarkSeen records an external event id. Marking twice is harmless.
func (s *Store) MarkSeen(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_events (event_id, seen_at) VALUES (?, ?)`,
		eventID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// WasSeen reports whether an event id was recorded before.
func (s *Store) WasSeen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_events WHERE event_id = ?`, eventID,
	).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check seen: %w", err)
}

// PruneSeen drops entries older than the cutoff so the table stays small.
func (s *Store) PruneSeen(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_events WHERE seen_at < ?`, olderThan.Unix(),
	)
	if err != nil {
		return fmt.Errorf("prune seen: %w", err)
	}
	return nil
}
