package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) MarkSeen(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_events (project, event_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		s.project, eventID,
	)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

func (s *Store) WasSeen(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM seen_events WHERE project = $1 AND event_id = $2`,
		s.project, eventID,
	).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check seen: %w", err)
}

func (s *Store) PruneSeen(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_events WHERE project = $1 AND seen_at < $2`,
		s.project, olderThan,
	)
	if err != nil {
		return fmt.Errorf("prune seen: %w", err)
	}
	return nil
}
