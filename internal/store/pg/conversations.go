package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/store"
)

func (s *Store) SaveMessage(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.ContactType == "" {
		m.ContactType = store.ContactUser
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (project, from_agent, to_agent, content, contact_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		s.project, m.FromAgent, m.ToAgent, m.Content, m.ContactType, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, agentID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 40
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_agent, to_agent, content, contact_type, created_at
		 FROM messages
		 WHERE project = $1 AND (from_agent = $2 OR to_agent = $2)
		 ORDER BY id DESC LIMIT $3`,
		s.project, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", agentID, err)
	}
	defer rows.Close()

	var msgs []*store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &m.Content, &m.ContactType, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
