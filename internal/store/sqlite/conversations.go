package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/store"
)

// SaveMessage appends one entry to the conversation log.
func (s *Store) SaveMessage(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.ContactType == "" {
		m.ContactType = store.ContactUser
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (from_agent, to_agent, content, contact_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.FromAgent, m.ToAgent, m.Content, m.ContactType, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// History returns the agent's most recent messages in chronological order.
// The query walks backwards for the window, then the slice is reversed.
func (s *Store) History(ctx context.Context, agentID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 40
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_agent, to_agent, content, contact_type, created_at
		 FROM messages
		 WHERE from_agent = ? OR to_agent = ?
		 ORDER BY id DESC LIMIT ?`,
		agentID, agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", agentID, err)
	}
	defer rows.Close()

	var msgs []*store.Message
	for rows.Next() {
		var (
			m         store.Message
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.FromAgent, &m.ToAgent, &m.Content, &m.ContactType, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; callers want chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
