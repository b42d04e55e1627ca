package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/store"
)

const taskColumns = `task_id, requester, requester_channel, original_request,
	delegated_to, parent_task_id, status, result_summary, delegation_context,
	pending_delegations, ws_client_id, created_at, completed_at`

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *store.Task) error {
	if t.ID == "" {
		t.ID = store.NewTaskID()
	}
	if t.Status == "" {
		t.Status = store.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	ctxJSON, err := store.MarshalContext(t.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		t.ID, t.Requester, t.RequesterChannel, t.OriginalRequest,
		t.DelegatedTo, nullStr(t.ParentTaskID), string(t.Status), t.ResultSummary,
		string(ctxJSON), t.PendingDelegations, nullStr(t.WSClientID),
		t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	s.logger.Debug("task created", "task", t.ID, "agent", t.DelegatedTo, "parent", t.ParentTaskID)
	return nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	return t, err
}

// CompleteTask marks a pending task as completed. Re-completing is a no-op
// so duplicate report paths cannot double-fire.
func (s *Store) CompleteTask(ctx context.Context, id, resultSummary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result_summary = ?, completed_at = ?
		 WHERE task_id = ? AND status = ?`,
		string(store.TaskCompleted), resultSummary, time.Now().Unix(),
		id, string(store.TaskPending),
	)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either already completed (fine) or missing (an error).
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTask removes a task row. Deleting a missing task is a no-op.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// UpdateTaskDelegation stores the new delegation context, bumping the
// pending counter when a delegation was just issued.
func (s *Store) UpdateTaskDelegation(ctx context.Context, id string, c store.DelegationContext, incrementPending bool) error {
	ctxJSON, err := store.MarshalContext(c)
	if err != nil {
		return err
	}
	inc := 0
	if incrementPending {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET delegation_context = ?, pending_delegations = pending_delegations + ?
		 WHERE task_id = ?`,
		string(ctxJSON), inc, id,
	)
	if err != nil {
		return fmt.Errorf("update delegation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

// AppendDelegationAndIncrement records a new delegation atomically. Two
// parallel tool calls delegating from the same parent both run the
// read-append-write inside a transaction on the single write connection,
// so neither record is lost and pending never exceeds the recorded
// delegations.
func (s *Store) AppendDelegationAndIncrement(ctx context.Context, id string, rec store.DelegationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		ctxJSON   sql.NullString
		pending   int
		origReq   string
		requester string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT delegation_context, pending_delegations, original_request, requester
		 FROM tasks WHERE task_id = ?`, id,
	).Scan(&ctxJSON, &pending, &origReq, &requester)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("read context %s: %w", id, err)
	}

	c, err := store.ParseContext([]byte(ctxJSON.String))
	if err != nil {
		return err
	}
	if c.OriginalRequest == "" {
		c.OriginalRequest = origReq
		c.Requester = requester
	}
	c.BeginDelegation(rec, pending)

	newJSON, err := store.MarshalContext(c)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET delegation_context = ?, pending_delegations = ? WHERE task_id = ?`,
		string(newJSON), pending+1, id,
	); err != nil {
		return fmt.Errorf("increment pending %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("delegation recorded", "task", id, "child", rec.ChildTaskID, "pending", pending+1)
	return nil
}

// DecrementPendingAndUpdateContext applies a child's response atomically.
// The read-append-write of the context and the counter decrement happen in
// one transaction on the single write connection, so N racing children
// each land their response and produce pending values N-1..0 with exactly
// one zero.
func (s *Store) DecrementPendingAndUpdateContext(ctx context.Context, id string, rec store.ResponseRecord) (int, store.DelegationContext, error) {
	var merged store.DelegationContext

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, merged, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		ctxJSON sql.NullString
		pending int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT delegation_context, pending_delegations FROM tasks WHERE task_id = ?`, id,
	).Scan(&ctxJSON, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, merged, store.ErrTaskNotFound
	}
	if err != nil {
		return 0, merged, fmt.Errorf("read context %s: %w", id, err)
	}

	merged, err = store.ParseContext([]byte(ctxJSON.String))
	if err != nil {
		return 0, merged, err
	}
	merged.AddResponse(rec)

	newJSON, err := store.MarshalContext(merged)
	if err != nil {
		return 0, merged, err
	}
	if pending > 0 {
		pending--
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET delegation_context = ?, pending_delegations = ? WHERE task_id = ?`,
		string(newJSON), pending, id,
	); err != nil {
		return 0, merged, fmt.Errorf("decrement pending %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, merged, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("pending decremented", "task", id, "pending", pending, "from", rec.FromAgent)
	return pending, merged, nil
}

// TasksFor lists an agent's tasks with the given status, oldest first.
func (s *Store) TasksFor(ctx context.Context, agentID string, status store.TaskStatus) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE delegated_to = ? AND status = ? ORDER BY created_at`,
		agentID, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", agentID, err)
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var (
		t           store.Task
		parent      sql.NullString
		result      sql.NullString
		ctxJSON     sql.NullString
		wsClient    sql.NullString
		createdAt   int64
		completedAt sql.NullInt64
		status      string
	)
	if err := row.Scan(
		&t.ID, &t.Requester, &t.RequesterChannel, &t.OriginalRequest,
		&t.DelegatedTo, &parent, &status, &result, &ctxJSON,
		&t.PendingDelegations, &wsClient, &createdAt, &completedAt,
	); err != nil {
		return nil, err
	}
	t.ParentTaskID = parent.String
	t.Status = store.TaskStatus(status)
	t.ResultSummary = result.String
	t.WSClientID = wsClient.String
	t.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		done := time.Unix(completedAt.Int64, 0)
		t.CompletedAt = &done
	}
	c, err := store.ParseContext([]byte(ctxJSON.String))
	if err != nil {
		return nil, err
	}
	t.Context = c
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
