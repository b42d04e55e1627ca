package pg

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
		`INSERT INTO tasks (task_id, project, requester, requester_channel, original_request,
		     delegated_to, parent_task_id, status, result_summary, delegation_context,
		     pending_delegations, ws_client_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, s.project, t.Requester, t.RequesterChannel, t.OriginalRequest,
		t.DelegatedTo, nullStr(t.ParentTaskID), string(t.Status), t.ResultSummary,
		ctxJSON, t.PendingDelegations, nullStr(t.WSClientID), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1 AND project = $2`,
		id, s.project)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	return t, err
}

func (s *Store) CompleteTask(ctx context.Context, id, resultSummary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, result_summary = $2, completed_at = now()
		 WHERE task_id = $3 AND project = $4 AND status = $5`,
		string(store.TaskCompleted), resultSummary, id, s.project, string(store.TaskPending),
	)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE task_id = $1 AND project = $2`, id, s.project)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

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
		`UPDATE tasks SET delegation_context = $1, pending_delegations = pending_delegations + $2
		 WHERE task_id = $3 AND project = $4`,
		ctxJSON, inc, id, s.project,
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

// AppendDelegationAndIncrement records a new delegation atomically.
// SELECT ... FOR UPDATE serializes parallel delegations on the parent row
// so every record survives and pending never exceeds the delegation list.
func (s *Store) AppendDelegationAndIncrement(ctx context.Context, id string, rec store.DelegationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		ctxJSON   []byte
		pending   int
		origReq   string
		requester string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT delegation_context, pending_delegations, original_request, requester
		 FROM tasks WHERE task_id = $1 AND project = $2 FOR UPDATE`,
		id, s.project,
	).Scan(&ctxJSON, &pending, &origReq, &requester)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("read context %s: %w", id, err)
	}

	c, err := store.ParseContext(ctxJSON)
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
		`UPDATE tasks SET delegation_context = $1, pending_delegations = $2
		 WHERE task_id = $3 AND project = $4`,
		newJSON, pending+1, id, s.project,
	); err != nil {
		return fmt.Errorf("increment pending %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DecrementPendingAndUpdateContext appends the response and decrements the
// counter in one transaction. SELECT ... FOR UPDATE serializes racing
// children on the parent row so each lands its response and exactly one
// observes zero.
func (s *Store) DecrementPendingAndUpdateContext(ctx context.Context, id string, rec store.ResponseRecord) (int, store.DelegationContext, error) {
	var merged store.DelegationContext

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, merged, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		ctxJSON []byte
		pending int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT delegation_context, pending_delegations FROM tasks
		 WHERE task_id = $1 AND project = $2 FOR UPDATE`,
		id, s.project,
	).Scan(&ctxJSON, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, merged, store.ErrTaskNotFound
	}
	if err != nil {
		return 0, merged, fmt.Errorf("read context %s: %w", id, err)
	}

	merged, err = store.ParseContext(ctxJSON)
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
		`UPDATE tasks SET delegation_context = $1, pending_delegations = $2
		 WHERE task_id = $3 AND project = $4`,
		newJSON, pending, id, s.project,
	); err != nil {
		return 0, merged, fmt.Errorf("decrement pending %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, merged, fmt.Errorf("commit: %w", err)
	}
	return pending, merged, nil
}

func (s *Store) TasksFor(ctx context.Context, agentID string, status store.TaskStatus) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE project = $1 AND delegated_to = $2 AND status = $3
		 ORDER BY created_at`,
		s.project, agentID, string(status),
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
		t        store.Task
		parent   sql.NullString
		result   sql.NullString
		ctxJSON  []byte
		wsClient sql.NullString
		done     sql.NullTime
		status   string
	)
	if err := row.Scan(
		&t.ID, &t.Requester, &t.RequesterChannel, &t.OriginalRequest,
		&t.DelegatedTo, &parent, &status, &result, &ctxJSON,
		&t.PendingDelegations, &wsClient, &t.CreatedAt, &done,
	); err != nil {
		return nil, err
	}
	t.ParentTaskID = parent.String
	t.Status = store.TaskStatus(status)
	t.ResultSummary = result.String
	t.WSClientID = wsClient.String
	if done.Valid {
		d := done.Time
		t.CompletedAt = &d
	}
	c, err := store.ParseContext(ctxJSON)
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
