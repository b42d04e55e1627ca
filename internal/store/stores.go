package store

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned when a task id matches no row.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore persists tasks and their delegation state.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)

	// CompleteTask marks a task completed with its result summary.
	// Completing an already-completed task is a no-op.
	CompleteTask(ctx context.Context, id, resultSummary string) error

	DeleteTask(ctx context.Context, id string) error

	// UpdateTaskDelegation persists a modified delegation context,
	// optionally incrementing pending_delegations in the same transaction.
	UpdateTaskDelegation(ctx context.Context, id string, c DelegationContext, incrementPending bool) error

	// AppendDelegationAndIncrement atomically appends a delegation record
	// to the stored context and increments pending_delegations. The
	// read-append-write runs inside the store transaction so parallel
	// delegations from one model round each land their record and the
	// counter never runs ahead of the delegation list. Starting a fresh
	// cycle (pending at zero with old records left) archives the previous
	// cycle first.
	AppendDelegationAndIncrement(ctx context.Context, id string, rec DelegationRecord) error

	// DecrementPendingAndUpdateContext atomically appends a child's
	// response to the stored delegation context and decrements
	// pending_delegations (floored at zero). The append happens inside the
	// store transaction so racing completers each land their response;
	// exactly one caller observes zero, and it receives the fully merged
	// context back for aggregation.
	DecrementPendingAndUpdateContext(ctx context.Context, id string, rec ResponseRecord) (int, DelegationContext, error)

	// TasksFor lists an agent's tasks with the given status, oldest first.
	TasksFor(ctx context.Context, agentID string, status TaskStatus) ([]*Task, error)
}

// ConversationStore persists per-agent message history.
type ConversationStore interface {
	SaveMessage(ctx context.Context, m *Message) error

	// History returns the agent's most recent messages in chronological
	// order, at most limit entries.
	History(ctx context.Context, agentID string, limit int) ([]*Message, error)
}

// SeenStore deduplicates external events (nostr event ids, mail ids)
// across restarts.
type SeenStore interface {
	MarkSeen(ctx context.Context, eventID string) error
	WasSeen(ctx context.Context, eventID string) (bool, error)
	PruneSeen(ctx context.Context, olderThan time.Time) error
}

// Stores bundles the storage backends for one project (or for the system
// AI, which has its own database).
type Stores struct {
	Tasks         TaskStore
	Conversations ConversationStore
	Seen          SeenStore

	closeFn func() error
}

// NewStores assembles a container around a backend. closeFn may be nil.
func NewStores(tasks TaskStore, conv ConversationStore, seen SeenStore, closeFn func() error) *Stores {
	return &Stores{Tasks: tasks, Conversations: conv, Seen: seen, closeFn: closeFn}
}

// Close releases the underlying backend.
func (s *Stores) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}
