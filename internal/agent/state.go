package agent

import (
	"context"
	"sync"
	"sync/atomic"
)

// SystemProjectID is the pseudo-project the system AI registers under. It
// exists outside every real project so cross-project delegations survive a
// project being torn down.
const SystemProjectID = "system"

// SystemAgentID is the system AI's registry id.
const SystemAgentID = "system_ai"

// RunState is the mutable per-run state shared between the tool loop and
// the system action handlers. Handlers run on loop goroutines, so the
// fields are atomic.
type RunState struct {
	// calledAgent is set by the delegate handler. When true, the runner
	// suppresses auto-reporting for this turn; the delegated agent will
	// report back later and re-trigger the cycle.
	calledAgent atomic.Bool
}

// MarkDelegated records that this run handed work to another agent.
func (s *RunState) MarkDelegated() { s.calledAgent.Store(true) }

// Delegated reports whether the run delegated.
func (s *RunState) Delegated() bool { return s.calledAgent.Load() }

type runStateKey struct{}

// WithRunState attaches run state to a context.
func WithRunState(ctx context.Context, s *RunState) context.Context {
	return context.WithValue(ctx, runStateKey{}, s)
}

// RunStateFrom extracts the run state, if any.
func RunStateFrom(ctx context.Context) (*RunState, bool) {
	s, ok := ctx.Value(runStateKey{}).(*RunState)
	return s, ok
}

// CancelTable maps running task ids to their cancel functions so a GUI
// cancel frame can abort the matching turn.
type CancelTable struct {
	mu    sync.Mutex
	byTask map[string]context.CancelFunc
}

// NewCancelTable returns an empty table.
func NewCancelTable() *CancelTable {
	return &CancelTable{byTask: make(map[string]context.CancelFunc)}
}

// Register associates a cancel function with a task id. Returns a release
// function the runner defers when the turn ends.
func (t *CancelTable) Register(taskID string, cancel context.CancelFunc) func() {
	if taskID == "" {
		return func() {}
	}
	t.mu.Lock()
	t.byTask[taskID] = cancel
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.byTask, taskID)
		t.mu.Unlock()
	}
}

// Cancel aborts the run for a task id. Returns whether a run was found.
func (t *CancelTable) Cancel(taskID string) bool {
	t.mu.Lock()
	cancel, ok := t.byTask[taskID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
