package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	task := &store.Task{
		Requester:        "boss@example.com",
		RequesterChannel: store.ChannelGmail,
		OriginalRequest:  "summarize the quarter",
		DelegatedTo:      "analyst",
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" {
		t.Fatal("CreateTask did not assign an id")
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if !got.IsRoot() {
		t.Error("task without parent should be root")
	}

	if err := s.CompleteTask(ctx, task.ID, "done"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	// Idempotent: second completion must not error or overwrite.
	if err := s.CompleteTask(ctx, task.ID, "other"); err != nil {
		t.Fatalf("second CompleteTask: %v", err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.ResultSummary != "done" {
		t.Errorf("result = %q, want first completion kept", got.ResultSummary)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("GetTask after delete = %v, want ErrTaskNotFound", err)
	}
}

func TestCompleteMissingTask(t *testing.T) {
	s := openTest(t)
	err := s.CompleteTask(context.Background(), "nope", "x")
	if !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestUpdateTaskDelegation(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	task := &store.Task{
		Requester: "gui", RequesterChannel: store.ChannelGUI,
		OriginalRequest: "plan", DelegatedTo: "planner",
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	c := task.Context
	c.BeginDelegation(store.DelegationRecord{
		ChildTaskID: "child-1", DelegatedTo: "helper", Message: "do part one",
		DelegatedAt: time.Now(),
	}, task.PendingDelegations)
	if err := s.UpdateTaskDelegation(ctx, task.ID, c, true); err != nil {
		t.Fatalf("UpdateTaskDelegation: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.PendingDelegations != 1 {
		t.Errorf("pending = %d, want 1", got.PendingDelegations)
	}
	if len(got.Context.Delegations) != 1 || got.Context.Delegations[0].ChildTaskID != "child-1" {
		t.Errorf("context not persisted: %+v", got.Context)
	}

	// Context-only update leaves the counter alone.
	if err := s.UpdateTaskDelegation(ctx, task.ID, got.Context, false); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.PendingDelegations != 1 {
		t.Errorf("pending changed on non-increment update: %d", got.PendingDelegations)
	}
}

func TestConcurrentAppendsKeepEveryDelegation(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	task := &store.Task{
		Requester: "gui", RequesterChannel: store.ChannelGUI,
		OriginalRequest: "fan out", DelegatedTo: "lead",
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	const fanout = 8
	var wg sync.WaitGroup
	for i := 0; i < fanout; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.AppendDelegationAndIncrement(ctx, task.ID, store.DelegationRecord{
				ChildTaskID: fmt.Sprintf("c%d", i), DelegatedTo: "helper",
				Message: "part", DelegatedAt: time.Now(),
			})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PendingDelegations != fanout {
		t.Errorf("pending = %d, want %d", got.PendingDelegations, fanout)
	}
	// Every racing append must land its record; the counter must never run
	// ahead of the recorded delegations.
	if len(got.Context.Delegations) != fanout {
		t.Errorf("recorded %d delegations, want %d", len(got.Context.Delegations), fanout)
	}
	if got.Context.OriginalRequest != "fan out" {
		t.Errorf("context request = %q, want backfilled from the row", got.Context.OriginalRequest)
	}
}

func TestAppendArchivesFinishedCycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	task := &store.Task{
		Requester: "gui", RequesterChannel: store.ChannelGUI,
		OriginalRequest: "plan", DelegatedTo: "lead",
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if err := s.AppendDelegationAndIncrement(ctx, task.ID, store.DelegationRecord{
		ChildTaskID: "c1", DelegatedTo: "helper", Message: "part one", DelegatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.DecrementPendingAndUpdateContext(ctx, task.ID, store.ResponseRecord{
		ChildTaskID: "c1", FromAgent: "helper", Response: "part one done", CompletedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	// A new delegation after the cycle resolved moves the old records into
	// the completed history.
	if err := s.AppendDelegationAndIncrement(ctx, task.ID, store.DelegationRecord{
		ChildTaskID: "c2", DelegatedTo: "helper", Message: "part two", DelegatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if len(got.Context.Completed) != 1 || got.Context.Completed[0].Result != "part one done" {
		t.Errorf("completed = %+v", got.Context.Completed)
	}
	if len(got.Context.Delegations) != 1 || got.Context.Delegations[0].ChildTaskID != "c2" {
		t.Errorf("active delegations = %+v", got.Context.Delegations)
	}
	if got.PendingDelegations != 1 {
		t.Errorf("pending = %d, want 1", got.PendingDelegations)
	}
}

func TestDecrementFloorsAtZero(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	task := &store.Task{
		Requester: "gui", RequesterChannel: store.ChannelGUI,
		OriginalRequest: "x", DelegatedTo: "a",
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	rec := store.ResponseRecord{
		ChildTaskID: "c1", FromAgent: "helper",
		Response: "early reply", CompletedAt: time.Now(),
	}
	n, _, err := s.DecrementPendingAndUpdateContext(ctx, task.ID, rec)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if n != 0 {
		t.Errorf("pending = %d, want floor at 0", n)
	}
	n, _, err = s.DecrementPendingAndUpdateContext(ctx, task.ID, rec)
	if err != nil || n != 0 {
		t.Errorf("repeat decrement = (%d, %v), want (0, nil)", n, err)
	}
}

func TestConcurrentDecrementsExactlyOneZero(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	const children = 8
	task := &store.Task{
		Requester: "gui", RequesterChannel: store.ChannelGUI,
		OriginalRequest: "fan out", DelegatedTo: "parent",
		PendingDelegations: children,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		zeros     int
		seen      = map[int]int{}
		atZeroCtx store.DelegationContext
	)
	for i := 0; i < children; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, merged, err := s.DecrementPendingAndUpdateContext(ctx, task.ID, store.ResponseRecord{
				ChildTaskID: store.NewTaskID(), FromAgent: "helper",
				Response: "part done", CompletedAt: time.Now(),
			})
			if err != nil {
				t.Errorf("decrement: %v", err)
				return
			}
			mu.Lock()
			seen[n]++
			if n == 0 {
				zeros++
				atZeroCtx = merged
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if zeros != 1 {
		t.Errorf("zero observed %d times, want exactly 1 (seen: %v)", zeros, seen)
	}
	// The zero observer must see every sibling's response merged in.
	if len(atZeroCtx.Responses) != children {
		t.Errorf("responses at zero = %d, want %d", len(atZeroCtx.Responses), children)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.PendingDelegations != 0 {
		t.Errorf("final pending = %d, want 0", got.PendingDelegations)
	}
}

func TestTasksFor(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i, agent := range []string{"a", "a", "b"} {
		task := &store.Task{
			Requester: "gui", RequesterChannel: store.ChannelGUI,
			OriginalRequest: "t", DelegatedTo: agent,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}
	tasks, err := s.TasksFor(ctx, "a", store.TaskPending)
	if err != nil {
		t.Fatalf("TasksFor: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("tasks = %d, want 2", len(tasks))
	}
}

func TestHistoryWindowChronological(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := &store.Message{
			FromAgent: "user", ToAgent: "planner",
			Content: string(rune('a' + i)), ContactType: store.ContactUser,
		}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.History(ctx, "planner", 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("history = %d, want 3", len(msgs))
	}
	if msgs[0].Content != "c" || msgs[2].Content != "e" {
		t.Errorf("window wrong order: %q..%q, want c..e", msgs[0].Content, msgs[2].Content)
	}
}

func TestSeenEvents(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	seen, err := s.WasSeen(ctx, "ev1")
	if err != nil || seen {
		t.Fatalf("WasSeen fresh = (%v, %v), want (false, nil)", seen, err)
	}
	if err := s.MarkSeen(ctx, "ev1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSeen(ctx, "ev1"); err != nil {
		t.Fatalf("double mark: %v", err)
	}
	seen, _ = s.WasSeen(ctx, "ev1")
	if !seen {
		t.Error("event not remembered")
	}
	if err := s.PruneSeen(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	seen, _ = s.WasSeen(ctx, "ev1")
	if seen {
		t.Error("event survived prune")
	}
}
