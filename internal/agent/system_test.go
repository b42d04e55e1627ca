package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/ibl"
	"github.com/nextlevelbuilder/maestro/internal/registry"
	"github.com/nextlevelbuilder/maestro/internal/store"
)

// memTaskStore is an in-memory store.TaskStore for tests.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]*store.Task)}
}

func (m *memTaskStore) CreateTask(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTaskStore) GetTask(ctx context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTaskStore) CompleteTask(ctx context.Context, id, resultSummary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Status == store.TaskCompleted {
		return nil
	}
	now := time.Now()
	t.Status = store.TaskCompleted
	t.ResultSummary = resultSummary
	t.CompletedAt = &now
	return nil
}

func (m *memTaskStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *memTaskStore) UpdateTaskDelegation(ctx context.Context, id string, c store.DelegationContext, incrementPending bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Context = c
	if incrementPending {
		t.PendingDelegations++
	}
	return nil
}

func (m *memTaskStore) AppendDelegationAndIncrement(ctx context.Context, id string, rec store.DelegationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Context.OriginalRequest == "" {
		t.Context.OriginalRequest = t.OriginalRequest
		t.Context.Requester = t.Requester
	}
	t.Context.BeginDelegation(rec, t.PendingDelegations)
	t.PendingDelegations++
	return nil
}

func (m *memTaskStore) DecrementPendingAndUpdateContext(ctx context.Context, id string, rec store.ResponseRecord) (int, store.DelegationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return 0, store.DelegationContext{}, store.ErrTaskNotFound
	}
	t.Context.AddResponse(rec)
	if t.PendingDelegations > 0 {
		t.PendingDelegations--
	}
	return t.PendingDelegations, t.Context, nil
}

func (m *memTaskStore) TasksFor(ctx context.Context, agentID string, status store.TaskStatus) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for _, t := range m.tasks {
		if t.DelegatedTo == agentID && t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memConvStore is an in-memory store.ConversationStore for tests.
type memConvStore struct {
	mu   sync.Mutex
	rows []*store.Message
}

func (m *memConvStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memConvStore) History(ctx context.Context, agentID string, limit int) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Message
	for _, r := range m.rows {
		if r.FromAgent == agentID || r.ToAgent == agentID {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func memStores(tasks *memTaskStore) *store.Stores {
	return store.NewStores(tasks, &memConvStore{}, nil, nil)
}

func testDeps(t *testing.T, reg *registry.Registry, stores map[string]*store.Stores) SystemDeps {
	t.Helper()
	return SystemDeps{
		Registry: reg,
		Bus:      bus.New(),
		Stores:   func(projectID string) *store.Stores { return stores[projectID] },
	}
}

func callerCtx(c ibl.Caller, state *RunState) context.Context {
	ctx := ibl.WithCaller(context.Background(), c)
	if state != nil {
		ctx = WithRunState(ctx, state)
	}
	return ctx
}

func TestDelegateCreatesChildAndEnqueues(t *testing.T) {
	reg := registry.New()
	target := &registry.Entry{ProjectID: "acme", AgentID: "writer"}
	if err := reg.Register(target); err != nil {
		t.Fatal(err)
	}

	tasks := newMemTaskStore()
	parent := &store.Task{ID: "parent-1", Requester: "owner", RequesterChannel: store.ChannelGUI,
		OriginalRequest: "보고서 작성", DelegatedTo: "lead", Status: store.TaskPending, CreatedAt: time.Now()}
	tasks.CreateTask(context.Background(), parent)

	deps := testDeps(t, reg, map[string]*store.Stores{"acme": memStores(tasks)})
	state := &RunState{}
	ctx := callerCtx(ibl.Caller{ProjectID: "acme", AgentID: "lead", TaskID: "parent-1"}, state)

	res := deps.handleDelegate(ctx, ibl.Step{
		Node: "system", Action: "delegate", Target: "writer",
		Params: map[string]any{"message": "초안을 써 주세요"},
	})
	if !res.Success {
		t.Fatalf("delegate failed: %s", res.Error)
	}
	if !state.Delegated() {
		t.Error("run state not marked delegated")
	}

	msg, ok := target.Inbox.Pop(context.Background(), time.Second)
	if !ok {
		t.Fatal("target inbox empty")
	}
	childID, rest := SplitTaskMarker(msg.Content)
	if childID == "" {
		t.Fatalf("message %q lacks task marker", msg.Content)
	}
	if strings.TrimSpace(rest) != "초안을 써 주세요" {
		t.Errorf("message body = %q", rest)
	}
	if msg.TaskID != childID {
		t.Errorf("msg.TaskID = %q, want %q", msg.TaskID, childID)
	}

	child, err := tasks.GetTask(context.Background(), childID)
	if err != nil {
		t.Fatal(err)
	}
	if child.ParentTaskID != "parent-1" || child.DelegatedTo != "writer" || child.Requester != "lead" {
		t.Errorf("child = %+v", child)
	}
	if child.RequesterChannel != store.ChannelInternal {
		t.Errorf("requester channel = %q, want internal", child.RequesterChannel)
	}

	gotParent, _ := tasks.GetTask(context.Background(), "parent-1")
	if gotParent.PendingDelegations != 1 {
		t.Errorf("parent pending = %d, want 1", gotParent.PendingDelegations)
	}
	if len(gotParent.Context.Delegations) != 1 || gotParent.Context.Delegations[0].ChildTaskID != childID {
		t.Errorf("parent delegation context = %+v", gotParent.Context)
	}
}

func TestParallelDelegationsAllRecorded(t *testing.T) {
	reg := registry.New()
	reg.Register(&registry.Entry{ProjectID: "acme", AgentID: "writer"})
	reg.Register(&registry.Entry{ProjectID: "acme", AgentID: "editor"})

	tasks := newMemTaskStore()
	tasks.CreateTask(context.Background(), &store.Task{
		ID: "parent-1", Requester: "owner", RequesterChannel: store.ChannelGUI,
		OriginalRequest: "보고서 작성", DelegatedTo: "lead",
		Status: store.TaskPending, CreatedAt: time.Now(),
	})

	deps := testDeps(t, reg, map[string]*store.Stores{"acme": memStores(tasks)})
	ctx := callerCtx(ibl.Caller{ProjectID: "acme", AgentID: "lead", TaskID: "parent-1"}, &RunState{})

	// One model round can fan out to several teammates at once; the tool
	// calls run concurrently and every delegation must survive.
	var wg sync.WaitGroup
	for _, target := range []string{"writer", "editor"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			res := deps.handleDelegate(ctx, ibl.Step{
				Node: "system", Action: "delegate", Target: target,
				Params: map[string]any{"message": "맡아 주세요"},
			})
			if !res.Success {
				t.Errorf("delegate to %s: %s", target, res.Error)
			}
		}(target)
	}
	wg.Wait()

	parent, err := tasks.GetTask(context.Background(), "parent-1")
	if err != nil {
		t.Fatal(err)
	}
	if parent.PendingDelegations != 2 {
		t.Errorf("pending = %d, want 2", parent.PendingDelegations)
	}
	if len(parent.Context.Delegations) != 2 {
		t.Fatalf("recorded %d delegations, want 2: %+v",
			len(parent.Context.Delegations), parent.Context.Delegations)
	}
	targets := map[string]bool{}
	for _, d := range parent.Context.Delegations {
		targets[d.DelegatedTo] = true
	}
	if !targets["writer"] || !targets["editor"] {
		t.Errorf("delegation targets = %+v", parent.Context.Delegations)
	}
}

func TestDelegateRejectsSelfAndUnknown(t *testing.T) {
	reg := registry.New()
	reg.Register(&registry.Entry{ProjectID: "acme", AgentID: "lead"})
	deps := testDeps(t, reg, map[string]*store.Stores{"acme": memStores(newMemTaskStore())})
	ctx := callerCtx(ibl.Caller{ProjectID: "acme", AgentID: "lead"}, nil)

	res := deps.handleDelegate(ctx, ibl.Step{Target: "lead", Params: map[string]any{"message": "x"}})
	if res.Success {
		t.Error("self-delegation succeeded")
	}

	res = deps.handleDelegate(ctx, ibl.Step{Target: "ghost", Params: map[string]any{"message": "x"}})
	if res.Success || res.Kind != ibl.ErrAgentNotFound {
		t.Fatalf("unknown target: %+v", res)
	}
	if len(res.AvailableAgents) == 0 {
		t.Error("no available agents listed on lookup miss")
	}
}

func TestNetworkDelegateCrossProject(t *testing.T) {
	reg := registry.New()
	target := &registry.Entry{ProjectID: "acme", AgentID: "writer"}
	reg.Register(target)

	systemTasks := newMemTaskStore()
	systemTasks.CreateTask(context.Background(), &store.Task{
		ID: "sys-1", Requester: "owner@example.com", RequesterChannel: store.ChannelGmail,
		DelegatedTo: SystemAgentID, Status: store.TaskPending, CreatedAt: time.Now()})
	projectTasks := newMemTaskStore()

	deps := testDeps(t, reg, map[string]*store.Stores{
		SystemProjectID: memStores(systemTasks),
		"acme":          memStores(projectTasks),
	})
	ctx := callerCtx(ibl.Caller{ProjectID: SystemProjectID, AgentID: SystemAgentID, TaskID: "sys-1"}, &RunState{})

	res := deps.handleNetworkDelegate(ctx, ibl.Step{
		Target: "acme,writer",
		Params: map[string]any{"message": "시장 조사"},
	})
	if !res.Success {
		t.Fatalf("network delegate failed: %s", res.Error)
	}

	msg, ok := target.Inbox.Pop(context.Background(), time.Second)
	if !ok {
		t.Fatal("target inbox empty")
	}
	childID, _ := SplitTaskMarker(msg.Content)

	// The child lives in the target project's store, stamped system_ai so
	// the report engine knows to look for the parent in the system store.
	child, err := projectTasks.GetTask(context.Background(), childID)
	if err != nil {
		t.Fatal(err)
	}
	if child.RequesterChannel != store.ChannelSystemAI {
		t.Errorf("requester channel = %q, want system_ai", child.RequesterChannel)
	}
	if child.ParentTaskID != "sys-1" {
		t.Errorf("parent = %q, want sys-1", child.ParentTaskID)
	}

	// Parent bookkeeping stays in the system store.
	parent, _ := systemTasks.GetTask(context.Background(), "sys-1")
	if parent.PendingDelegations != 1 {
		t.Errorf("system parent pending = %d, want 1", parent.PendingDelegations)
	}
}

func TestNetworkListAgents(t *testing.T) {
	reg := registry.New()
	reg.Register(&registry.Entry{ProjectID: "acme", AgentID: "writer"})
	reg.Register(&registry.Entry{ProjectID: "acme", AgentID: "lead"})
	reg.Register(&registry.Entry{ProjectID: SystemProjectID, AgentID: SystemAgentID})

	deps := testDeps(t, reg, nil)
	res := deps.handleNetworkList(context.Background(), ibl.Step{})
	if !res.Success {
		t.Fatal(res.Error)
	}
	if !strings.Contains(res.Output, "acme: lead, writer") {
		t.Errorf("output = %q", res.Output)
	}
	if strings.Contains(res.Output, SystemAgentID) {
		t.Errorf("system pseudo-project leaked into listing: %q", res.Output)
	}
}

func TestWorkspacePathRejectsEscape(t *testing.T) {
	root := t.TempDir()
	if _, err := workspacePath(root, "../outside.txt"); err == nil {
		t.Error("escape accepted")
	}
	abs, err := workspacePath(root, "outputs/report.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(abs, root) {
		t.Errorf("path %q not under root", abs)
	}
}

func TestApprovalHandlerPrefixesMarker(t *testing.T) {
	res := handleApproval(context.Background(), ibl.Step{Target: "계좌 이체 실행"})
	if !res.Success {
		t.Fatal(res.Error)
	}
	if !strings.HasPrefix(res.Output, ApprovalMarker) {
		t.Errorf("output = %q", res.Output)
	}
}

func TestMessengerSendPublishesOutbound(t *testing.T) {
	deps := testDeps(t, registry.New(), nil)
	ctx := callerCtx(ibl.Caller{ProjectID: "acme", AgentID: "lead"}, nil)

	res := deps.handleMessengerSend(ctx, ibl.Step{
		Target: "gmail,user@example.com",
		Params: map[string]any{"subject": "결과", "body": "본문"},
	})
	if !res.Success {
		t.Fatal(res.Error)
	}

	out, ok := deps.Bus.ConsumeOutbound(context.Background())
	if !ok {
		t.Fatal("no outbound message")
	}
	if out.Channel != store.ChannelGmail || out.Address != "user@example.com" || out.Subject != "결과" {
		t.Errorf("outbound = %+v", out)
	}

	res = deps.handleMessengerSend(ctx, ibl.Step{Target: "fax,123", Params: map[string]any{"body": "x"}})
	if res.Success {
		t.Error("unknown channel accepted")
	}
}
