package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/agent"
	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/registry"
	"github.com/nextlevelbuilder/maestro/internal/store"
	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
	// completed keeps retired rows visible to assertions after DeleteTask.
	completed map[string]string
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[string]*store.Task), completed: make(map[string]string)}
}

func (m *memTasks) CreateTask(ctx context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memTasks) GetTask(ctx context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTasks) CompleteTask(ctx context.Context, id, resultSummary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	m.completed[id] = resultSummary
	return nil
}

func (m *memTasks) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *memTasks) UpdateTaskDelegation(ctx context.Context, id string, c store.DelegationContext, incrementPending bool) error {
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

func (m *memTasks) AppendDelegationAndIncrement(ctx context.Context, id string, rec store.DelegationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Context.BeginDelegation(rec, t.PendingDelegations)
	t.PendingDelegations++
	return nil
}

func (m *memTasks) DecrementPendingAndUpdateContext(ctx context.Context, id string, rec store.ResponseRecord) (int, store.DelegationContext, error) {
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

func (m *memTasks) TasksFor(ctx context.Context, agentID string, status store.TaskStatus) ([]*store.Task, error) {
	return nil, nil
}

func (m *memTasks) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

type pushedFrame struct {
	clientID string
	frame    protocol.AutoReportFrame
}

type fakePusher struct {
	frames []pushedFrame
	err    error
}

func (f *fakePusher) Push(clientID string, frame protocol.AutoReportFrame) error {
	f.frames = append(f.frames, pushedFrame{clientID, frame})
	return f.err
}

type fakeSender struct {
	sent []bus.OutboundMessage
	err  error
}

func (f *fakeSender) SendTo(ctx context.Context, msg bus.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return f.err
}

type engineFixture struct {
	engine  *Engine
	tasks   *memTasks
	sysTask *memTasks
	reg     *registry.Registry
	gui     *fakePusher
	out     *fakeSender
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		tasks:   newMemTasks(),
		sysTask: newMemTasks(),
		reg:     registry.New(),
		gui:     &fakePusher{},
		out:     &fakeSender{},
	}
	projStores := store.NewStores(f.tasks, nil, nil, nil)
	f.engine = &Engine{
		Registry: f.reg,
		Project:  func(string) *store.Stores { return projStores },
		System:   store.NewStores(f.sysTask, nil, nil, nil),
		GUI:      f.gui,
		Channels: f.out,
	}
	return f
}

func (f *engineFixture) addAgent(t *testing.T, projectID, agentID string) *registry.Entry {
	t.Helper()
	e := &registry.Entry{ProjectID: projectID, AgentID: agentID}
	if err := f.reg.Register(e); err != nil {
		t.Fatal(err)
	}
	return e
}

func task(id string, mod func(*store.Task)) *store.Task {
	t := &store.Task{
		ID: id, Requester: "owner", RequesterChannel: store.ChannelGUI,
		Status: store.TaskPending, CreatedAt: time.Now(),
	}
	if mod != nil {
		mod(t)
	}
	return t
}

func TestChildSingleResponseForwarded(t *testing.T) {
	f := newFixture(t)
	lead := f.addAgent(t, "acme", "lead")
	f.tasks.CreateTask(context.Background(), task("p1", func(tk *store.Task) {
		tk.DelegatedTo = "lead"
		tk.PendingDelegations = 1
	}))
	f.tasks.CreateTask(context.Background(), task("c1", func(tk *store.Task) {
		tk.ParentTaskID = "p1"
		tk.DelegatedTo = "writer"
		tk.RequesterChannel = store.ChannelInternal
	}))

	if err := f.engine.AgentCompleted(context.Background(), "acme", "writer", "c1", "초안입니다"); err != nil {
		t.Fatal(err)
	}

	msgs := lead.Inbox.Drain()
	if len(msgs) != 1 {
		t.Fatalf("inbox = %d messages", len(msgs))
	}
	want := "[task:p1] 완료.\n초안입니다"
	if msgs[0].Content != want {
		t.Errorf("content = %q, want %q", msgs[0].Content, want)
	}
	if msgs[0].TaskID != "p1" || msgs[0].FromAgent != "writer" {
		t.Errorf("msg = %+v", msgs[0])
	}
	if f.tasks.has("c1") {
		t.Error("child task not retired")
	}
	parent, _ := f.tasks.GetTask(context.Background(), "p1")
	if parent.PendingDelegations != 0 {
		t.Errorf("parent pending = %d", parent.PendingDelegations)
	}
}

func TestChildParallelDigestOnLastResponse(t *testing.T) {
	f := newFixture(t)
	lead := f.addAgent(t, "acme", "lead")
	f.tasks.CreateTask(context.Background(), task("p1", func(tk *store.Task) {
		tk.DelegatedTo = "lead"
		tk.PendingDelegations = 2
	}))
	for _, c := range []struct{ id, agent string }{{"c1", "researcher"}, {"c2", "writer"}} {
		f.tasks.CreateTask(context.Background(), task(c.id, func(tk *store.Task) {
			tk.ParentTaskID = "p1"
			tk.DelegatedTo = c.agent
			tk.RequesterChannel = store.ChannelInternal
		}))
	}

	if err := f.engine.AgentCompleted(context.Background(), "acme", "researcher", "c1", "조사 결과"); err != nil {
		t.Fatal(err)
	}
	if n := lead.Inbox.Len(); n != 0 {
		t.Fatalf("report sent while %d sibling still pending", n)
	}

	if err := f.engine.AgentCompleted(context.Background(), "acme", "writer", "c2", "작성 결과"); err != nil {
		t.Fatal(err)
	}
	msgs := lead.Inbox.Drain()
	if len(msgs) != 1 {
		t.Fatalf("inbox = %d messages, want 1 digest", len(msgs))
	}
	content := msgs[0].Content
	if !strings.Contains(content, "[병렬 위임 결과 통합 보고]") {
		t.Errorf("digest header missing: %q", content)
	}
	if !strings.Contains(content, "◆ researcher:\n조사 결과") || !strings.Contains(content, "◆ writer:\n작성 결과") {
		t.Errorf("digest body = %q", content)
	}
}

func TestChildParentGoneRetiresQuietly(t *testing.T) {
	f := newFixture(t)
	f.tasks.CreateTask(context.Background(), task("c1", func(tk *store.Task) {
		tk.ParentTaskID = "gone"
		tk.DelegatedTo = "writer"
		tk.RequesterChannel = store.ChannelInternal
	}))

	if err := f.engine.AgentCompleted(context.Background(), "acme", "writer", "c1", "결과"); err != nil {
		t.Fatal(err)
	}
	if f.tasks.has("c1") {
		t.Error("orphan child not retired")
	}
}

func TestChildSystemAIParentInSystemStore(t *testing.T) {
	f := newFixture(t)
	sys := f.addAgent(t, agent.SystemProjectID, agent.SystemAgentID)
	f.sysTask.CreateTask(context.Background(), task("sys-1", func(tk *store.Task) {
		tk.RequesterChannel = store.ChannelGmail
		tk.DelegatedTo = agent.SystemAgentID
		tk.PendingDelegations = 1
	}))
	f.tasks.CreateTask(context.Background(), task("c1", func(tk *store.Task) {
		tk.ParentTaskID = "sys-1"
		tk.DelegatedTo = "writer"
		tk.RequesterChannel = store.ChannelSystemAI
	}))

	if err := f.engine.AgentCompleted(context.Background(), "acme", "writer", "c1", "결과"); err != nil {
		t.Fatal(err)
	}
	msgs := sys.Inbox.Drain()
	if len(msgs) != 1 {
		t.Fatalf("system AI inbox = %d messages", len(msgs))
	}
	if msgs[0].TaskID != "sys-1" {
		t.Errorf("msg = %+v", msgs[0])
	}
	parent, _ := f.sysTask.GetTask(context.Background(), "sys-1")
	if parent.PendingDelegations != 0 {
		t.Errorf("system parent pending = %d", parent.PendingDelegations)
	}
}

func TestRootGUIReport(t *testing.T) {
	f := newFixture(t)
	f.tasks.CreateTask(context.Background(), task("r1", func(tk *store.Task) {
		tk.DelegatedTo = "lead"
		tk.WSClientID = "ws-9"
	}))

	if err := f.engine.AgentCompleted(context.Background(), "acme", "lead", "r1", "완료 결과"); err != nil {
		t.Fatal(err)
	}
	if len(f.gui.frames) != 1 {
		t.Fatalf("frames = %d", len(f.gui.frames))
	}
	got := f.gui.frames[0]
	if got.clientID != "ws-9" || got.frame.Content != "완료 결과" || got.frame.Agent != "lead" {
		t.Errorf("frame = %+v", got)
	}
	if f.tasks.has("r1") {
		t.Error("root task not retired")
	}
	if f.tasks.completed["r1"] != "완료 결과" {
		t.Error("completion not recorded before delete")
	}
}

func TestRootGmailReportSubject(t *testing.T) {
	f := newFixture(t)
	f.tasks.CreateTask(context.Background(), task("r1", func(tk *store.Task) {
		tk.RequesterChannel = store.ChannelGmail
		tk.Requester = "boss@example.com"
		tk.DelegatedTo = "lead"
	}))

	if err := f.engine.AgentCompleted(context.Background(), "acme", "lead", "r1", "보고서"); err != nil {
		t.Fatal(err)
	}
	if len(f.out.sent) != 1 {
		t.Fatalf("sent = %d", len(f.out.sent))
	}
	msg := f.out.sent[0]
	if msg.Channel != store.ChannelGmail || msg.Address != "boss@example.com" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Subject != "[작업 완료] r1" {
		t.Errorf("subject = %q", msg.Subject)
	}
}

func TestRootDeliveryFailureStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.gui.err = errors.New("client gone")
	f.tasks.CreateTask(context.Background(), task("r1", func(tk *store.Task) {
		tk.DelegatedTo = "lead"
		tk.WSClientID = "ws-9"
	}))

	if err := f.engine.AgentCompleted(context.Background(), "acme", "lead", "r1", "결과"); err != nil {
		t.Fatal(err)
	}
	if f.tasks.has("r1") {
		t.Error("task survived a failed delivery")
	}
}

func TestRootMediaMarkersBecomeAttachments(t *testing.T) {
	f := newFixture(t)
	f.tasks.CreateTask(context.Background(), task("r1", func(tk *store.Task) {
		tk.RequesterChannel = store.ChannelNostr
		tk.Requester = "npub1owner"
		tk.DelegatedTo = "lead"
	}))

	if err := f.engine.AgentCompleted(context.Background(), "acme", "lead", "r1", "차트입니다\nMEDIA: outputs/chart.png"); err != nil {
		t.Fatal(err)
	}
	msg := f.out.sent[0]
	if strings.Contains(msg.Content, "MEDIA:") {
		t.Errorf("content still carries media marker: %q", msg.Content)
	}
	if len(msg.Media) != 1 || msg.Media[0].Path != "outputs/chart.png" {
		t.Errorf("media = %+v", msg.Media)
	}
}

func TestUnknownTaskIsDropped(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.AgentCompleted(context.Background(), "acme", "lead", "missing", "x"); err != nil {
		t.Errorf("unknown task should not error: %v", err)
	}
}

func TestSpillWritesReportFile(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	f.engine.OutputsDir = func(string) string { return dir }
	long := strings.Repeat("매우 긴 보고서 내용입니다. ", 300)
	f.tasks.CreateTask(context.Background(), task("r1", func(tk *store.Task) {
		tk.RequesterChannel = store.ChannelGmail
		tk.Requester = "boss@example.com"
		tk.DelegatedTo = "lead"
	}))

	if err := f.engine.AgentCompleted(context.Background(), "acme", "lead", "r1", long); err != nil {
		t.Fatal(err)
	}
	msg := f.out.sent[0]
	if !strings.Contains(msg.Content, "(전체 보고서: outputs/r1.md)") {
		t.Errorf("content = %q, want file pointer", msg.Content)
	}
	if len(msg.Content) >= len(long) {
		t.Error("preview not shorter than payload")
	}
	data, err := os.ReadFile(filepath.Join(dir, "r1.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != long {
		t.Error("spilled file differs from payload")
	}
}

func TestSpillWithoutOutputsDirTruncates(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("가", spillThreshold+500)
	got := f.engine.spill("acme", "t1", long)
	if !strings.Contains(got, "[결과가 길어 일부만 포함됨]") {
		t.Errorf("truncation marker missing: %q", got[:80])
	}
	short := "짧은 보고"
	if f.engine.spill("acme", "t1", short) != short {
		t.Error("short payload modified")
	}
}

func TestProgressChildForwardsWithoutCompleting(t *testing.T) {
	f := newFixture(t)
	lead := f.addAgent(t, "acme", "lead")
	f.tasks.CreateTask(context.Background(), task("p1", func(tk *store.Task) {
		tk.DelegatedTo = "lead"
		tk.PendingDelegations = 1
	}))
	f.tasks.CreateTask(context.Background(), task("c1", func(tk *store.Task) {
		tk.ParentTaskID = "p1"
		tk.DelegatedTo = "writer"
		tk.RequesterChannel = store.ChannelInternal
	}))

	if err := f.engine.Progress(context.Background(), "acme", "writer", "c1", "승인이 필요합니다"); err != nil {
		t.Fatal(err)
	}
	msgs := lead.Inbox.Drain()
	if len(msgs) != 1 || msgs[0].Content != "[task:p1] 승인이 필요합니다" {
		t.Fatalf("msgs = %+v", msgs)
	}
	// Neither task moves: the work is paused, not finished.
	if !f.tasks.has("c1") || !f.tasks.has("p1") {
		t.Error("progress retired a task")
	}
	parent, _ := f.tasks.GetTask(context.Background(), "p1")
	if parent.PendingDelegations != 1 {
		t.Errorf("pending = %d, want 1", parent.PendingDelegations)
	}
}

func TestProgressRootGmail(t *testing.T) {
	f := newFixture(t)
	f.tasks.CreateTask(context.Background(), task("r1", func(tk *store.Task) {
		tk.RequesterChannel = store.ChannelGmail
		tk.Requester = "boss@example.com"
		tk.DelegatedTo = "lead"
	}))

	if err := f.engine.Progress(context.Background(), "acme", "lead", "r1", "진행 중"); err != nil {
		t.Fatal(err)
	}
	msg := f.out.sent[0]
	if msg.Subject != "[진행 상황] r1" || msg.Content != "진행 중" {
		t.Errorf("msg = %+v", msg)
	}
	if !f.tasks.has("r1") {
		t.Error("progress completed the task")
	}
}
