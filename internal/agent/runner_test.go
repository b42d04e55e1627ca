package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/ibl"
	"github.com/nextlevelbuilder/maestro/internal/providers"
	"github.com/nextlevelbuilder/maestro/internal/registry"
	"github.com/nextlevelbuilder/maestro/internal/store"
)

type reportCall struct {
	taskID   string
	response string
	progress bool
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []reportCall
	err   error
}

func (f *fakeReporter) AgentCompleted(ctx context.Context, projectID, agentID, taskID, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reportCall{taskID: taskID, response: response})
	return f.err
}

func (f *fakeReporter) Progress(ctx context.Context, projectID, agentID, taskID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reportCall{taskID: taskID, response: text, progress: true})
	return f.err
}

type failProvider struct{}

func (failProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, errors.New("upstream 500")
}
func (p failProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (failProvider) DefaultModel() string { return "test-model" }
func (failProvider) Name() string         { return "fail" }

// testRunner wires a runner around in-memory stores and a fresh registry.
// bind runs against the dispatcher after the system actions are attached.
func testRunner(t *testing.T, p providers.Provider, rep *fakeReporter, tasks *memTaskStore, bind func(*ibl.Dispatcher, *registry.Registry)) *Runner {
	t.Helper()
	reg := registry.New()
	stores := memStores(tasks)
	d := ibl.New()
	deps := SystemDeps{
		Registry: reg,
		Bus:      bus.New(),
		Stores:   func(string) *store.Stores { return stores },
	}
	if err := BindSystemActions(d, deps); err != nil {
		t.Fatal(err)
	}
	if bind != nil {
		bind(d, reg)
	}
	r, err := NewRunner(RunnerConfig{
		ProjectID:  "acme",
		ProjectDir: t.TempDir(),
		AgentID:    "lead",
		Provider:   p,
		Model:      "test-model",
		Dispatcher: d,
		Registry:   reg,
		Stores:     stores,
		Reporter:   rep,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func pendingTask(tasks *memTaskStore, id string) {
	tasks.CreateTask(context.Background(), &store.Task{
		ID: id, Requester: "owner", RequesterChannel: store.ChannelGUI,
		OriginalRequest: "요청", DelegatedTo: "lead",
		Status: store.TaskPending, CreatedAt: time.Now(),
	})
}

func TestHandleReportsCompletion(t *testing.T) {
	rep := &fakeReporter{}
	tasks := newMemTaskStore()
	pendingTask(tasks, "t1")
	p := &scriptProvider{responses: []*providers.ChatResponse{{Content: "완료했습니다"}}}
	r := testRunner(t, p, rep, tasks, nil)

	r.handle(context.Background(), registry.Message{Content: "[task:t1] 진행해 주세요", FromAgent: "owner"})

	if len(rep.calls) != 1 || rep.calls[0].progress {
		t.Fatalf("calls = %+v", rep.calls)
	}
	if rep.calls[0].taskID != "t1" || rep.calls[0].response != "완료했습니다" {
		t.Errorf("call = %+v", rep.calls[0])
	}

	// Both sides of the exchange land in the conversation log.
	hist, _ := r.cfg.Stores.Conversations.History(context.Background(), "lead", 10)
	if len(hist) != 2 {
		t.Errorf("history len = %d", len(hist))
	}

	// The marker must have been stripped before the model saw the content.
	last := p.requests[0].Messages[len(p.requests[0].Messages)-1]
	if strings.Contains(last.Content, "[task:") {
		t.Errorf("model saw raw marker: %q", last.Content)
	}
}

func TestHandleSuppressesReportAfterDelegation(t *testing.T) {
	rep := &fakeReporter{}
	tasks := newMemTaskStore()
	pendingTask(tasks, "t1")
	p := &scriptProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{pipelineCall("c1", `[system:delegate]("writer"){"message": "초안 작성"}`)}},
		{Content: "writer에게 맡겼습니다"},
	}}
	r := testRunner(t, p, rep, tasks, func(d *ibl.Dispatcher, reg *registry.Registry) {
		reg.Register(&registry.Entry{ProjectID: "acme", AgentID: "writer"})
	})

	r.handle(context.Background(), registry.Message{Content: "진행해 주세요", FromAgent: "owner", TaskID: "t1"})

	if len(rep.calls) != 0 {
		t.Fatalf("report not suppressed: %+v", rep.calls)
	}
	got, _ := tasks.GetTask(context.Background(), "t1")
	if got.PendingDelegations != 1 {
		t.Errorf("pending = %d, want 1", got.PendingDelegations)
	}
}

func TestHandleApprovalRoutesProgress(t *testing.T) {
	rep := &fakeReporter{}
	tasks := newMemTaskStore()
	pendingTask(tasks, "t1")
	p := &scriptProvider{responses: []*providers.ChatResponse{
		{Content: "승인이 필요합니다", ToolCalls: []providers.ToolCall{pipelineCall("c1", `[system:approval]("메일 발송")`)}},
	}}
	r := testRunner(t, p, rep, tasks, nil)

	r.handle(context.Background(), registry.Message{Content: "메일을 보내 주세요", FromAgent: "owner", TaskID: "t1"})

	if len(rep.calls) != 1 || !rep.calls[0].progress {
		t.Fatalf("calls = %+v", rep.calls)
	}
	if !strings.Contains(rep.calls[0].response, "메일 발송") {
		t.Errorf("progress text = %q", rep.calls[0].response)
	}
	// The task stays pending until the user answers.
	got, err := tasks.GetTask(context.Background(), "t1")
	if err != nil || got.Status != store.TaskPending {
		t.Errorf("task = %+v, err = %v", got, err)
	}
}

func TestHandleProviderFailureStillReports(t *testing.T) {
	rep := &fakeReporter{}
	tasks := newMemTaskStore()
	pendingTask(tasks, "t1")
	r := testRunner(t, failProvider{}, rep, tasks, nil)

	r.handle(context.Background(), registry.Message{Content: "진행", FromAgent: "owner", TaskID: "t1"})

	if len(rep.calls) != 1 || rep.calls[0].response != failureReply {
		t.Fatalf("calls = %+v", rep.calls)
	}
}

func TestHandleAwarenessBlockInPrompt(t *testing.T) {
	rep := &fakeReporter{}
	tasks := newMemTaskStore()
	tasks.CreateTask(context.Background(), &store.Task{
		ID: "t1", Requester: "owner", RequesterChannel: store.ChannelGUI,
		DelegatedTo: "lead", Status: store.TaskPending, CreatedAt: time.Now(),
		Context: store.DelegationContext{
			OriginalRequest: "보고서",
			Responses: []store.ResponseRecord{
				{ChildTaskID: "c1", FromAgent: "writer", Response: "초안", CompletedAt: time.Now()},
			},
			Delegations: []store.DelegationRecord{
				{ChildTaskID: "c1", DelegatedTo: "writer", Message: "초안 작성", DelegatedAt: time.Now()},
			},
		},
	})
	p := &scriptProvider{responses: []*providers.ChatResponse{{Content: "통합 완료"}}}
	r := testRunner(t, p, rep, tasks, nil)

	r.handle(context.Background(), registry.Message{Content: "[task:t1] 완료.\n초안", FromAgent: "writer"})

	last := p.requests[0].Messages[len(p.requests[0].Messages)-1]
	if !strings.Contains(last.Content, "[위임 컨텍스트]") || !strings.Contains(last.Content, "writer") {
		t.Errorf("awareness block missing from prompt: %q", last.Content)
	}
}

func TestContactTypeClassification(t *testing.T) {
	cases := []struct {
		name string
		msg  registry.Message
		want string
	}{
		{"delegation request", registry.Message{FromAgent: "lead", TaskID: "c1"}, store.ContactDelegation},
		{"completion report", registry.Message{FromAgent: "writer", TaskID: "p1"}, store.ContactDelegation},
		{"peer chatter", registry.Message{FromAgent: "writer"}, store.ContactAgent},
		{"gui request", registry.Message{Channel: store.ChannelGUI, TaskID: "t1"}, store.ContactUser},
		{"gmail request", registry.Message{Channel: store.ChannelGmail, TaskID: "t1"}, store.ContactChannel},
	}
	for _, tc := range cases {
		if got := contactTypeFor(tc.msg); got != tc.want {
			t.Errorf("%s: contact type = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRunnerRequiresWiring(t *testing.T) {
	if _, err := NewRunner(RunnerConfig{AgentID: "x"}); err == nil {
		t.Error("no provider accepted")
	}
}
