// Package agent hosts the per-agent run loops: inbox draining, prompt
// assembly, the provider tool loop and the hand-off to the report engine.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/maestro/internal/ibl"
	"github.com/nextlevelbuilder/maestro/internal/providers"
	"github.com/nextlevelbuilder/maestro/internal/registry"
	"github.com/nextlevelbuilder/maestro/internal/store"
)

// inboxWait is how long one Pop blocks. Short enough that a process
// cancel is observed promptly; long enough not to spin.
const inboxWait = 5 * time.Second

// failureReply is what the requester sees when a provider round dies.
const failureReply = "요청을 처리하는 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요."

// Reporter is the slice of the report engine the runner needs. The report
// package implements it; the indirection keeps the import one-way.
type Reporter interface {
	// AgentCompleted routes a finished task's result: up the delegation
	// tree, or out to the originating channel for root tasks.
	AgentCompleted(ctx context.Context, projectID, agentID, taskID, response string) error

	// Progress delivers text to the requester without completing the
	// task. Used for approval requests, which pause rather than finish.
	Progress(ctx context.Context, projectID, agentID, taskID, text string) error
}

// RunnerConfig assembles one agent runner.
type RunnerConfig struct {
	ProjectID  string
	ProjectDir string
	AgentID    string
	Name       string
	RoleText   string
	Notes      string

	AllowedNodes []string
	PeerAgents   []string
	HistoryLimit int
	SystemAI     bool

	Provider    providers.Provider
	Model       string
	MaxTokens   int
	Temperature *float64

	Dispatcher *ibl.Dispatcher
	Registry   *registry.Registry
	Stores     *store.Stores
	Reporter   Reporter
	Cancels    *CancelTable
	External   bool
}

// Runner is one agent's long-lived worker. Exactly one goroutine drains
// its inbox; everything the agent does happens on that goroutine.
type Runner struct {
	cfg          RunnerConfig
	entry        *registry.Entry
	loop         *ToolLoop
	systemPrompt string
	tracer       trace.Tracer

	wg     sync.WaitGroup
	cancel context.CancelFunc
	stopMu sync.Mutex
}

// NewRunner builds and registers a runner. The registry entry exists from
// here on, so delegations can target the agent before Start is called.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("agent %s: no provider", cfg.AgentID)
	}
	if cfg.Dispatcher == nil || cfg.Registry == nil || cfg.Stores == nil || cfg.Reporter == nil {
		return nil, fmt.Errorf("agent %s: incomplete wiring", cfg.AgentID)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.AgentID
	}
	if cfg.Cancels == nil {
		cfg.Cancels = NewCancelTable()
	}

	r := &Runner{
		cfg: cfg,
		loop: &ToolLoop{
			Provider:    cfg.Provider,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Dispatcher:  cfg.Dispatcher,
		},
		tracer: otel.Tracer("maestro/agent"),
	}
	r.systemPrompt = BuildSystemPrompt(PromptInput{
		AgentName: cfg.Name,
		ProjectID: cfg.ProjectID,
		RoleText:  cfg.RoleText,
		Notes:     cfg.Notes,
		Catalog:   cfg.Dispatcher.Describe(r.caller("")),
		Peers:     cfg.PeerAgents,
		SystemAI:  cfg.SystemAI,
	})

	r.entry = &registry.Entry{
		ProjectID: cfg.ProjectID,
		AgentID:   cfg.AgentID,
		Name:      cfg.Name,
		External:  cfg.External,
	}
	if err := cfg.Registry.Register(r.entry); err != nil {
		return nil, err
	}
	return r, nil
}

// ProjectID returns the owning project.
func (r *Runner) ProjectID() string { return r.cfg.ProjectID }

// AgentID returns the agent id.
func (r *Runner) AgentID() string { return r.cfg.AgentID }

// Start launches the run loop.
func (r *Runner) Start(ctx context.Context) {
	r.stopMu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.stopMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
	slog.Info("agent started", "project", r.cfg.ProjectID, "agent", r.cfg.AgentID)
}

// Stop cancels the loop, waits for the in-flight turn and deregisters.
func (r *Runner) Stop() {
	r.stopMu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.stopMu.Unlock()
	r.wg.Wait()
	r.cfg.Registry.Deregister(r.cfg.ProjectID, r.cfg.AgentID)
	slog.Info("agent stopped", "project", r.cfg.ProjectID, "agent", r.cfg.AgentID)
}

func (r *Runner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := r.entry.Inbox.Pop(ctx, inboxWait)
		if !ok {
			continue
		}
		if msg.Content == "" {
			// Malformed entries are dropped, never crash the loop.
			slog.Warn("skipping empty inbox message", "agent", r.cfg.AgentID, "from", msg.FromAgent)
			continue
		}
		r.handle(ctx, msg)
	}
}

// handle processes one inbox message end to end: one provider turn, one
// persisted exchange, at most one report.
func (r *Runner) handle(ctx context.Context, msg registry.Message) {
	taskID := msg.TaskID
	content := msg.Content
	if taskID == "" {
		taskID, content = SplitTaskMarker(content)
	} else if id, rest := SplitTaskMarker(content); id == taskID {
		content = rest
	}

	ctx, span := r.tracer.Start(ctx, "agent.handle", trace.WithAttributes(
		attribute.String("agent.id", r.cfg.AgentID),
		attribute.String("task.id", taskID),
	))
	defer span.End()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	release := r.cfg.Cancels.Register(taskID, cancelRun)
	defer release()

	state := &RunState{}
	runCtx = WithRunState(runCtx, state)
	runCtx = ibl.WithCaller(runCtx, r.caller(taskID))

	r.saveMessage(ctx, msg.FromAgent, r.cfg.AgentID, msg.Content, contactTypeFor(msg))

	messages := r.buildMessages(ctx, taskID, content)
	result, err := r.loop.Run(runCtx, messages, nil)

	switch {
	case err == context.Canceled || runCtx.Err() != nil:
		slog.Info("turn cancelled", "agent", r.cfg.AgentID, "task", taskID)
		return
	case err != nil:
		slog.Error("provider turn failed", "agent", r.cfg.AgentID, "task", taskID, "error", err)
		r.saveMessage(ctx, r.cfg.AgentID, msg.FromAgent, failureReply, store.ContactAgent)
		if taskID != "" {
			r.report(ctx, taskID, failureReply)
		}
		return
	}

	r.saveMessage(ctx, r.cfg.AgentID, msg.FromAgent, result.Text, store.ContactAgent)

	switch {
	case result.ApprovalRequested:
		// The task stays open; the requester decides how to proceed.
		if taskID != "" {
			if perr := r.cfg.Reporter.Progress(ctx, r.cfg.ProjectID, r.cfg.AgentID, taskID, result.Text); perr != nil {
				slog.Error("approval delivery failed", "agent", r.cfg.AgentID, "task", taskID, "error", perr)
			}
		}
	case state.Delegated():
		// Suppressed: the delegated agent reports back later.
		slog.Debug("auto-report suppressed after delegation", "agent", r.cfg.AgentID, "task", taskID)
	case taskID != "":
		r.report(ctx, taskID, result.Text)
	default:
		slog.Debug("turn finished without task scope", "agent", r.cfg.AgentID)
	}
}

// buildMessages assembles the provider conversation: system prompt,
// bounded history, then the current message with the delegation awareness
// block when the task carries one.
func (r *Runner) buildMessages(ctx context.Context, taskID, content string) []providers.Message {
	messages := []providers.Message{{Role: "system", Content: r.systemPrompt}}
	messages = append(messages, LoadHistory(ctx, r.cfg.Stores.Conversations, r.cfg.AgentID, r.cfg.HistoryLimit)...)

	if taskID != "" {
		if task, err := r.cfg.Stores.Tasks.GetTask(ctx, taskID); err == nil {
			if block := AwarenessBlock(task.Context); block != "" {
				content = block + "\n" + content
			}
		}
	}
	return append(messages, providers.Message{Role: "user", Content: content})
}

func (r *Runner) report(ctx context.Context, taskID, text string) {
	if err := r.cfg.Reporter.AgentCompleted(ctx, r.cfg.ProjectID, r.cfg.AgentID, taskID, text); err != nil {
		slog.Error("auto-report failed", "agent", r.cfg.AgentID, "task", taskID, "error", err)
	}
}

func (r *Runner) saveMessage(ctx context.Context, from, to, content, contactType string) {
	if content == "" {
		return
	}
	err := r.cfg.Stores.Conversations.SaveMessage(ctx, &store.Message{
		FromAgent:   from,
		ToAgent:     to,
		Content:     content,
		ContactType: contactType,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		slog.Warn("save message failed", "agent", r.cfg.AgentID, "error", err)
	}
}

func (r *Runner) caller(taskID string) ibl.Caller {
	return ibl.Caller{
		ProjectID:    r.cfg.ProjectID,
		ProjectDir:   r.cfg.ProjectDir,
		AgentID:      r.cfg.AgentID,
		TaskID:       taskID,
		AllowedNodes: r.cfg.AllowedNodes,
	}
}

// contactTypeFor classifies an inbox message for the conversation log.
// Only delegation traffic carries both a sending agent and a task id:
// delegation requests and the completion reports coming back up.
func contactTypeFor(msg registry.Message) string {
	switch {
	case msg.FromAgent != "" && msg.TaskID != "":
		return store.ContactDelegation
	case msg.FromAgent != "":
		return store.ContactAgent
	case msg.Channel == store.ChannelGUI || msg.Channel == "":
		return store.ContactUser
	default:
		return store.ContactChannel
	}
}
