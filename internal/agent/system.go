package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/ibl"
	"github.com/nextlevelbuilder/maestro/internal/registry"
	"github.com/nextlevelbuilder/maestro/internal/store"
)

// SystemDeps is what the system action handlers reach into. One binding
// serves every agent of a dispatcher; handlers resolve the acting agent
// from the caller on the context.
type SystemDeps struct {
	Registry *registry.Registry
	Bus      *bus.MessageBus

	// Stores resolves a project id to its storage. SystemProjectID maps
	// to the system AI's own database.
	Stores func(projectID string) *store.Stores
}

// BindSystemActions attaches the runtime implementations of the system
// and messenger nodes to a dispatcher.
func BindSystemActions(d *ibl.Dispatcher, deps SystemDeps) error {
	bindings := map[[2]string]ibl.HandlerFunc{
		{"system", "delegate"}:  deps.handleDelegate,
		{"system", "file"}:      handleFile,
		{"system", "notify"}:    deps.handleNotify,
		{"system", "ask_user"}:  deps.handleAskUser,
		{"system", "approval"}:  handleApproval,
		{"system", "todo"}:      handleTodo,
		{"messenger", "send"}:   deps.handleMessengerSend,
	}
	for key, fn := range bindings {
		if err := d.BindSystem(key[0], key[1], fn); err != nil {
			return err
		}
	}
	return nil
}

// handleDelegate implements [system:delegate]("agent_id"){"message": ...}:
// open a child task under the caller's current task and enqueue the
// request into the target teammate's inbox.
func (deps SystemDeps) handleDelegate(ctx context.Context, step ibl.Step) ibl.Result {
	caller, _ := ibl.CallerFrom(ctx)
	target := strings.TrimSpace(step.Target)
	if target == "" {
		return ibl.Fail(ibl.ErrInvalidInput, "delegate needs a target agent id")
	}
	if target == caller.AgentID {
		return ibl.Fail(ibl.ErrInvalidInput, "an agent cannot delegate to itself")
	}
	message := paramString(step.Params, "message")
	if message == "" {
		return ibl.Fail(ibl.ErrInvalidInput, "delegate needs a non-empty message param")
	}
	return deps.delegate(ctx, caller, caller.ProjectID, target, message)
}

// delegate is shared by same-project and cross-project delegation. The
// child task lives in the target project's store; the parent's delegation
// context and pending counter live wherever the parent task does.
func (deps SystemDeps) delegate(ctx context.Context, caller ibl.Caller, targetProject, targetAgent, message string) ibl.Result {
	if _, ok := deps.Registry.Get(targetProject, targetAgent); !ok {
		res := ibl.Fail(ibl.ErrAgentNotFound, "agent %q not found in project %q", targetAgent, targetProject)
		res.AvailableAgents = deps.Registry.AgentIDs(targetProject)
		return res
	}

	childStores := deps.Stores(targetProject)
	if childStores == nil {
		return ibl.Fail(ibl.ErrHandlerError, "no store for project %q", targetProject)
	}

	now := time.Now()
	child := &store.Task{
		ID:               store.NewTaskID(),
		Requester:        caller.AgentID,
		RequesterChannel: requesterChannelFor(caller),
		OriginalRequest:  message,
		DelegatedTo:      targetAgent,
		ParentTaskID:     caller.TaskID,
		Status:           store.TaskPending,
		CreatedAt:        now,
		Context: store.DelegationContext{
			OriginalRequest: message,
			Requester:       caller.AgentID,
		},
	}
	if err := childStores.Tasks.CreateTask(ctx, child); err != nil {
		return ibl.Fail(ibl.ErrHandlerError, "create child task: %v", err)
	}

	if caller.TaskID != "" {
		if err := deps.recordDelegation(ctx, caller, child, targetAgent, message, now); err != nil {
			slog.Error("record delegation on parent failed",
				"parent", caller.TaskID, "child", child.ID, "error", err)
			if delErr := childStores.Tasks.DeleteTask(ctx, child.ID); delErr != nil {
				slog.Warn("orphan child task cleanup failed", "task", child.ID, "error", delErr)
			}
			return ibl.Fail(ibl.ErrHandlerError, "update parent delegation: %v", err)
		}
	}

	sent := deps.Registry.Send(targetProject, targetAgent, registry.Message{
		Content:   TaskMarker(child.ID) + " " + message,
		FromAgent: caller.AgentID,
		TaskID:    child.ID,
	})
	if !sent {
		// Registered a moment ago but gone now; surface like a lookup miss.
		res := ibl.Fail(ibl.ErrAgentNotFound, "agent %q went away", targetAgent)
		res.AvailableAgents = deps.Registry.AgentIDs(targetProject)
		return res
	}

	if state, ok := RunStateFrom(ctx); ok {
		state.MarkDelegated()
	}
	return ibl.OK(fmt.Sprintf("%s에게 위임했습니다 (task %s). 결과는 완료 보고로 도착합니다.", targetAgent, child.ID))
}

// recordDelegation appends the child to the parent's delegation context
// and bumps pending_delegations. The store does the read-append-write in
// one transaction; a model round can issue several delegations in parallel
// and each record must land.
func (deps SystemDeps) recordDelegation(ctx context.Context, caller ibl.Caller, child *store.Task, targetAgent, message string, now time.Time) error {
	parentStores := deps.Stores(caller.ProjectID)
	if parentStores == nil {
		return fmt.Errorf("no store for project %q", caller.ProjectID)
	}
	return parentStores.Tasks.AppendDelegationAndIncrement(ctx, caller.TaskID, store.DelegationRecord{
		ChildTaskID: child.ID,
		DelegatedTo: targetAgent,
		Message:     message,
		DelegatedAt: now,
	})
}

// requesterChannelFor marks who opened the child: the system AI bridges
// stores, everything else stays internal.
func requesterChannelFor(caller ibl.Caller) string {
	if caller.ProjectID == SystemProjectID {
		return store.ChannelSystemAI
	}
	return store.ChannelInternal
}

// handleNotify pushes a progress note to every connected GUI client.
func (deps SystemDeps) handleNotify(ctx context.Context, step ibl.Step) ibl.Result {
	caller, _ := ibl.CallerFrom(ctx)
	text := firstNonEmpty(step.Target, paramString(step.Params, "message"))
	if text == "" {
		return ibl.Fail(ibl.ErrInvalidInput, "notify needs a message")
	}
	deps.Bus.Broadcast(bus.Event{Name: "notify", Payload: map[string]string{
		"agent":   caller.AgentID,
		"project": caller.ProjectID,
		"content": text,
	}})
	return ibl.OK("알림을 전송했습니다")
}

// handleAskUser forwards a question to the GUI. The answer arrives as a
// fresh inbound message; the current turn continues without it.
func (deps SystemDeps) handleAskUser(ctx context.Context, step ibl.Step) ibl.Result {
	caller, _ := ibl.CallerFrom(ctx)
	question := firstNonEmpty(step.Target, paramString(step.Params, "question"))
	if question == "" {
		return ibl.Fail(ibl.ErrInvalidInput, "ask_user needs a question")
	}
	deps.Bus.Broadcast(bus.Event{Name: "ask_user", Payload: map[string]string{
		"agent":    caller.AgentID,
		"project":  caller.ProjectID,
		"task_id":  caller.TaskID,
		"question": question,
	}})
	return ibl.OK("질문을 사용자에게 전달했습니다. 응답은 새 메시지로 도착합니다.")
}

// handleApproval returns the approval marker; the tool loop treats it as a
// terminal state and the task stays open until the user answers.
func handleApproval(ctx context.Context, step ibl.Step) ibl.Result {
	details := firstNonEmpty(step.Target, paramString(step.Params, "details"))
	if details == "" {
		return ibl.Fail(ibl.ErrInvalidInput, "approval needs a description of the action awaiting approval")
	}
	return ibl.OK(ApprovalMarker + details)
}

// handleMessengerSend implements [messenger:send]("gmail,addr"). The frame
// goes through the outbound bus so the channel manager's rate limiting and
// worker resolution apply.
func (deps SystemDeps) handleMessengerSend(ctx context.Context, step ibl.Step) ibl.Result {
	caller, _ := ibl.CallerFrom(ctx)
	kind, address, ok := strings.Cut(step.Target, ",")
	if !ok || strings.TrimSpace(address) == "" {
		return ibl.Fail(ibl.ErrInvalidInput, `messenger:send target must be "channel,address"`)
	}
	kind = strings.TrimSpace(kind)
	switch kind {
	case store.ChannelGmail, store.ChannelNostr:
	default:
		return ibl.Fail(ibl.ErrInvalidInput, "unknown channel %q (gmail, nostr)", kind)
	}
	body := firstNonEmpty(paramString(step.Params, "body"), paramString(step.Params, ibl.PrevResultKey))
	if body == "" {
		return ibl.Fail(ibl.ErrInvalidInput, "messenger:send needs a body param")
	}
	out := bus.OutboundMessage{
		Channel:   kind,
		ProjectID: caller.ProjectID,
		AgentID:   caller.AgentID,
		Address:   strings.TrimSpace(address),
		Subject:   paramString(step.Params, "subject"),
		Content:   body,
	}
	if attach := paramString(step.Params, "attachment"); attach != "" {
		out.Media = []bus.MediaAttachment{{Path: attach}}
	}
	deps.Bus.PublishOutbound(out)
	return ibl.OK(fmt.Sprintf("%s 채널로 발송 대기열에 추가했습니다 (%s)", kind, out.Address))
}

// handleFile implements workspace file access: "read,path", "write,path"
// with a content param, "list,dir". Paths stay inside the project dir.
func handleFile(ctx context.Context, step ibl.Step) ibl.Result {
	caller, _ := ibl.CallerFrom(ctx)
	if caller.ProjectDir == "" {
		return ibl.Fail(ibl.ErrHandlerError, "no workspace directory for this agent")
	}
	op, rel, _ := strings.Cut(step.Target, ",")
	op = strings.TrimSpace(op)
	abs, err := workspacePath(caller.ProjectDir, rel)
	if err != nil {
		return ibl.Fail(ibl.ErrInvalidInput, "%v", err)
	}
	switch op {
	case "read":
		data, err := os.ReadFile(abs)
		if err != nil {
			return ibl.Fail(ibl.ErrHandlerError, "read %s: %v", rel, err)
		}
		return ibl.OK(string(data))
	case "write":
		content := firstNonEmpty(paramString(step.Params, "content"), paramString(step.Params, ibl.PrevResultKey))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return ibl.Fail(ibl.ErrHandlerError, "mkdir for %s: %v", rel, err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return ibl.Fail(ibl.ErrHandlerError, "write %s: %v", rel, err)
		}
		return ibl.OK(fmt.Sprintf("wrote %d bytes to %s", len(content), rel))
	case "list":
		entries, err := os.ReadDir(abs)
		if err != nil {
			return ibl.Fail(ibl.ErrHandlerError, "list %s: %v", rel, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return ibl.OK(strings.Join(names, "\n"))
	}
	return ibl.Fail(ibl.ErrInvalidInput, `file target must be "read,path", "write,path" or "list,dir"`)
}

// handleTodo keeps a per-project todo list in todo.md.
func handleTodo(ctx context.Context, step ibl.Step) ibl.Result {
	caller, _ := ibl.CallerFrom(ctx)
	if caller.ProjectDir == "" {
		return ibl.Fail(ibl.ErrHandlerError, "no workspace directory for this agent")
	}
	path := filepath.Join(caller.ProjectDir, "todo.md")
	op, rest, _ := strings.Cut(step.Target, ",")
	switch strings.TrimSpace(op) {
	case "add":
		item := firstNonEmpty(strings.TrimSpace(rest), paramString(step.Params, "item"))
		if item == "" {
			return ibl.Fail(ibl.ErrInvalidInput, "todo add needs an item")
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return ibl.Fail(ibl.ErrHandlerError, "open todo: %v", err)
		}
		defer f.Close()
		if _, err := fmt.Fprintf(f, "- [ ] %s\n", item); err != nil {
			return ibl.Fail(ibl.ErrHandlerError, "append todo: %v", err)
		}
		return ibl.OK("추가했습니다: " + item)
	case "list":
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return ibl.OK("할 일이 없습니다")
		}
		if err != nil {
			return ibl.Fail(ibl.ErrHandlerError, "read todo: %v", err)
		}
		return ibl.OK(string(data))
	}
	return ibl.Fail(ibl.ErrInvalidInput, `todo target must be "add,item" or "list"`)
}

// workspacePath resolves rel inside root, rejecting escapes.
func workspacePath(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		rel = "."
	}
	abs := filepath.Join(root, filepath.Clean("/"+rel))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
