// Package report implements the auto-report chain: a finished agent turn
// either climbs the delegation tree toward its parent task or, for root
// tasks, leaves through the channel that opened them.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/agent"
	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/registry"
	"github.com/nextlevelbuilder/maestro/internal/store"
	"github.com/nextlevelbuilder/maestro/pkg/protocol"
)

// completionSubject frames the gmail subject of a finished root task.
const completionSubject = "[작업 완료] "

// parallelDigestHeader opens the combined report when several delegations
// of one cycle resolved.
const parallelDigestHeader = "[병렬 위임 결과 통합 보고]"

// GUIPusher delivers a frame to one connected GUI client. The gateway
// implements it.
type GUIPusher interface {
	Push(clientID string, frame protocol.AutoReportFrame) error
}

// ChannelSender hands an outbound message to the channel layer. The
// channel manager implements it.
type ChannelSender interface {
	SendTo(ctx context.Context, msg bus.OutboundMessage) error
}

// Engine routes completed work. It implements agent.Reporter.
type Engine struct {
	Registry *registry.Registry

	// Project resolves a project id to its storage. System resolves the
	// system AI's own database; the two are separate because system-AI
	// parent tasks live outside any project store.
	Project func(projectID string) *store.Stores
	System  *store.Stores

	GUI      GUIPusher
	Channels ChannelSender

	// OutputsDir maps a project id to its outputs directory for report
	// spillover. Nil or empty-returning is fine; spillover then truncates.
	OutputsDir func(projectID string) string
}

func (e *Engine) stores(projectID string) *store.Stores {
	if projectID == agent.SystemProjectID {
		return e.System
	}
	if e.Project == nil {
		return nil
	}
	return e.Project(projectID)
}

// AgentCompleted routes one finished turn. Child tasks report to their
// parent; root tasks report to their requester. A missing task is not an
// error: cancels and restarts can race the report.
func (e *Engine) AgentCompleted(ctx context.Context, projectID, agentID, taskID, response string) error {
	stores := e.stores(projectID)
	if stores == nil {
		return fmt.Errorf("no store for project %q", projectID)
	}
	task, err := stores.Tasks.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		slog.Warn("report for unknown task dropped", "task", taskID, "agent", agentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	if task.IsRoot() {
		return e.reportRoot(ctx, projectID, agentID, task, response)
	}
	return e.reportChild(ctx, projectID, agentID, stores, task, response)
}

// reportChild resolves one delegation: record the response on the parent,
// retire the child task, and when the parent's last outstanding delegation
// just resolved, wake the parent with the aggregated payload.
func (e *Engine) reportChild(ctx context.Context, projectID, agentID string, childStores *store.Stores, task *store.Task, response string) error {
	parentProject := projectID
	parentStores := childStores
	parent, err := parentStores.Tasks.GetTask(ctx, task.ParentTaskID)
	if errors.Is(err, store.ErrTaskNotFound) && task.RequesterChannel == store.ChannelSystemAI {
		// The system AI opened this task; its parent lives in the system
		// database, not the project's.
		parentProject = agent.SystemProjectID
		parentStores = e.System
		parent, err = parentStores.Tasks.GetTask(ctx, task.ParentTaskID)
	}
	if err != nil {
		slog.Error("parent task unavailable, child result dropped",
			"child", task.ID, "parent", task.ParentTaskID, "error", err)
		e.retire(ctx, childStores, task.ID, response)
		return nil
	}

	newPending, merged, err := parentStores.Tasks.DecrementPendingAndUpdateContext(ctx, parent.ID, store.ResponseRecord{
		ChildTaskID: task.ID,
		FromAgent:   agentID,
		Response:    response,
		CompletedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("record response on parent %s: %w", parent.ID, err)
	}
	e.retire(ctx, childStores, task.ID, response)

	if newPending > 0 {
		slog.Debug("delegation resolved, siblings still pending",
			"parent", parent.ID, "pending", newPending)
		return nil
	}

	payload := aggregate(merged, response)
	payload = e.spill(parentProject, parent.ID, payload)

	sent := e.Registry.Send(parentProject, parent.DelegatedTo, registry.Message{
		Content:   agent.TaskMarker(parent.ID) + " 완료.\n" + payload,
		FromAgent: agentID,
		TaskID:    parent.ID,
	})
	if !sent {
		slog.Error("parent agent unreachable, report dropped",
			"parent", parent.ID, "agent", parent.DelegatedTo)
	}
	return nil
}

// aggregate chooses the payload delivered to the parent when the pending
// counter reaches zero. Several responses in the cycle mean the parent
// fanned out; they come back as one combined digest. A single response is
// forwarded as-is.
func aggregate(merged store.DelegationContext, own string) string {
	if len(merged.Responses) < 2 {
		return own
	}
	var b strings.Builder
	b.WriteString(parallelDigestHeader)
	b.WriteString("\n\n")
	for _, r := range merged.Responses {
		fmt.Fprintf(&b, "◆ %s:\n%s\n\n", r.FromAgent, r.Response)
	}
	return strings.TrimRight(b.String(), "\n")
}

// reportRoot delivers a finished root task's result to its requester and
// retires the task. Delivery failure never blocks completion; the task
// lifecycle is the source of truth, the notification is best effort.
func (e *Engine) reportRoot(ctx context.Context, projectID, agentID string, task *store.Task, response string) error {
	response = e.spill(projectID, task.ID, response)

	switch task.RequesterChannel {
	case store.ChannelGUI:
		if e.GUI == nil || task.WSClientID == "" {
			slog.Warn("gui report dropped, no client", "task", task.ID)
			break
		}
		err := e.GUI.Push(task.WSClientID, protocol.AutoReportFrame{
			Type:    protocol.FrameAutoReport,
			Content: response,
			Agent:   agentID,
		})
		if err != nil {
			slog.Warn("gui report dropped, client gone", "task", task.ID, "client", task.WSClientID, "error", err)
		}

	case store.ChannelGmail:
		e.sendOut(ctx, bus.OutboundMessage{
			Channel:   store.ChannelGmail,
			ProjectID: projectID,
			AgentID:   agentID,
			Address:   task.Requester,
			Subject:   completionSubject + task.ID,
			Content:   response,
		}, task.ID)

	case store.ChannelNostr:
		e.sendOut(ctx, bus.OutboundMessage{
			Channel:   store.ChannelNostr,
			ProjectID: projectID,
			AgentID:   agentID,
			Address:   task.Requester,
			Content:   response,
		}, task.ID)

	default:
		slog.Warn("no report route for channel, completing silently",
			"task", task.ID, "channel", task.RequesterChannel)
	}

	e.retire(ctx, e.stores(projectID), task.ID, response)
	return nil
}

// Progress forwards text toward the requester without completing the
// task. Approval requests travel this path: the turn ended but the work is
// paused, so the task row must survive for the answer to resume it.
func (e *Engine) Progress(ctx context.Context, projectID, agentID, taskID, text string) error {
	stores := e.stores(projectID)
	if stores == nil {
		return fmt.Errorf("no store for project %q", projectID)
	}
	task, err := stores.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	if !task.IsRoot() {
		parentProject := projectID
		if task.RequesterChannel == store.ChannelSystemAI {
			if _, perr := stores.Tasks.GetTask(ctx, task.ParentTaskID); errors.Is(perr, store.ErrTaskNotFound) {
				parentProject = agent.SystemProjectID
			}
		}
		parent, perr := e.stores(parentProject).Tasks.GetTask(ctx, task.ParentTaskID)
		if perr != nil {
			return fmt.Errorf("load parent %s: %w", task.ParentTaskID, perr)
		}
		if !e.Registry.Send(parentProject, parent.DelegatedTo, registry.Message{
			Content:   agent.TaskMarker(parent.ID) + " " + text,
			FromAgent: agentID,
			TaskID:    parent.ID,
		}) {
			return fmt.Errorf("parent agent %q unreachable", parent.DelegatedTo)
		}
		return nil
	}

	switch task.RequesterChannel {
	case store.ChannelGUI:
		if e.GUI == nil || task.WSClientID == "" {
			return fmt.Errorf("no gui client for task %s", task.ID)
		}
		return e.GUI.Push(task.WSClientID, protocol.AutoReportFrame{
			Type:    protocol.FrameAutoReport,
			Content: text,
			Agent:   agentID,
		})
	case store.ChannelGmail:
		return e.Channels.SendTo(ctx, bus.OutboundMessage{
			Channel:   store.ChannelGmail,
			ProjectID: projectID,
			AgentID:   agentID,
			Address:   task.Requester,
			Subject:   "[진행 상황] " + task.ID,
			Content:   text,
		})
	case store.ChannelNostr:
		return e.Channels.SendTo(ctx, bus.OutboundMessage{
			Channel:   store.ChannelNostr,
			ProjectID: projectID,
			AgentID:   agentID,
			Address:   task.Requester,
			Content:   text,
		})
	}
	return fmt.Errorf("no progress route for channel %q", task.RequesterChannel)
}

// sendOut delivers through the channel layer. Media markers embedded in
// the content become attachments.
func (e *Engine) sendOut(ctx context.Context, msg bus.OutboundMessage, taskID string) {
	if e.Channels == nil {
		slog.Warn("no channel sender wired, report dropped", "task", taskID, "channel", msg.Channel)
		return
	}
	clean, paths := agent.CollectMediaPaths(msg.Content)
	msg.Content = clean
	for _, p := range paths {
		msg.Media = append(msg.Media, bus.MediaAttachment{Path: p})
	}
	if err := e.Channels.SendTo(ctx, msg); err != nil {
		slog.Warn("channel report delivery failed", "task", taskID, "channel", msg.Channel, "error", err)
	}
}

// retire completes then removes a task. Completion is recorded first so a
// crash between the two leaves a completed row, not a lost one.
func (e *Engine) retire(ctx context.Context, stores *store.Stores, taskID, result string) {
	if stores == nil {
		return
	}
	if err := stores.Tasks.CompleteTask(ctx, taskID, result); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		slog.Warn("complete task failed", "task", taskID, "error", err)
	}
	if err := stores.Tasks.DeleteTask(ctx, taskID); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		slog.Warn("delete task failed", "task", taskID, "error", err)
	}
}
