package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/agent"
	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/registry"
	"github.com/nextlevelbuilder/maestro/internal/store"
)

// consumeInbound drains the channel workers' inbound queue: every owner
// message becomes a root task bound to its origin so the report engine
// knows where the answer goes.
func (r *rt) consumeInbound(ctx context.Context) {
	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if err := r.routeInbound(ctx, msg); err != nil {
			slog.Error("inbound message dropped",
				"channel", msg.Channel, "sender", msg.SenderID, "error", err)
		}
	}
}

func (r *rt) routeInbound(ctx context.Context, msg bus.InboundMessage) error {
	projectID, agentID := r.inboundTarget(msg)
	if agentID == "" {
		slog.Warn("inbound message has no target agent and no system AI is enabled",
			"channel", msg.Channel, "sender", msg.SenderID)
		return nil
	}

	content := msg.Content
	if msg.Subject != "" {
		content = msg.Subject + "\n\n" + msg.Content
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	// Replies carrying a task id resume that task instead of opening a
	// new one (approval answers, follow-ups).
	taskID := msg.TaskID
	if taskID == "" {
		stores := r.stores[projectID]
		if stores == nil {
			return fmt.Errorf("no store for project %q", projectID)
		}
		task := &store.Task{
			ID:               store.NewTaskID(),
			Requester:        msg.SenderID,
			RequesterChannel: msg.Channel,
			OriginalRequest:  content,
			DelegatedTo:      agentID,
			Status:           store.TaskPending,
			WSClientID:       msg.WSClientID,
			CreatedAt:        time.Now(),
		}
		if err := stores.Tasks.CreateTask(ctx, task); err != nil {
			return err
		}
		taskID = task.ID
	}

	if !r.registry.Send(projectID, agentID, registry.Message{
		Content:    content,
		TaskID:     taskID,
		Channel:    msg.Channel,
		WSClientID: msg.WSClientID,
		EnqueuedAt: time.Now(),
	}) {
		return fmt.Errorf("agent %s/%s is not accepting work", projectID, agentID)
	}
	return nil
}

// inboundTarget picks the agent an external message lands on. Channel
// workers stamp their own project/agent; anything unaddressed goes to the
// system AI when it is enabled.
func (r *rt) inboundTarget(msg bus.InboundMessage) (projectID, agentID string) {
	if msg.ProjectID != "" && msg.AgentID != "" {
		return msg.ProjectID, msg.AgentID
	}
	if r.cfg.SystemAI.Enabled {
		return agent.SystemProjectID, agent.SystemAgentID
	}
	return "", ""
}
