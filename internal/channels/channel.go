// Package channels connects external transports (Gmail, Nostr) to the agent
// runtime via the message bus. Each external agent account gets its own
// channel worker; the manager owns their lifecycle and dispatches outbound
// frames with per-channel rate limiting.
package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/maestro/internal/bus"
)

// InternalChannels are routed inside the process (gateway push, agent
// inboxes) and never reach channel workers.
var InternalChannels = map[string]bool{
	"gui":    true,
	"agent":  true,
	"system": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// Status is a channel worker's lifecycle state.
type Status string

const (
	// StatusDisabled means the channel is off: not configured, or pinned
	// after repeated authentication failures.
	StatusDisabled Status = "disabled"
	// StatusAuthenticating means credentials are being verified.
	StatusAuthenticating Status = "authenticating"
	// StatusLive means the channel accepts inbound and outbound traffic.
	StatusLive Status = "live"
	// StatusReconnecting means the transport dropped and the worker is
	// re-establishing it. Outbound sends fail fast in this state.
	StatusReconnecting Status = "reconnecting"
)

// Channel is one external transport worker bound to a single agent account.
type Channel interface {
	// Name returns the transport kind ("gmail", "nostr").
	Name() string

	// Start begins the channel worker. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the worker down.
	Stop(ctx context.Context) error

	// Send delivers an outbound message through this channel's account.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Status reports the worker's lifecycle state.
	Status() Status
}

// BaseChannel carries the state shared by all channel workers. Channel
// implementations embed it.
type BaseChannel struct {
	name      string
	projectID string
	agentID   string
	bus       *bus.MessageBus

	mu     sync.RWMutex
	status Status
}

// NewBaseChannel creates a BaseChannel bound to one agent account.
func NewBaseChannel(name, projectID, agentID string, msgBus *bus.MessageBus) *BaseChannel {
	return &BaseChannel{
		name:      name,
		projectID: projectID,
		agentID:   agentID,
		bus:       msgBus,
		status:    StatusDisabled,
	}
}

// Name returns the transport kind.
func (c *BaseChannel) Name() string { return c.name }

// ProjectID returns the owning project.
func (c *BaseChannel) ProjectID() string { return c.projectID }

// AgentID returns the agent this account belongs to.
func (c *BaseChannel) AgentID() string { return c.agentID }

// Status returns the current lifecycle state.
func (c *BaseChannel) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus transitions the lifecycle state, logging the change.
func (c *BaseChannel) SetStatus(s Status) {
	c.mu.Lock()
	prev := c.status
	c.status = s
	c.mu.Unlock()
	if prev != s {
		slog.Info("channel status", "channel", c.name, "agent", c.agentID, "status", s)
	}
}

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// HandleMessage publishes an inbound message to the bus. Messages arriving
// while the channel is not live are dropped; a worker mid-reconnect must
// not open tasks from half-read transport state.
func (c *BaseChannel) HandleMessage(senderID, subject, content string, media []string, metadata map[string]string) bool {
	if c.Status() != StatusLive {
		slog.Warn("dropping inbound on non-live channel",
			"channel", c.name, "agent", c.agentID, "status", c.Status())
		return false
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:   c.name,
		SenderID:  senderID,
		ProjectID: c.projectID,
		AgentID:   c.agentID,
		Subject:   subject,
		Content:   content,
		Media:     media,
		Metadata:  metadata,
	})
	return true
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
