package bus

import (
	"context"
	"time"
)

// InboundMessage represents work arriving from a channel (Gmail, Nostr, GUI)
// or from another agent via delegation.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ProjectID  string            `json:"project_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"` // target agent (multi-agent routing)
	TaskID     string            `json:"task_id,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Content    string            `json:"content"`
	WSClientID string            `json:"ws_client_id,omitempty"` // GUI connection for auto-report routing
	Media      []string          `json:"media,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at,omitempty"`
}

// OutboundMessage represents a message to deliver through a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	ProjectID string            `json:"project_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"` // sending agent (selects credentials)
	Address   string            `json:"address"`            // email address or nostr pubkey
	Subject   string            `json:"subject,omitempty"`
	Content   string            `json:"content"`
	Media     []MediaAttachment `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment represents a file sent alongside a message.
type MediaAttachment struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and agent runners to decouple from the
// concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels
// and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
