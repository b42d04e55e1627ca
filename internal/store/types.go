package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task statuses. A task is pending from creation until its report is
// delivered; there is no intermediate running state because the inbox
// already serializes execution per agent.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// Requester channel names. They decide where a finished root task's report
// is routed.
const (
	ChannelGUI      = "gui"
	ChannelGmail    = "gmail"
	ChannelNostr    = "nostr"
	ChannelSystemAI = "system_ai"
	ChannelInternal = "internal"
)

// Task is one unit of delegated work. Root tasks come from an owner via a
// channel; child tasks are created when one agent delegates to another and
// carry the parent's id.
type Task struct {
	ID               string            `json:"task_id"`
	Requester        string            `json:"requester"`
	RequesterChannel string            `json:"requester_channel"`
	OriginalRequest  string            `json:"original_request"`
	DelegatedTo      string            `json:"delegated_to"`
	ParentTaskID     string            `json:"parent_task_id,omitempty"`
	Status           TaskStatus        `json:"status"`
	ResultSummary    string            `json:"result_summary,omitempty"`
	Context          DelegationContext `json:"delegation_context"`
	PendingDelegations int             `json:"pending_delegations"`
	WSClientID       string            `json:"ws_client_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// IsRoot reports whether the task was opened directly by a requester
// rather than by another agent.
func (t *Task) IsRoot() bool {
	return t.ParentTaskID == ""
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// DelegationRecord is one outstanding delegation inside the current cycle.
type DelegationRecord struct {
	ChildTaskID string    `json:"child_task_id"`
	DelegatedTo string    `json:"delegated_to"`
	Message     string    `json:"delegation_message"`
	DelegatedAt time.Time `json:"delegated_at"`
}

// ResponseRecord is a child's answer collected inside the current cycle.
type ResponseRecord struct {
	ChildTaskID string    `json:"child_task_id"`
	FromAgent   string    `json:"from_agent"`
	Response    string    `json:"response"`
	CompletedAt time.Time `json:"completed_at"`
}

// CompletedRecord is an archived delegation from a finished cycle, pairing
// the request with the answer it got.
type CompletedRecord struct {
	To          string    `json:"to"`
	Message     string    `json:"message"`
	Result      string    `json:"result"`
	CompletedAt time.Time `json:"completed_at"`
}

// DelegationContext is the accumulated delegation memory of a task. It
// travels with the task row as JSON and is what lets an agent resume with
// full awareness of what its helpers already did.
type DelegationContext struct {
	OriginalRequest string             `json:"original_request"`
	Requester       string             `json:"requester"`
	Completed       []CompletedRecord  `json:"completed,omitempty"`
	Delegations     []DelegationRecord `json:"delegations,omitempty"`
	Responses       []ResponseRecord   `json:"responses,omitempty"`
}

// BeginDelegation appends a new delegation record. When the previous cycle
// has fully resolved (no pending children but old records remain), that
// cycle is archived into Completed first so the active arrays only ever
// describe the cycle in flight.
func (c *DelegationContext) BeginDelegation(rec DelegationRecord, pendingNow int) {
	if pendingNow == 0 && len(c.Delegations) > 0 {
		c.archiveCycle()
	}
	c.Delegations = append(c.Delegations, rec)
}

// AddResponse records a child's answer in the current cycle.
func (c *DelegationContext) AddResponse(rec ResponseRecord) {
	c.Responses = append(c.Responses, rec)
}

// archiveCycle moves the current delegations and their responses into
// Completed, pairing each delegation with the response of the same child.
func (c *DelegationContext) archiveCycle() {
	byChild := make(map[string]ResponseRecord, len(c.Responses))
	for _, r := range c.Responses {
		byChild[r.ChildTaskID] = r
	}
	for _, d := range c.Delegations {
		rec := CompletedRecord{
			To:      d.DelegatedTo,
			Message: d.Message,
		}
		if r, ok := byChild[d.ChildTaskID]; ok {
			rec.Result = r.Response
			rec.CompletedAt = r.CompletedAt
		}
		c.Completed = append(c.Completed, rec)
	}
	c.Delegations = nil
	c.Responses = nil
}

// MarshalContext serializes a delegation context for storage.
func MarshalContext(c DelegationContext) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal delegation context: %w", err)
	}
	return data, nil
}

// ParseContext deserializes a stored delegation context. Empty input
// yields a zero context so legacy rows keep working.
func ParseContext(data []byte) (DelegationContext, error) {
	var c DelegationContext
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse delegation context: %w", err)
	}
	return c, nil
}

// Contact types for conversation messages. Delegation traffic (requests
// and completion reports moving along the task tree) is distinguished from
// plain agent chatter so the log shows who was working for whom.
const (
	ContactUser       = "user"
	ContactAgent      = "agent"
	ContactChannel    = "channel"
	ContactDelegation = "delegation"
)

// Message is one entry of an agent's conversation log.
type Message struct {
	ID          int64     `json:"id"`
	FromAgent   string    `json:"from_agent"`
	ToAgent     string    `json:"to_agent"`
	Content     string    `json:"content"`
	ContactType string    `json:"contact_type"`
	CreatedAt   time.Time `json:"created_at"`
}
