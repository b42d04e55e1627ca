package protocol

// Frame types pushed from the gateway to a GUI client.
const (
	// FrameAck confirms a request was accepted and names the task opened
	// for it.
	FrameAck = "ack"

	// FrameAutoReport carries a finished task's report back to the
	// connection that originated it.
	FrameAutoReport = "auto_report"

	// FrameStatus reports run lifecycle transitions for a task.
	FrameStatus = "status"

	// FrameError reports a request that could not be served.
	FrameError = "error"

	// FramePong answers a FramePing.
	FramePong = "pong"

	// FrameEvent is a broadcast runtime event (notify, ask_user, channel
	// status changes). Delivered to every connected client.
	FrameEvent = "event"
)

// Status frame states.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// AckFrame is the payload of a FrameAck.
type AckFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Agent  string `json:"agent"`
}

// AutoReportFrame is the payload of a FrameAutoReport.
type AutoReportFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Agent   string `json:"agent"`
}

// StatusFrame is the payload of a FrameStatus.
type StatusFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// EventFrame is the payload of a FrameEvent.
type EventFrame struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// NewEvent wraps a runtime event for the wire.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: FrameEvent, Name: name, Payload: payload}
}

// ErrorFrame is the payload of a FrameError.
type ErrorFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error"`
}
