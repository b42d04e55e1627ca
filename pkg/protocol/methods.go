package protocol

// Frame types sent from a GUI client to the gateway.
const (
	// FrameRequest submits work to an agent. The gateway opens a root task
	// bound to the sending connection and enqueues the content.
	FrameRequest = "request"

	// FrameCancel aborts a running task by id.
	FrameCancel = "cancel"

	// FramePing is a liveness probe; the gateway answers with FramePong.
	FramePing = "ping"
)

// RequestFrame is the payload of a FrameRequest.
type RequestFrame struct {
	Type    string `json:"type"`
	Project string `json:"project,omitempty"`
	Agent   string `json:"agent"`
	Content string `json:"content"`
}

// CancelFrame is the payload of a FrameCancel.
type CancelFrame struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}
