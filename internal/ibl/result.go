// Package ibl implements the action language agents use for every tool
// effect: [node:action](target){params} invocations, resolved through a
// small set of routers, plus pipelines combining steps sequentially, in
// parallel or as fallback chains.
package ibl

import (
	"encoding/json"
	"fmt"
)

// ErrorKind classifies dispatch failures. The kind travels to the model as
// part of the structured result so it can distinguish "fix your input"
// from "this capability is absent".
type ErrorKind string

const (
	ErrInvalidInput       ErrorKind = "invalid_input"
	ErrNodeAccessDenied   ErrorKind = "node_access_denied"
	ErrHandlerMissing     ErrorKind = "handler_missing"
	ErrHandlerError       ErrorKind = "handler_error"
	ErrAgentNotFound      ErrorKind = "agent_not_found"
	ErrChannelAuthFailure ErrorKind = "channel_auth_failure"
	ErrProviderError      ErrorKind = "provider_error"
	ErrApprovalRequested  ErrorKind = "approval_requested"
	ErrCancelled          ErrorKind = "cancelled"
	ErrNotImplemented     ErrorKind = "not_implemented"
)

// Result is what every dispatch returns. It serializes to JSON before
// being fed back to the model.
type Result struct {
	Success          bool      `json:"success"`
	Output           string    `json:"output,omitempty"`
	Data             any       `json:"data,omitempty"`
	Error            string    `json:"error,omitempty"`
	Kind             ErrorKind `json:"kind,omitempty"`
	Guide            string    `json:"guide,omitempty"`
	Usage            string    `json:"usage,omitempty"`
	Phase            string    `json:"phase,omitempty"`
	AvailableActions []string  `json:"available_actions,omitempty"`
	AvailableAgents  []string  `json:"available_agents,omitempty"`
}

// OK wraps a successful string output.
func OK(output string) Result {
	return Result{Success: true, Output: output}
}

// OKData wraps a successful output with structured data alongside.
func OKData(output string, data any) Result {
	return Result{Success: true, Output: output, Data: data}
}

// Fail builds an error result.
func Fail(kind ErrorKind, format string, args ...any) Result {
	return Result{Success: false, Kind: kind, Error: fmt.Sprintf(format, args...)}
}

// String renders the result as JSON for the model. Marshalling a Result
// cannot realistically fail; the fallback keeps the loop alive anyway.
func (r Result) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(data)
}
