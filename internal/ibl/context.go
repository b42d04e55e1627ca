package ibl

import "context"

// Caller identifies the agent behind a dispatch and what it may touch.
type Caller struct {
	ProjectID    string
	ProjectDir   string
	AgentID      string
	TaskID       string
	AllowedNodes []string // empty = unrestricted
}

// Allowed reports whether the caller may invoke the given node.
func (c Caller) Allowed(node string) bool {
	if len(c.AllowedNodes) == 0 {
		return true
	}
	for _, n := range c.AllowedNodes {
		if n == node {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller attaches the caller to a context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
