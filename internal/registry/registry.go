// Package registry tracks the live agents of every project and owns their
// inboxes. Anything that wants to hand work to an agent goes through
// Send; the agent's run loop is the only consumer of its inbox.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Entry is one registered agent.
type Entry struct {
	ProjectID string
	AgentID   string
	Name      string
	External  bool
	Inbox     *Inbox
}

// Key returns the registry key for an entry.
func (e *Entry) Key() string {
	return e.ProjectID + "/" + e.AgentID
}

// Registry is the live agent table. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds an agent, creating its inbox on first registration.
// Re-registering a live key is a no-op for the queue: the entry adopts the
// existing inbox so pending work survives a config reload, and the fresher
// metadata (Name, External) wins. Errors only on entries without ids.
func (r *Registry) Register(e *Entry) error {
	if e.ProjectID == "" || e.AgentID == "" {
		return fmt.Errorf("registry: entry needs project and agent ids")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := e.Key()
	if existing, ok := r.entries[key]; ok {
		e.Inbox = existing.Inbox
		r.entries[key] = e
		return nil
	}
	if e.Inbox == nil {
		e.Inbox = NewInbox()
	}
	r.entries[key] = e
	return nil
}

// Deregister removes an agent. Unknown keys are ignored.
func (r *Registry) Deregister(projectID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, projectID+"/"+agentID)
}

// Get looks up an agent.
func (r *Registry) Get(projectID, agentID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[projectID+"/"+agentID]
	return e, ok
}

// Agents lists a project's agents sorted by id.
func (r *Registry) Agents(projectID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// AgentIDs lists a project's agent ids sorted.
func (r *Registry) AgentIDs(projectID string) []string {
	agents := r.Agents(projectID)
	ids := make([]string, len(agents))
	for i, e := range agents {
		ids[i] = e.AgentID
	}
	return ids
}

// LookupByName finds an agent by display name within a project. Names are
// not unique the way ids are; the first match in id order wins.
func (r *Registry) LookupByName(projectID, name string) (*Entry, bool) {
	for _, e := range r.Agents(projectID) {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Projects lists the distinct project ids with at least one agent.
func (r *Registry) Projects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for _, e := range r.entries {
		seen[e.ProjectID] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Send enqueues a message for an agent. Returns false when the agent is
// not registered; the message is not queued anywhere in that case.
func (r *Registry) Send(projectID, agentID string, msg Message) bool {
	e, ok := r.Get(projectID, agentID)
	if !ok {
		return false
	}
	e.Inbox.Push(msg)
	return true
}
