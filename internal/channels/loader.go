package channels

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/config"
)

// ChannelFactory builds a worker for one agent account.
// transport selects the kind ("gmail", "nostr"); the agent config carries
// the credentials.
type ChannelFactory func(project *config.ProjectConfig, agent config.AgentConfig,
	msgBus *bus.MessageBus) (Channel, error)

// Loader walks project configs and registers a channel worker for every
// external agent account. Factories are registered per transport kind so
// the wiring layer decides which transports exist.
type Loader struct {
	manager   *Manager
	msgBus    *bus.MessageBus
	factories map[string]ChannelFactory

	mu     sync.Mutex
	loaded map[string]struct{}
}

// NewLoader creates a Loader bound to a manager.
func NewLoader(mgr *Manager, msgBus *bus.MessageBus) *Loader {
	return &Loader{
		manager:   mgr,
		msgBus:    msgBus,
		factories: make(map[string]ChannelFactory),
		loaded:    make(map[string]struct{}),
	}
}

// RegisterFactory registers a factory for a transport kind.
func (l *Loader) RegisterFactory(transport string, factory ChannelFactory) {
	l.factories[transport] = factory
}

// LoadAll builds and registers workers for every external agent in the
// given projects. Workers are not started; Manager.StartAll does that
// after everything is registered.
func (l *Loader) LoadAll(projects map[string]*config.ProjectConfig) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	registered := 0
	for _, project := range projects {
		for _, agent := range project.Agents {
			if !agent.IsExternal() {
				continue
			}
			for _, transport := range agent.Channels {
				factory, ok := l.factories[transport]
				if !ok {
					slog.Warn("no factory for channel transport",
						"transport", transport, "project", project.ID, "agent", agent.ID)
					continue
				}
				ch, err := factory(project, agent, l.msgBus)
				if err != nil {
					slog.Error("failed to build channel worker",
						"transport", transport, "project", project.ID, "agent", agent.ID, "error", err)
					continue
				}
				if ch == nil {
					slog.Info("channel account not ready (missing credentials)",
						"transport", transport, "project", project.ID, "agent", agent.ID)
					continue
				}
				l.manager.Register(project.ID, agent.ID, ch)
				l.loaded[channelKey(transport, project.ID, agent.ID)] = struct{}{}
				registered++
			}
		}
	}
	if registered > 0 {
		slog.Info("channel workers loaded", "count", registered)
	}
	return registered
}

// LoadedKeys returns the channel keys managed by this loader.
func (l *Loader) LoadedKeys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.loaded))
	for k := range l.loaded {
		keys = append(keys, k)
	}
	return keys
}
