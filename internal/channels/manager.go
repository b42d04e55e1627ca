package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/maestro/internal/bus"
)

// Egress pacing per channel worker. Gmail and relay operators both throttle
// bursty senders, so outbound frames queue behind a token bucket.
const (
	egressInterval = time.Second
	egressBurst    = 3
)

// Manager owns the channel workers, handling their lifecycle and routing
// outbound frames from the bus to the right worker.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	limiters map[string]*rate.Limiter
	bus      *bus.MessageBus
	cancel   context.CancelFunc
}

// NewManager creates a channel manager. Workers are registered externally
// via Register.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
		bus:      msgBus,
	}
}

// channelKey identifies one worker: transport kind plus owning account.
func channelKey(name, projectID, agentID string) string {
	return name + "/" + projectID + "/" + agentID
}

// Register adds a channel worker for an agent account.
func (m *Manager) Register(projectID, agentID string, ch Channel) {
	key := channelKey(ch.Name(), projectID, agentID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[key] = ch
	m.limiters[key] = rate.NewLimiter(rate.Every(egressInterval), egressBurst)
}

// StartAll starts every registered worker and the outbound dispatch loop.
// The dispatcher runs even with zero workers so frames for unknown
// channels get logged instead of piling up in the bus queue.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no external channels configured")
		return nil
	}

	for key, ch := range m.channels {
		slog.Info("starting channel", "channel", key)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", key, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every worker.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for key, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", key, "error", err)
		}
	}
	return nil
}

// dispatchOutbound consumes outbound frames from the bus and delivers each
// through its channel worker, pacing sends with the worker's limiter.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}

		key, ch := m.resolve(msg.Channel, msg.ProjectID, msg.AgentID)
		if ch == nil {
			slog.Warn("no channel worker for outbound frame",
				"channel", msg.Channel, "project", msg.ProjectID, "agent", msg.AgentID)
			continue
		}

		m.mu.RLock()
		limiter := m.limiters[key]
		m.mu.RUnlock()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("channel send failed",
				"channel", key, "address", msg.Address, "error", err)
		}
	}
}

// resolve finds the worker for a frame. Exact account match first, then any
// worker of the same transport whose agent matches, then any worker of the
// transport at all. The last case covers system frames that name only the
// transport kind.
func (m *Manager) resolve(name, projectID, agentID string) (string, Channel) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if key := channelKey(name, projectID, agentID); m.channels[key] != nil {
		return key, m.channels[key]
	}
	var fallbackKey string
	var fallback Channel
	for key, ch := range m.channels {
		if ch.Name() != name {
			continue
		}
		if bc, ok := ch.(interface{ AgentID() string }); ok && agentID != "" && bc.AgentID() == agentID {
			return key, ch
		}
		if fallback == nil {
			fallbackKey, fallback = key, ch
		}
	}
	return fallbackKey, fallback
}

// Get returns the worker for an exact account.
func (m *Manager) Get(name, projectID, agentID string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelKey(name, projectID, agentID)]
	return ch, ok
}

// StatusAll reports every worker's lifecycle state keyed by channel key.
func (m *Manager) StatusAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.channels))
	for key, ch := range m.channels {
		out[key] = ch.Status()
	}
	return out
}

// SendTo delivers a frame directly to a transport worker, bypassing the
// bus. Used by the report engine for terminal deliveries.
func (m *Manager) SendTo(ctx context.Context, msg bus.OutboundMessage) error {
	_, ch := m.resolve(msg.Channel, msg.ProjectID, msg.AgentID)
	if ch == nil {
		return fmt.Errorf("channel %s not found", msg.Channel)
	}
	return ch.Send(ctx, msg)
}
