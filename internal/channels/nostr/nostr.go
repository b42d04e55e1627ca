// Package nostr runs one relay worker per agent Nostr identity. Inbound
// kind-4 DMs from owner pubkeys become tasks; outbound frames are
// NIP-04-encrypted DMs. A wall-clock watchdog forces a reconnect after
// host hibernation, because the relay TCP session survives sleep in a
// half-dead state that never delivers another event.
package nostr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/nextlevelbuilder/maestro/internal/bus"
	"github.com/nextlevelbuilder/maestro/internal/channels"
	"github.com/nextlevelbuilder/maestro/internal/config"
	"github.com/nextlevelbuilder/maestro/internal/identity"
	"github.com/nextlevelbuilder/maestro/internal/store"
)

const (
	defaultRelay       = "wss://relay.damus.io"
	defaultHibernation = 30 * time.Second

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	// Front cache ahead of the persisted seen table. Relays rebroadcast
	// on resubscribe; most duplicates are caught here without a DB hit.
	seenCacheSize = 512

	seenRetention = 30 * 24 * time.Hour
)

// Channel is one Nostr identity worker.
type Channel struct {
	*channels.BaseChannel
	secretKey   string // hex
	pubKey      string // hex
	relayURL    string
	hibernation time.Duration
	owners      *identity.Owners
	seen        store.SeenStore
	front       *lru.Cache[string, struct{}]

	mu     sync.Mutex
	conn   *relayConn
	cancel context.CancelFunc
}

// New builds a worker for one identity. Returns nil when the agent has no
// secret key so the loader can skip it.
func New(project *config.ProjectConfig, agent config.AgentConfig,
	transport config.NostrTransport, owners *identity.Owners,
	seen store.SeenStore, msgBus *bus.MessageBus) (*Channel, error) {

	if agent.Nostr == nil || agent.Nostr.SecretKey == "" {
		return nil, nil
	}

	sk, err := normalizeSecretKey(agent.Nostr.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("agent %s: nostr secret key: %w", agent.ID, err)
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("agent %s: derive pubkey: %w", agent.ID, err)
	}

	relayURL := agent.Nostr.Relay
	if relayURL == "" {
		relayURL = transport.Relay
	}
	if relayURL == "" {
		relayURL = defaultRelay
	}
	hibernation := defaultHibernation
	if transport.HibernationSec > 0 {
		hibernation = time.Duration(transport.HibernationSec) * time.Second
	}

	front, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("nostr", project.ID, agent.ID, msgBus),
		secretKey:   sk,
		pubKey:      pk,
		relayURL:    relayURL,
		hibernation: hibernation,
		owners:      owners,
		seen:        seen,
		front:       front,
	}, nil
}

func normalizeSecretKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "nsec") {
		prefix, value, err := nip19.Decode(raw)
		if err != nil {
			return "", fmt.Errorf("decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		sk, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("unexpected nsec payload type %T", value)
		}
		return sk, nil
	}
	if len(raw) != 64 {
		return "", fmt.Errorf("hex secret key must be 64 chars, got %d", len(raw))
	}
	return strings.ToLower(raw), nil
}

// PubKey returns the worker's hex pubkey.
func (c *Channel) PubKey() string { return c.pubKey }

// Start launches the relay loop and the hibernation watchdog.
func (c *Channel) Start(ctx context.Context) error {
	if c.owners.Empty() {
		c.SetStatus(channels.StatusDisabled)
		return fmt.Errorf("nostr: no owners configured, refusing to start")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.SetStatus(channels.StatusAuthenticating)

	go c.runLoop(runCtx)
	go c.watchdog(runCtx)
	go func() {
		if err := c.seen.PruneSeen(runCtx, time.Now().Add(-seenRetention)); err != nil {
			slog.Debug("nostr seen prune failed", "error", err)
		}
	}()

	slog.Info("nostr channel started",
		"agent", c.AgentID(), "pubkey", c.pubKey[:8], "relay", c.relayURL)
	return nil
}

// Stop shuts down the relay loop.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.SetStatus(channels.StatusDisabled)
	return nil
}

func (c *Channel) setConn(conn *relayConn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) currentConn() *relayConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.close("reconnect")
		c.conn = nil
	}
	c.mu.Unlock()
}

// runLoop keeps a relay connection alive: connect, subscribe from now,
// read until the socket dies, back off, repeat.
func (c *Channel) runLoop(ctx context.Context) {
	subID := "maestro-" + c.pubKey[:8]
	backoff := reconnectBaseDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := dialRelay(ctx, c.relayURL)
		if err != nil {
			slog.Warn("nostr relay dial failed", "relay", c.relayURL, "error", err)
			c.SetStatus(channels.StatusReconnecting)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, reconnectMaxDelay)
			continue
		}

		req, err := subscribeRequest(subID, c.pubKey, time.Now())
		if err == nil {
			err = conn.write(ctx, req)
		}
		if err != nil {
			slog.Warn("nostr subscribe failed", "error", err)
			conn.close("subscribe failed")
			c.SetStatus(channels.StatusReconnecting)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, reconnectMaxDelay)
			continue
		}

		c.setConn(conn)
		c.SetStatus(channels.StatusLive)
		backoff = reconnectBaseDelay

		c.readLoop(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil {
			return
		}
		c.SetStatus(channels.StatusReconnecting)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// readLoop drains relay frames until the connection errors out.
func (c *Channel) readLoop(ctx context.Context, conn *relayConn) {
	for {
		data, err := conn.read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("nostr read error, will reconnect", "error", err)
			}
			return
		}

		msg, err := parseRelayMessage(data)
		if err != nil {
			slog.Debug("ignoring relay frame", "error", err)
			continue
		}
		switch msg.Kind {
		case "EVENT":
			c.handleEvent(ctx, msg.Event)
		case "OK":
			if !msg.OK {
				slog.Warn("relay rejected event", "event_id", msg.EventID, "reason", msg.Text)
			}
		case "NOTICE":
			slog.Debug("relay notice", "text", msg.Text)
		case "CLOSED":
			slog.Warn("relay closed subscription", "sub", msg.SubID, "reason", msg.Text)
			return
		}
	}
}

// watchdog ticks every second and compares against the previous tick.
// A gap beyond the hibernation threshold means the host slept; the relay
// socket is then force-closed so runLoop resubscribes with a fresh since.
func (c *Channel) watchdog(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if gap := now.Sub(last); gap > c.hibernation {
				slog.Warn("wall clock jumped, forcing relay reconnect",
					"agent", c.AgentID(), "gap", gap)
				c.closeConn()
			}
			last = now
		}
	}
}

// handleEvent gates, deduplicates and decrypts an inbound DM.
func (c *Channel) handleEvent(ctx context.Context, ev *nostr.Event) {
	if ev == nil || ev.Kind != nostr.KindEncryptedDirectMessage {
		return
	}
	if ev.PubKey == c.pubKey {
		return // own outbound echoed back by the relay
	}

	if _, dup := c.front.Get(ev.ID); dup {
		return
	}
	c.front.Add(ev.ID, struct{}{})
	if seen, err := c.seen.WasSeen(ctx, ev.ID); err == nil && seen {
		return
	}
	if err := c.seen.MarkSeen(ctx, ev.ID); err != nil {
		slog.Warn("nostr mark seen failed", "event_id", ev.ID, "error", err)
	}

	if !c.owners.AllowNostr(ev.PubKey) {
		slog.Warn("dropping DM from non-owner", "from", ev.PubKey[:8])
		return
	}
	if ok, _ := ev.CheckSignature(); !ok {
		slog.Warn("dropping DM with bad signature", "event_id", ev.ID)
		return
	}

	shared, err := nip04.ComputeSharedSecret(ev.PubKey, c.secretKey)
	if err != nil {
		slog.Warn("nostr shared secret failed", "from", ev.PubKey[:8], "error", err)
		return
	}
	plain, err := nip04.Decrypt(ev.Content, shared)
	if err != nil {
		slog.Warn("nostr decrypt failed", "from", ev.PubKey[:8], "error", err)
		return
	}

	c.HandleMessage(ev.PubKey, "", plain, nil, map[string]string{
		"event_id": ev.ID,
	})
}

// Send encrypts and publishes an outbound DM.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if c.Status() != channels.StatusLive {
		return fmt.Errorf("nostr: channel not live (%s)", c.Status())
	}
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("nostr: not connected")
	}

	recipient, err := identity.NormalizeNostrKey(msg.Address)
	if err != nil {
		return fmt.Errorf("nostr: recipient %q: %w", msg.Address, err)
	}

	// DMs have no subject line; terminal report subjects fold into the body.
	content := msg.Content
	if msg.Subject != "" {
		content = msg.Subject + "\n\n" + content
	}

	shared, err := nip04.ComputeSharedSecret(recipient, c.secretKey)
	if err != nil {
		return fmt.Errorf("nostr: shared secret: %w", err)
	}
	cipher, err := nip04.Encrypt(content, shared)
	if err != nil {
		return fmt.Errorf("nostr: encrypt: %w", err)
	}

	ev := nostr.Event{
		PubKey:    c.pubKey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   cipher,
	}
	if err := ev.Sign(c.secretKey); err != nil {
		return fmt.Errorf("nostr: sign: %w", err)
	}

	data, err := eventMessage(&ev)
	if err != nil {
		return err
	}
	if err := conn.write(ctx, data); err != nil {
		return fmt.Errorf("nostr: publish: %w", err)
	}
	slog.Info("nostr DM sent", "agent", c.AgentID(), "to", recipient[:8])
	return nil
}
