package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/bus"
)

type fakeChannel struct {
	*BaseChannel
	sent chan bus.OutboundMessage
}

func newFakeChannel(name, projectID, agentID string, msgBus *bus.MessageBus) *fakeChannel {
	return &fakeChannel{
		BaseChannel: NewBaseChannel(name, projectID, agentID, msgBus),
		sent:        make(chan bus.OutboundMessage, 8),
	}
}

func (f *fakeChannel) Start(context.Context) error {
	f.SetStatus(StatusLive)
	return nil
}

func (f *fakeChannel) Stop(context.Context) error {
	f.SetStatus(StatusDisabled)
	return nil
}

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.sent <- msg
	return nil
}

func TestBaseChannelInboundGate(t *testing.T) {
	msgBus := bus.New()
	base := NewBaseChannel("gmail", "proj", "reporter", msgBus)

	if ok := base.HandleMessage("boss@example.com", "hi", "본문", nil, nil); ok {
		t.Error("non-live channel should drop inbound")
	}

	base.SetStatus(StatusLive)
	if ok := base.HandleMessage("boss@example.com", "hi", "본문", nil, nil); !ok {
		t.Fatal("live channel should accept inbound")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message on bus")
	}
	if msg.Channel != "gmail" || msg.ProjectID != "proj" || msg.AgentID != "reporter" {
		t.Errorf("routing fields = %+v", msg)
	}
	if msg.Content != "본문" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestManagerResolve(t *testing.T) {
	msgBus := bus.New()
	m := NewManager(msgBus)

	a := newFakeChannel("gmail", "proj", "reporter", msgBus)
	b := newFakeChannel("gmail", "proj", "writer", msgBus)
	n := newFakeChannel("nostr", "proj", "reporter", msgBus)
	m.Register("proj", "reporter", a)
	m.Register("proj", "writer", b)
	m.Register("proj", "reporter", n)

	t.Run("exact account", func(t *testing.T) {
		_, ch := m.resolve("gmail", "proj", "writer")
		if ch != Channel(b) {
			t.Error("wrong worker")
		}
	})
	t.Run("transport fallback", func(t *testing.T) {
		_, ch := m.resolve("nostr", "otherproj", "")
		if ch != Channel(n) {
			t.Error("expected the only nostr worker")
		}
	})
	t.Run("unknown transport", func(t *testing.T) {
		if _, ch := m.resolve("telegram", "proj", "reporter"); ch != nil {
			t.Error("expected nil for unknown transport")
		}
	})
}

func TestManagerDispatch(t *testing.T) {
	msgBus := bus.New()
	m := NewManager(msgBus)
	ch := newFakeChannel("gmail", "proj", "reporter", msgBus)
	m.Register("proj", "reporter", ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer m.StopAll(context.Background()) //nolint:errcheck

	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: "gmail", ProjectID: "proj", AgentID: "reporter",
		Address: "boss@example.com", Content: "done",
	})
	// Internal frames never reach workers.
	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "gui", Content: "x"})

	select {
	case got := <-ch.sent:
		if got.Address != "boss@example.com" || got.Content != "done" {
			t.Errorf("sent = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not deliver")
	}

	select {
	case got := <-ch.sent:
		t.Errorf("unexpected second delivery: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagerStatusAll(t *testing.T) {
	msgBus := bus.New()
	m := NewManager(msgBus)
	ch := newFakeChannel("nostr", "proj", "reporter", msgBus)
	m.Register("proj", "reporter", ch)

	status := m.StatusAll()
	if status["nostr/proj/reporter"] != StatusDisabled {
		t.Errorf("initial status = %v", status)
	}
	ch.SetStatus(StatusLive)
	if m.StatusAll()["nostr/proj/reporter"] != StatusLive {
		t.Error("status not reflected")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 4); got != "abcd..." {
		t.Errorf("got %q", got)
	}
	if got := Truncate("ab", 4); got != "ab" {
		t.Errorf("got %q", got)
	}
}
