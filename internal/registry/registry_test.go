package registry

import (
	"context"
	"testing"
	"time"
)

func TestRegisterIdempotent(t *testing.T) {
	r := New()
	if err := r.Register(&Entry{ProjectID: "acme", AgentID: "lead", Name: "팀장"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Send("acme", "lead", Message{Content: "queued"})

	// Re-registration keeps the inbox so queued work survives, and the
	// newer metadata takes effect.
	again := &Entry{ProjectID: "acme", AgentID: "lead", Name: "리드"}
	if err := r.Register(again); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	e, ok := r.Get("acme", "lead")
	if !ok || e.Name != "리드" {
		t.Errorf("entry after re-register = %+v, %v", e, ok)
	}
	msg, ok := again.Inbox.Pop(context.Background(), time.Second)
	if !ok || msg.Content != "queued" {
		t.Errorf("queued message lost on re-register: (%+v, %v)", msg, ok)
	}
	if ids := r.AgentIDs("acme"); len(ids) != 1 {
		t.Errorf("agent ids = %v, want one entry", ids)
	}

	if err := r.Register(&Entry{ProjectID: "acme"}); err == nil {
		t.Error("entry without agent id accepted")
	}
}

func TestLookupByName(t *testing.T) {
	r := New()
	r.Register(&Entry{ProjectID: "acme", AgentID: "lead", Name: "팀장"})
	r.Register(&Entry{ProjectID: "acme", AgentID: "writer", Name: "작가"})

	e, ok := r.LookupByName("acme", "작가")
	if !ok || e.AgentID != "writer" {
		t.Errorf("got %+v, %v", e, ok)
	}
	if _, ok := r.LookupByName("acme", "없는이름"); ok {
		t.Error("unknown name found")
	}
	if _, ok := r.LookupByName("other", "팀장"); ok {
		t.Error("name leaked across projects")
	}
}
