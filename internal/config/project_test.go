package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProject(t *testing.T, root, id, body string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ProjectFileName), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir
}

const sampleProject = `
system_ai:
  provider: anthropic
  model: claude-sonnet-4-5
agents:
  - id: planner
    name: Planner
    role_description: breaks work into steps
    allowed_nodes: [system]
  - id: mailer
    type: external
    channels: [gmail]
    gmail:
      address: mailer@example.com
      app_password: abcd
common:
  language: ko
  polling_interval: 10
`

func TestLoadProject(t *testing.T) {
	dir := writeProject(t, t.TempDir(), "demo", sampleProject)
	p, err := LoadProject(dir)
	if err != nil {
		t.Fatalf("LoadProject: %v", err)
	}
	if p.ID != "demo" {
		t.Errorf("id = %q, want demo", p.ID)
	}
	if len(p.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(p.Agents))
	}
	planner, ok := p.Agent("planner")
	if !ok {
		t.Fatal("planner not found")
	}
	if planner.Type != "internal" {
		t.Errorf("default type = %q, want internal", planner.Type)
	}
	mailer, _ := p.Agent("mailer")
	if !mailer.IsExternal() {
		t.Error("mailer should be external")
	}
	if p.Common.PollingIntervalSec != 10 {
		t.Errorf("polling_interval = %d, want 10", p.Common.PollingIntervalSec)
	}
}

func TestLoadProjectsSkipsNonProjects(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "one", sampleProject)
	if err := os.MkdirAll(filepath.Join(root, "not-a-project"), 0o755); err != nil {
		t.Fatal(err)
	}
	projects, err := LoadProjects(root)
	if err != nil {
		t.Fatalf("LoadProjects: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("projects = %d, want 1", len(projects))
	}
	if _, ok := projects["one"]; !ok {
		t.Error("project one missing")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"duplicate ids", `
agents:
  - id: a
  - id: a
`},
		{"unknown type", `
agents:
  - id: a
    type: sideways
`},
		{"gmail without address", `
agents:
  - id: a
    type: external
    channels: [gmail]
`},
		{"channels on internal agent", `
agents:
  - id: a
    channels: [nostr]
    nostr:
      secret_key: deadbeef
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeProject(t, t.TempDir(), "bad", tc.body)
			if _, err := LoadProject(dir); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestResolveAI(t *testing.T) {
	temp := 0.2
	p := &ProjectConfig{
		SystemAI: &AISpec{Provider: "openai", Model: "gpt-4o"},
	}
	defaults := AgentDefaults{Provider: "anthropic", Model: "claude-sonnet-4-5", MaxTokens: 8192}

	got := p.ResolveAI(AgentConfig{ID: "a"}, defaults)
	if got.Provider != "openai" || got.Model != "gpt-4o" {
		t.Errorf("system_ai block not applied: %+v", got)
	}
	if got.MaxTokens != 8192 {
		t.Errorf("max tokens = %d, want 8192", got.MaxTokens)
	}

	got = p.ResolveAI(AgentConfig{
		ID: "b",
		AI: AISpec{Model: "o3-mini", Temperature: &temp},
	}, defaults)
	if got.Model != "o3-mini" {
		t.Errorf("agent model override lost: %q", got.Model)
	}
	if got.Provider != "openai" {
		t.Errorf("provider = %q, want openai inherited", got.Provider)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Error("temperature override lost")
	}
}
