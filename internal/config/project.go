package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// ProjectFileName is the config file each project directory must contain.
const ProjectFileName = "project.yaml"

// ProjectConfig describes one project: its agent team, the optional
// project-level system AI override and shared settings.
type ProjectConfig struct {
	ID  string `yaml:"-"` // directory name
	Dir string `yaml:"-"`

	SystemAI *AISpec       `yaml:"system_ai,omitempty"`
	Agents   []AgentConfig `yaml:"agents"`
	Common   CommonConfig  `yaml:"common,omitempty"`
}

// AISpec selects the model an agent runs on.
type AISpec struct {
	Provider    string   `yaml:"provider,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// AgentConfig describes one agent of a project.
type AgentConfig struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name,omitempty"`
	Type            string        `yaml:"type,omitempty"` // "internal" (default) or "external"
	RoleDescription string        `yaml:"role_description,omitempty"`
	AI              AISpec        `yaml:"ai,omitempty"`
	AllowedNodes    []string      `yaml:"allowed_nodes,omitempty"` // IBL nodes this agent may invoke (empty = all)
	Channels        []string      `yaml:"channels,omitempty"`      // external: "gmail", "nostr"
	Gmail           *GmailAccount `yaml:"gmail,omitempty"`
	Nostr           *NostrAccount `yaml:"nostr,omitempty"`
	HistoryLimit    int           `yaml:"history_limit,omitempty"`
}

// CommonConfig carries settings shared by every agent of a project.
type CommonConfig struct {
	Language           string `yaml:"language,omitempty"`
	PollingIntervalSec int    `yaml:"polling_interval,omitempty"`
	Notes              string `yaml:"notes,omitempty"`
}

// IsExternal reports whether the agent authenticates outside channels.
func (a AgentConfig) IsExternal() bool {
	return a.Type == "external"
}

// DisplayName returns the agent's name, falling back to its id.
func (a AgentConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// LoadProject reads and validates dir/project.yaml.
func LoadProject(dir string) (*ProjectConfig, error) {
	path := filepath.Join(dir, ProjectFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project config: %w", err)
	}
	p := &ProjectConfig{
		ID:  filepath.Base(dir),
		Dir: dir,
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("project %s: %w", p.ID, err)
	}
	return p, nil
}

// LoadProjects scans root for project directories (any subdirectory
// containing a project.yaml) and loads each. Broken projects fail the
// whole load so a typo cannot silently drop an agent team.
func LoadProjects(root string) (map[string]*ProjectConfig, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*ProjectConfig{}, nil
		}
		return nil, fmt.Errorf("read projects dir: %w", err)
	}
	projects := make(map[string]*ProjectConfig)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ProjectFileName)); err != nil {
			continue
		}
		p, err := LoadProject(dir)
		if err != nil {
			return nil, err
		}
		projects[p.ID] = p
	}
	return projects, nil
}

// Validate checks agent ids are unique and channel credentials are present
// for external agents.
func (p *ProjectConfig) Validate() error {
	if len(p.Agents) == 0 {
		return fmt.Errorf("no agents defined")
	}
	seen := make(map[string]bool, len(p.Agents))
	for i := range p.Agents {
		a := &p.Agents[i]
		if a.ID == "" {
			return fmt.Errorf("agent %d: missing id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Type {
		case "", "internal":
			a.Type = "internal"
		case "external":
		default:
			return fmt.Errorf("agent %s: unknown type %q", a.ID, a.Type)
		}
		for _, ch := range a.Channels {
			switch ch {
			case "gmail":
				if a.Gmail == nil || a.Gmail.Address == "" {
					return fmt.Errorf("agent %s: gmail channel without gmail.address", a.ID)
				}
			case "nostr":
				if a.Nostr == nil || a.Nostr.SecretKey == "" {
					return fmt.Errorf("agent %s: nostr channel without nostr.secret_key", a.ID)
				}
			default:
				return fmt.Errorf("agent %s: unknown channel %q", a.ID, ch)
			}
		}
		if len(a.Channels) > 0 && !a.IsExternal() {
			return fmt.Errorf("agent %s: channels require type external", a.ID)
		}
	}
	return nil
}

// Agent returns the config for id.
func (p *ProjectConfig) Agent(id string) (AgentConfig, bool) {
	for _, a := range p.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// AgentIDs returns all agent ids, sorted.
func (p *ProjectConfig) AgentIDs() []string {
	ids := make([]string, 0, len(p.Agents))
	for _, a := range p.Agents {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return ids
}

// DBPath is the project's task/conversation database.
func (p *ProjectConfig) DBPath() string {
	return filepath.Join(p.Dir, "maestro.db")
}

// OutputsDir holds spilled report bodies and other artifacts.
func (p *ProjectConfig) OutputsDir() string {
	return filepath.Join(p.Dir, "outputs")
}

// GuidesDir holds node usage guides attached to dispatch results.
func (p *ProjectConfig) GuidesDir() string {
	return filepath.Join(p.Dir, "guides")
}

// RolePath is the markdown role sheet for an agent, seeded at project init.
func (p *ProjectConfig) RolePath(agentID string) string {
	return filepath.Join(p.Dir, "roles", agentID+".md")
}

// ResolveAI merges host defaults, the project system_ai block and the
// agent's own ai block, most specific last.
func (p *ProjectConfig) ResolveAI(a AgentConfig, defaults AgentDefaults) AISpec {
	out := AISpec{
		Provider:  defaults.Provider,
		Model:     defaults.Model,
		MaxTokens: defaults.MaxTokens,
	}
	apply := func(src *AISpec) {
		if src == nil {
			return
		}
		if src.Provider != "" {
			out.Provider = src.Provider
		}
		if src.Model != "" {
			out.Model = src.Model
		}
		if src.APIKey != "" {
			out.APIKey = src.APIKey
		}
		if src.MaxTokens > 0 {
			out.MaxTokens = src.MaxTokens
		}
		if src.Temperature != nil {
			out.Temperature = src.Temperature
		}
	}
	apply(p.SystemAI)
	apply(&a.AI)
	return out
}
