// Package bootstrap seeds a project directory with the files an agent
// team needs: role sheets, node guides and the outputs directory.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/maestro/internal/config"
)

//go:embed templates
var templateFS embed.FS

// guideFiles are the node usage guides seeded into guides/. Dispatch
// results reference them by the same relative names.
var guideFiles = []string{"source.md", "messenger.md", "data.md"}

// ReadTemplate returns an embedded template by its path under templates/.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(path("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Seed creates the project's directory skeleton and writes every missing
// role sheet and guide. Existing files are never overwritten: roles are
// the user's to edit. Returns the files created.
func Seed(p *config.ProjectConfig) ([]string, error) {
	for _, dir := range []string{
		filepath.Join(p.Dir, "roles"),
		p.GuidesDir(),
		p.OutputsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	var created []string

	roleTpl, err := ReadTemplate("role_default.md")
	if err != nil {
		return created, err
	}
	for _, a := range p.Agents {
		role := renderRole(roleTpl, a)
		ok, err := seedFile(p.RolePath(a.ID), []byte(role))
		if err != nil {
			slog.Warn("bootstrap: role seed failed", "agent", a.ID, "error", err)
			continue
		}
		if ok {
			created = append(created, p.RolePath(a.ID))
		}
	}

	for _, name := range guideFiles {
		content, err := templateFS.ReadFile(path("templates", "guides", name))
		if err != nil {
			slog.Warn("bootstrap: missing guide template", "file", name, "error", err)
			continue
		}
		dst := filepath.Join(p.GuidesDir(), name)
		ok, err := seedFile(dst, content)
		if err != nil {
			slog.Warn("bootstrap: guide seed failed", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, dst)
		}
	}

	return created, nil
}

// SeedSystemRole writes the system AI's role sheet when none exists.
func SeedSystemRole(dst string) (bool, error) {
	content, err := templateFS.ReadFile(path("templates", "role_system_ai.md"))
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	return seedFile(dst, content)
}

func renderRole(tpl string, a config.AgentConfig) string {
	desc := a.RoleDescription
	if desc == "" {
		desc = "(여기에 이 에이전트의 역할을 적어 주세요.)"
	}
	r := strings.NewReplacer(
		"{{agent_name}}", a.DisplayName(),
		"{{agent_id}}", a.ID,
		"{{role_description}}", desc,
	)
	return r.Replace(tpl)
}

// seedFile creates dst with content unless it already exists. O_EXCL makes
// concurrent seeding safe.
func seedFile(dst string, content []byte) (bool, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		os.Remove(dst)
		return false, err
	}
	return true, nil
}

func path(parts ...string) string {
	// embed.FS paths use forward slashes on every platform.
	return strings.Join(parts, "/")
}
