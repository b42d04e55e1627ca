package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/maestro/internal/config"
)

func testProject(t *testing.T) *config.ProjectConfig {
	t.Helper()
	return &config.ProjectConfig{
		ID:  "acme",
		Dir: t.TempDir(),
		Agents: []config.AgentConfig{
			{ID: "lead", Name: "팀장", RoleDescription: "프로젝트를 총괄한다."},
			{ID: "writer"},
		},
	}
}

func TestSeedCreatesRolesAndGuides(t *testing.T) {
	p := testProject(t)
	created, err := Seed(p)
	if err != nil {
		t.Fatal(err)
	}
	// Two roles plus three guides.
	if len(created) != 5 {
		t.Errorf("created %d files: %v", len(created), created)
	}

	data, err := os.ReadFile(p.RolePath("lead"))
	if err != nil {
		t.Fatal(err)
	}
	role := string(data)
	if !strings.Contains(role, "팀장") || !strings.Contains(role, "프로젝트를 총괄한다.") {
		t.Errorf("role sheet not rendered: %q", role)
	}
	if strings.Contains(role, "{{") {
		t.Errorf("unrendered placeholder in role: %q", role)
	}

	// Missing description gets the fill-me-in placeholder.
	data, _ = os.ReadFile(p.RolePath("writer"))
	if !strings.Contains(string(data), "역할을 적어 주세요") {
		t.Errorf("writer role = %q", data)
	}

	for _, g := range guideFiles {
		if _, err := os.Stat(filepath.Join(p.GuidesDir(), g)); err != nil {
			t.Errorf("guide %s: %v", g, err)
		}
	}
	if _, err := os.Stat(p.OutputsDir()); err != nil {
		t.Errorf("outputs dir: %v", err)
	}
}

func TestSeedNeverOverwrites(t *testing.T) {
	p := testProject(t)
	if _, err := Seed(p); err != nil {
		t.Fatal(err)
	}
	custom := "# 내가 고친 역할"
	if err := os.WriteFile(p.RolePath("lead"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := Seed(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("second seed created %v", created)
	}
	data, _ := os.ReadFile(p.RolePath("lead"))
	if string(data) != custom {
		t.Error("user-edited role was overwritten")
	}
}

func TestSeedSystemRole(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "system", "role.md")
	ok, err := SeedSystemRole(dst)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	ok, err = SeedSystemRole(dst)
	if err != nil || ok {
		t.Fatalf("second seed ok=%v err=%v", ok, err)
	}
}
