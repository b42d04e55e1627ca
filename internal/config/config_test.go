package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8787 {
		t.Errorf("gateway port = %d, want 8787", cfg.Gateway.Port)
	}
	if cfg.Agents.HistoryLimit != 40 {
		t.Errorf("history limit = %d, want 40", cfg.Agents.HistoryLimit)
	}
	if cfg.Database.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Database.Backend)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// gateway listens locally
		gateway: { host: "0.0.0.0", port: 9900 },
		agents: { provider: "openai", model: "gpt-4o" },
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Gateway.Addr(); got != "0.0.0.0:9900" {
		t.Errorf("addr = %q, want 0.0.0.0:9900", got)
	}
	if cfg.Agents.Provider != "openai" {
		t.Errorf("provider = %q, want openai", cfg.Agents.Provider)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HISTORY_LIMIT_AGENT", "12")
	t.Setenv("SYSTEM_AI_GMAIL", "system@example.com")
	t.Setenv("MAESTRO_POSTGRES_DSN", "postgres://localhost/maestro")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.HistoryLimit != 12 {
		t.Errorf("history limit = %d, want 12", cfg.Agents.HistoryLimit)
	}
	if !cfg.SystemAI.Enabled || cfg.SystemAI.Email != "system@example.com" {
		t.Errorf("system AI not enabled from env: %+v", cfg.SystemAI)
	}
	if !cfg.IsPostgres() {
		t.Error("IsPostgres() = false with DSN set")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.Anthropic.APIKey = "sk-ant-secret"
	cfg.Gateway.Token = "tok"

	masked := cfg.MaskedCopy()
	if masked.Providers.Anthropic.APIKey != secretMask {
		t.Errorf("api key not masked: %q", masked.Providers.Anthropic.APIKey)
	}
	if masked.Gateway.Token != secretMask {
		t.Errorf("token not masked: %q", masked.Gateway.Token)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-ant-secret" {
		t.Error("original mutated by MaskedCopy")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Gateway.Port = 7001
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Gateway.Port != 7001 {
		t.Errorf("port = %d, want 7001", loaded.Gateway.Port)
	}
}

func TestHashChangesWithConfig(t *testing.T) {
	a := Default()
	b := Default()
	if Hash(a) != Hash(b) {
		t.Error("identical configs hash differently")
	}
	b.Gateway.Port = 1234
	if Hash(a) == Hash(b) {
		t.Error("different configs hash identically")
	}
}
