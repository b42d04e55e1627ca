package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

const secretMask = "***"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace: "~/maestro",
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            8787,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Agents: AgentDefaults{
			Provider:        "anthropic",
			Model:           "claude-sonnet-4-5",
			MaxTokens:       8192,
			Temperature:     1.0,
			HistoryLimit:    40,
			PollIntervalSec: 10,
		},
		Channels: ChannelsConfig{
			Gmail: GmailTransport{
				IMAPHost:        "imap.gmail.com:993",
				SMTPHost:        "smtp.gmail.com",
				SMTPPort:        587,
				PollIntervalSec: 60,
			},
			Nostr: NostrTransport{
				Relay:          "wss://relay.damus.io",
				HibernationSec: 30,
			},
		},
		Database: DatabaseConfig{
			Backend: "sqlite",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "maestro",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
// A missing file is not an error: defaults plus env overrides are returned
// so a fresh install starts without any config on disk.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Secrets (DSN, auth keys) are
// env-only and never persisted.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("MAESTRO_WORKSPACE", &c.Workspace)
	envStr("MAESTRO_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("MAESTRO_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("MAESTRO_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("OLLAMA_HOST", &c.Providers.Ollama.APIBase)
	envStr("SYSTEM_AI_GMAIL", &c.SystemAI.Email)

	if v := os.Getenv("HISTORY_LIMIT_AGENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agents.HistoryLimit = n
		}
	}
	if c.SystemAI.Email != "" {
		c.SystemAI.Enabled = true
	}
	if c.Database.PostgresDSN != "" && c.Database.Backend == "" {
		c.Database.Backend = "postgres"
	}
}

// Save writes cfg to path as indented JSON. The file is 0600 because
// provider keys may be inlined.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Hash returns a short fingerprint of the config for change detection.
func Hash(cfg *Config) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:8]
}

// MaskedCopy returns a deep copy with secrets replaced by a mask, safe to
// print or ship to a GUI.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return Default()
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return Default()
	}
	maskNonEmpty(&out.Gateway.Token)
	maskNonEmpty(&out.Providers.Anthropic.APIKey)
	maskNonEmpty(&out.Providers.OpenAI.APIKey)
	maskNonEmpty(&out.Providers.Gemini.APIKey)
	return out
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
