package config

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Maestro host.
// Per-project agent definitions live in each project's project.yaml; this
// file carries host-wide settings only.
type Config struct {
	Workspace string          `json:"workspace,omitempty"` // root directory holding projects/ (default ~/maestro)
	Gateway   GatewayConfig   `json:"gateway"`
	Agents    AgentDefaults   `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	SystemAI  SystemAIConfig  `json:"system_ai,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig controls the WebSocket gateway server.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"`             // bearer token for WS auth
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // WebSocket CORS whitelist (empty = allow all)
	MaxMessageChars int      `json:"max_message_chars,omitempty"` // max request characters (default 32000)
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`    // requests per minute per connection (default 20, 0 = disabled)
}

// Addr returns the host:port the gateway listens on.
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// AgentDefaults are runtime defaults applied to every agent unless its
// project.yaml overrides them.
type AgentDefaults struct {
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	HistoryLimit    int     `json:"history_limit,omitempty"`     // conversation turns per prompt (default 40, env HISTORY_LIMIT_AGENT)
	PollIntervalSec int     `json:"poll_interval_sec,omitempty"` // external channel poll cadence (default 10)
}

// SystemAIConfig configures the cross-project system AI.
type SystemAIConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Provider string `json:"provider,omitempty"` // defaults to Agents.Provider
	Model    string `json:"model,omitempty"`
	DBPath   string `json:"db_path,omitempty"` // default <workspace>/system_ai_memory.db
	Email    string `json:"-"`                 // from env SYSTEM_AI_GMAIL only
}

// DatabaseConfig selects the task/conversation storage backend.
// PostgresDSN is NEVER read from config.json (secret), only from env
// MAESTRO_POSTGRES_DSN.
type DatabaseConfig struct {
	Backend     string `json:"backend,omitempty"` // "sqlite" (default) or "postgres"
	PostgresDSN string `json:"-"`                 // from env MAESTRO_POSTGRES_DSN only
}

// IsPostgres returns true when tasks are stored in a shared Postgres
// instead of per-project SQLite files.
func (c *Config) IsPostgres() bool {
	return c.Database.Backend == "postgres" && c.Database.PostgresDSN != ""
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "maestro-gateway")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory (default: os.UserConfigDir/tsnet-maestro)
	AuthKey   string `json:"-"`                    // from env MAESTRO_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend
// (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (default false)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "maestro")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens)
}

// ProjectsDir returns the directory holding project workspaces.
func (c *Config) ProjectsDir() string {
	return filepath.Join(ExpandHome(c.Workspace), "projects")
}

// SystemAIDBPath returns the path of the system AI's own memory database.
func (c *Config) SystemAIDBPath() string {
	if c.SystemAI.DBPath != "" {
		return ExpandHome(c.SystemAI.DBPath)
	}
	return filepath.Join(ExpandHome(c.Workspace), "system_ai_memory.db")
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workspace = src.Workspace
	c.Gateway = src.Gateway
	c.Agents = src.Agents
	c.Providers = src.Providers
	c.Channels = src.Channels
	c.SystemAI = src.SystemAI
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}
