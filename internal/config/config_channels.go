package config

// ChannelsConfig carries host-wide transport defaults for the external
// channels. Per-agent credentials live in each project.yaml.
type ChannelsConfig struct {
	Gmail GmailTransport `json:"gmail"`
	Nostr NostrTransport `json:"nostr"`
}

// GmailTransport holds the IMAP/SMTP endpoints shared by all Gmail agents.
type GmailTransport struct {
	IMAPHost        string `json:"imap_host,omitempty"`         // default "imap.gmail.com:993"
	SMTPHost        string `json:"smtp_host,omitempty"`         // default "smtp.gmail.com"
	SMTPPort        int    `json:"smtp_port,omitempty"`         // default 587
	PollIntervalSec int    `json:"poll_interval_sec,omitempty"` // default 60
}

// NostrTransport holds relay settings shared by all Nostr agents.
type NostrTransport struct {
	Relay          string `json:"relay,omitempty"`           // default "wss://relay.damus.io"
	HibernationSec int    `json:"hibernation_sec,omitempty"` // reconnect after a wall-clock gap this long (default 30)
}

// GmailAccount is one agent's Gmail credential set.
// The app password comes from the project's env, never from YAML on disk
// in managed deployments, but local projects may inline it.
type GmailAccount struct {
	Address     string `json:"address" yaml:"address"`
	AppPassword string `json:"app_password,omitempty" yaml:"app_password"`
}

// NostrAccount is one agent's Nostr identity.
type NostrAccount struct {
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key"` // hex or nsec
	Relay     string `json:"relay,omitempty" yaml:"relay"`           // overrides transport default
}

// ProvidersConfig maps provider name to its credentials.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
	Gemini    ProviderConfig `json:"gemini"`
	Ollama    ProviderConfig `json:"ollama"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider returns true if at least one provider has an API key
// configured. Ollama needs no key, so a configured base URL counts.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" ||
		p.OpenAI.APIKey != "" ||
		p.Gemini.APIKey != "" ||
		p.Ollama.APIBase != ""
}
