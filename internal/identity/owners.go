// Package identity decides who counts as an owner of the runtime. Only
// owner senders may open tasks through external channels; everything else
// is dropped at the channel boundary before any model call happens.
package identity

import (
	"fmt"
	"log/slog"
	"net/mail"
	"os"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// Env variable names. These are plain names, not MAESTRO_-prefixed, so one
// .env can be shared with the GUI and helper scripts.
const (
	EnvOwnerEmails = "OWNER_EMAILS"
	EnvOwnerNostr  = "OWNER_NOSTR_PUBKEYS"
	EnvSystemEmail = "SYSTEM_AI_GMAIL"
)

// Owners is the allowlist of principals permitted to talk to agents over
// external channels. Safe for concurrent use; Reload swaps the whole set.
type Owners struct {
	mu          sync.RWMutex
	emails      map[string]struct{}
	pubkeys     map[string]struct{}
	systemEmail string
}

// FromEnv builds the owner set from the process environment.
func FromEnv() *Owners {
	o := &Owners{
		emails:  map[string]struct{}{},
		pubkeys: map[string]struct{}{},
	}
	o.apply(map[string]string{
		EnvOwnerEmails: os.Getenv(EnvOwnerEmails),
		EnvOwnerNostr:  os.Getenv(EnvOwnerNostr),
		EnvSystemEmail: os.Getenv(EnvSystemEmail),
	})
	return o
}

// apply replaces owner sets from key/value pairs. Empty values clear the
// corresponding set; absent keys leave it untouched.
func (o *Owners) apply(vars map[string]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if v, ok := vars[EnvOwnerEmails]; ok {
		o.emails = map[string]struct{}{}
		for _, raw := range splitList(v) {
			o.emails[NormalizeEmail(raw)] = struct{}{}
		}
	}
	if v, ok := vars[EnvOwnerNostr]; ok {
		o.pubkeys = map[string]struct{}{}
		for _, raw := range splitList(v) {
			hexKey, err := NormalizeNostrKey(raw)
			if err != nil {
				slog.Warn("skipping invalid owner nostr key", "key", raw, "error", err)
				continue
			}
			o.pubkeys[hexKey] = struct{}{}
		}
	}
	if v, ok := vars[EnvSystemEmail]; ok {
		o.systemEmail = NormalizeEmail(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SetEmails replaces the email allowlist (used by tests and the GUI).
func (o *Owners) SetEmails(addrs []string) {
	o.apply(map[string]string{EnvOwnerEmails: strings.Join(addrs, ",")})
}

// SetNostrKeys replaces the nostr allowlist.
func (o *Owners) SetNostrKeys(keys []string) {
	o.apply(map[string]string{EnvOwnerNostr: strings.Join(keys, ",")})
}

// AllowEmail reports whether addr belongs to an owner. The system AI's own
// address is always allowed so cross-project delegation replies pass.
func (o *Owners) AllowEmail(addr string) bool {
	norm := NormalizeEmail(addr)
	if norm == "" {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if norm == o.systemEmail && o.systemEmail != "" {
		return true
	}
	_, ok := o.emails[norm]
	return ok
}

// AllowNostr reports whether pubkey (hex or npub) belongs to an owner.
func (o *Owners) AllowNostr(pubkey string) bool {
	hexKey, err := NormalizeNostrKey(pubkey)
	if err != nil {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.pubkeys[hexKey]
	return ok
}

// SystemEmail returns the system AI's Gmail address, if configured.
func (o *Owners) SystemEmail() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.systemEmail
}

// Empty reports whether no owners are configured at all. Channels refuse
// to start in that state rather than answer the whole internet.
func (o *Owners) Empty() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.emails) == 0 && len(o.pubkeys) == 0
}

// NormalizeEmail lowercases and unwraps "Display Name <addr>" forms.
func NormalizeEmail(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(parsed.Address)
	}
	return strings.ToLower(raw)
}

// NormalizeNostrKey converts an npub or hex pubkey to lowercase hex.
func NormalizeNostrKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.HasPrefix(raw, "npub") {
		prefix, value, err := nip19.Decode(raw)
		if err != nil {
			return "", fmt.Errorf("decode npub: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
		}
		hexKey, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("unexpected npub payload type %T", value)
		}
		return strings.ToLower(hexKey), nil
	}
	hexKey := strings.ToLower(raw)
	if len(hexKey) != 64 {
		return "", fmt.Errorf("hex pubkey must be 64 chars, got %d", len(hexKey))
	}
	for _, r := range hexKey {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("invalid hex pubkey")
		}
	}
	return hexKey, nil
}
