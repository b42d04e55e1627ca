package identity

import (
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"
)

func newOwners(t *testing.T) *Owners {
	t.Helper()
	return &Owners{
		emails:  map[string]struct{}{},
		pubkeys: map[string]struct{}{},
	}
}

func TestAllowEmail(t *testing.T) {
	o := newOwners(t)
	o.SetEmails([]string{"Boss@Example.com", "second@example.com"})

	cases := []struct {
		addr string
		want bool
	}{
		{"boss@example.com", true},
		{"BOSS@EXAMPLE.COM", true},
		{"The Boss <boss@example.com>", true},
		{"second@example.com", true},
		{"intruder@example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := o.AllowEmail(tc.addr); got != tc.want {
			t.Errorf("AllowEmail(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestSystemEmailAlwaysAllowed(t *testing.T) {
	o := newOwners(t)
	o.apply(map[string]string{
		EnvOwnerEmails: "boss@example.com",
		EnvSystemEmail: "System@Example.com",
	})
	if !o.AllowEmail("system@example.com") {
		t.Error("system AI address should pass the owner gate")
	}
}

func TestAllowNostrHexAndNpub(t *testing.T) {
	const hexKey = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	npub, err := nip19.EncodePublicKey(hexKey)
	if err != nil {
		t.Fatalf("encode npub: %v", err)
	}

	o := newOwners(t)
	o.SetNostrKeys([]string{npub})

	if !o.AllowNostr(hexKey) {
		t.Error("hex lookup failed for npub-configured owner")
	}
	if !o.AllowNostr(npub) {
		t.Error("npub lookup failed")
	}
	if o.AllowNostr("deadbeef") {
		t.Error("short key should be rejected")
	}
}

func TestNormalizeNostrKey(t *testing.T) {
	if _, err := NormalizeNostrKey("not-a-key"); err == nil {
		t.Error("expected error for garbage key")
	}
	if _, err := NormalizeNostrKey(""); err == nil {
		t.Error("expected error for empty key")
	}
	got, err := NormalizeNostrKey("ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef0123456789")
	if err != nil {
		t.Fatalf("NormalizeNostrKey: %v", err)
	}
	if got != "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789" {
		t.Errorf("hex not lowercased: %q", got)
	}
}

func TestEmptyGate(t *testing.T) {
	o := newOwners(t)
	if !o.Empty() {
		t.Error("fresh owner set should be empty")
	}
	o.SetEmails([]string{"boss@example.com"})
	if o.Empty() {
		t.Error("owner set with an email should not be empty")
	}
}
