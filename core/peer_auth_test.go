package core

import (
	"errors"
	"testing"
)

func TestParseAuthLevel(t *testing.T) {
	cases := map[string]AuthLevel{
		"":      AuthNone,
		"none":  AuthNone,
		"Basic": AuthBasic,
		"relay": AuthRelay,
		"Admin": AuthAdmin,
	}
	for s, want := range cases {
		got, err := ParseAuthLevel(s)
		if err != nil {
			t.Fatalf("ParseAuthLevel(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("ParseAuthLevel(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := ParseAuthLevel("bogus"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestPeerAuthRegistryGrantAndMeets(t *testing.T) {
	r := NewPeerAuthRegistry()
	peer := PeerId("peer-1")

	if r.LevelOf(peer) != AuthNone {
		t.Fatalf("expected default level AuthNone")
	}
	r.Grant(peer, AuthRelay)
	if !r.Meets(peer, AuthBasic) {
		t.Fatalf("expected AuthRelay to meet AuthBasic")
	}
	if r.Meets(peer, AuthAdmin) {
		t.Fatalf("expected AuthRelay to not meet AuthAdmin")
	}
}

func TestPeerAuthRegistryBanTakesPrecedenceOverTrust(t *testing.T) {
	r := NewPeerAuthRegistry()
	peer := PeerId("peer-1")

	r.Trust(peer)
	if !r.IsTrusted(peer) {
		t.Fatalf("expected peer to be trusted")
	}
	r.Ban(peer, "spam")
	if r.IsTrusted(peer) {
		t.Fatalf("expected ban to revoke trust")
	}
	reason, banned := r.IsBanned(peer)
	if !banned || reason != "spam" {
		t.Fatalf("expected ban reason 'spam', got %q banned=%v", reason, banned)
	}

	// Trust granted after a ban must not silently clear it.
	r.Trust(peer)
	if r.IsTrusted(peer) {
		t.Fatalf("expected trust to be refused for a banned peer")
	}
}

func TestPeerAuthRegistryAuthorize(t *testing.T) {
	r := NewPeerAuthRegistry()
	banned := PeerId("banned")
	trusted := PeerId("trusted")
	weak := PeerId("weak")
	strong := PeerId("strong")

	r.Ban(banned, "abuse")
	r.Trust(trusted)
	r.Grant(weak, AuthBasic)
	r.Grant(strong, AuthAdmin)

	if err := r.Authorize(banned, AuthNone); !errors.Is(err, ErrRelayBanned) {
		t.Fatalf("expected ErrRelayBanned, got %v", err)
	}
	if err := r.Authorize(trusted, AuthAdmin); err != nil {
		t.Fatalf("expected trusted peer to bypass level check: %v", err)
	}
	if err := r.Authorize(weak, AuthRelay); err == nil {
		t.Fatalf("expected weak peer to fail AuthRelay requirement")
	}
	if err := r.Authorize(strong, AuthRelay); err != nil {
		t.Fatalf("expected strong peer to pass AuthRelay requirement: %v", err)
	}
}

func TestPeerAuthRegistryUnbanUntrust(t *testing.T) {
	r := NewPeerAuthRegistry()
	peer := PeerId("peer-1")

	r.Ban(peer, "reason")
	r.Unban(peer)
	if _, banned := r.IsBanned(peer); banned {
		t.Fatalf("expected unban to clear ban state")
	}

	r.Trust(peer)
	r.Untrust(peer)
	if r.IsTrusted(peer) {
		t.Fatalf("expected untrust to clear trust state")
	}
}
