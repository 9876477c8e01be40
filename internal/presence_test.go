package internal

import "testing"

func TestDeriveIdentityStable(t *testing.T) {
	a := DeriveIdentity("203.0.113.7:52110", "Mozilla/5.0")
	b := DeriveIdentity("203.0.113.7:52110", "Mozilla/5.0")
	if a != b {
		t.Fatalf("identity not stable across reconnects: %q vs %q", a, b)
	}
	if len(a) != identityLen {
		t.Fatalf("expected %d-char identity, got %q", identityLen, a)
	}
}

func TestDeriveIdentityDistinguishesPeers(t *testing.T) {
	a := DeriveIdentity("203.0.113.7:52110", "Mozilla/5.0")
	b := DeriveIdentity("198.51.100.23:40001", "curl/8.5.0")
	// Collisions are tolerated by design, but these fixed inputs hash apart.
	if a == b {
		t.Fatalf("expected distinct labels for distinct peers, both %q", a)
	}
}

func TestDeriveIdentityFallback(t *testing.T) {
	a := DeriveIdentity("", "")
	if len(a) != identityLen {
		t.Fatalf("expected %d-char fallback identity, got %q", identityLen, a)
	}
	b := DeriveIdentity("", "")
	if a == b {
		t.Fatalf("fallback identities should be random, both %q", a)
	}
}
