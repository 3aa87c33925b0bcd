package security

import (
	"encoding/base64"
	"testing"
)

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("token is not base64url: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("token entropy = %d bytes, want 32", len(raw))
	}
	b, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if a == b {
		t.Error("two tokens collided")
	}
}

func TestLimiterPerKey(t *testing.T) {
	l := NewLimiter(1, 2)
	defer l.Stop()

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst refused")
	}
	if l.Allow("a") {
		t.Error("third request within the burst allowed")
	}
	// Another key has its own bucket.
	if !l.Allow("b") {
		t.Error("independent key refused")
	}
}

func TestLimiterStopIdempotent(t *testing.T) {
	l := NewLimiter(1, 1)
	l.Stop()
	l.Stop()
}
