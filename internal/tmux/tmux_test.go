package tmux

import (
	"context"
	"strings"
	"testing"
)

func TestValidSessionName(t *testing.T) {
	valid := []string{
		"vibecraft_1_a3f0",
		"vibecraft_42_ffff",
		"plain-name",
		"UPPER_lower-123",
	}
	for _, name := range valid {
		if !ValidSessionName(name) {
			t.Errorf("ValidSessionName(%q) = false, want true", name)
		}
	}

	invalid := []string{
		"",
		"has space",
		"semi;colon",
		"dollar$var",
		"back`tick",
		"new\nline",
		"path/../traversal",
		"quote'name",
		"vibecraft_$(rm -rf)",
		strings.Repeat("a", 129),
	}
	for _, name := range invalid {
		if ValidSessionName(name) {
			t.Errorf("ValidSessionName(%q) = true, want false", name)
		}
	}
}

func TestGenerateSessionNameUniqueAndValid(t *testing.T) {
	seen := make(map[string]bool)
	for i := int64(0); i < 50; i++ {
		name := GenerateSessionName(i)
		if !ValidSessionName(name) {
			t.Fatalf("generated name %q fails validation", name)
		}
		if !strings.HasPrefix(name, SessionPrefix) {
			t.Fatalf("generated name %q missing prefix", name)
		}
		if seen[name] {
			t.Fatalf("duplicate generated name %q", name)
		}
		seen[name] = true
	}
}

func TestGenerateSessionNameCounterCollision(t *testing.T) {
	// Same counter value must still produce distinct names (random suffix).
	a := GenerateSessionName(7)
	b := GenerateSessionName(7)
	if a == b {
		t.Errorf("names for same counter collided: %q", a)
	}
}

func TestGatewayRejectsInvalidNames(t *testing.T) {
	// Invalid names must be rejected before any subprocess is spawned,
	// so these calls fail instantly even with no tmux installed.
	g := NewGateway()
	ctx := context.Background()

	if err := g.KillSession(ctx, "bad;name"); err != ErrInvalidSessionName {
		t.Errorf("KillSession: got %v, want ErrInvalidSessionName", err)
	}
	if err := g.SendKeys(ctx, "bad name", "text"); err != ErrInvalidSessionName {
		t.Errorf("SendKeys: got %v, want ErrInvalidSessionName", err)
	}
	if err := g.SendInterrupt(ctx, "$x"); err != ErrInvalidSessionName {
		t.Errorf("SendInterrupt: got %v, want ErrInvalidSessionName", err)
	}
	if err := g.LoadAndPasteBuffer(ctx, "", "text"); err != ErrInvalidSessionName {
		t.Errorf("LoadAndPasteBuffer: got %v, want ErrInvalidSessionName", err)
	}
	if _, err := g.CaptureOutput(ctx, "a b", 50); err != ErrInvalidSessionName {
		t.Errorf("CaptureOutput: got %v, want ErrInvalidSessionName", err)
	}
	if err := g.SpawnSession(ctx, "née", "/tmp", ""); err != ErrInvalidSessionName {
		t.Errorf("SpawnSession: got %v, want ErrInvalidSessionName", err)
	}
}
