package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.WorkingTimeoutSecs != 120 {
		t.Errorf("WorkingTimeoutSecs = %d, want 120", cfg.Engine.WorkingTimeoutSecs)
	}
	if cfg.Poll.PermissionMS != 1000 {
		t.Errorf("PermissionMS = %d, want 1000", cfg.Poll.PermissionMS)
	}
}

func TestLoadOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `
[engine]
working_timeout_secs = 300

[poll]
permission_ms = 500

[web]
addr = "127.0.0.1:9999"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.WorkingTimeoutSecs != 300 {
		t.Errorf("WorkingTimeoutSecs = %d, want 300", cfg.Engine.WorkingTimeoutSecs)
	}
	if cfg.Poll.PermissionMS != 500 {
		t.Errorf("PermissionMS = %d, want 500", cfg.Poll.PermissionMS)
	}
	if cfg.Web.Addr != "127.0.0.1:9999" {
		t.Errorf("Addr = %q", cfg.Web.Addr)
	}
	// Untouched sections keep defaults
	if cfg.Poll.TokenMS != 2000 {
		t.Errorf("TokenMS = %d, want 2000", cfg.Poll.TokenMS)
	}
}

func TestLoadRejectsZeroIntervals(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `
[poll]
permission_ms = 0
health_ms = -5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Poll.PermissionMS != 1000 || cfg.Poll.HealthMS != 5000 {
		t.Errorf("zero intervals not floored: %+v", cfg.Poll)
	}
}

func TestLoadMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("[[[not toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	// Still usable defaults on error
	if cfg.Engine.WorkingTimeoutSecs != 120 {
		t.Errorf("expected defaults on parse error, got %+v", cfg.Engine)
	}
}
