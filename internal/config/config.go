// Package config loads the vibecraftd TOML configuration file and applies
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file inside the data directory.
const FileName = "config.toml"

// Config is the daemon configuration.
type Config struct {
	// Web defines the HTTP/websocket listener settings
	Web WebSettings `toml:"web"`

	// Poll defines poller cadences in milliseconds
	Poll PollSettings `toml:"poll"`

	// Engine defines session state machine tunables
	Engine EngineSettings `toml:"engine"`

	// Events defines lifecycle event ingestion settings
	Events EventSettings `toml:"events"`

	// Log defines logging settings
	Log LogSettings `toml:"log"`
}

// WebSettings configures the HTTP listener.
type WebSettings struct {
	// Addr is the listen address, e.g. "127.0.0.1:4650"
	Addr string `toml:"addr"`

	// PushEventsPerSec rate-limits POST /api/events
	PushEventsPerSec float64 `toml:"push_events_per_sec"`

	// PushBurst is the rate limiter burst size
	PushBurst int `toml:"push_burst"`
}

// PollSettings configures the independent poller cadences.
// All values are milliseconds.
type PollSettings struct {
	PermissionMS int `toml:"permission_ms"`
	TokenMS      int `toml:"token_ms"`
	HealthMS     int `toml:"health_ms"`
	TimeoutMS    int `toml:"timeout_sweep_ms"`
	GitMS        int `toml:"git_ms"`
}

// EngineSettings configures the session registry.
type EngineSettings struct {
	// WorkingTimeoutSecs is the failsafe that returns a stuck "working"
	// session to idle when no activity is seen. Heuristic, not a guarantee.
	WorkingTimeoutSecs int `toml:"working_timeout_secs"`

	// CaptureLines is the pane window handed to the detectors
	CaptureLines int `toml:"capture_lines"`

	// LedgerCapacity bounds the event ledger and its dedup set
	LedgerCapacity int `toml:"ledger_capacity"`
}

// EventSettings configures lifecycle event file ingestion.
type EventSettings struct {
	// Dir is the directory the agent's hooks drop event JSON files into.
	// Empty means <data_dir>/events.
	Dir string `toml:"dir"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Web: WebSettings{
			Addr:             "127.0.0.1:4650",
			PushEventsPerSec: 50,
			PushBurst:        100,
		},
		Poll: PollSettings{
			PermissionMS: 1000,
			TokenMS:      2000,
			HealthMS:     5000,
			TimeoutMS:    10000,
			GitMS:        5000,
		},
		Engine: EngineSettings{
			WorkingTimeoutSecs: 120,
			CaptureLines:       50,
			LedgerCapacity:     1000,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "json",
		},
	}
}

// DataDir returns the vibecraft data directory (~/.vibecraft).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return filepath.Join(home, ".vibecraft")
}

// Load reads the config file at path, applying defaults for missing fields.
// A missing file is not an error: defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Default(), fmt.Errorf("parse config: %w", err)
	}

	cfg.applyFloors()
	return cfg, nil
}

// applyFloors rejects zero/negative tunables by resetting them to defaults.
// A zero poll interval would spin a poller hot.
func (c *Config) applyFloors() {
	def := Default()
	if c.Poll.PermissionMS <= 0 {
		c.Poll.PermissionMS = def.Poll.PermissionMS
	}
	if c.Poll.TokenMS <= 0 {
		c.Poll.TokenMS = def.Poll.TokenMS
	}
	if c.Poll.HealthMS <= 0 {
		c.Poll.HealthMS = def.Poll.HealthMS
	}
	if c.Poll.TimeoutMS <= 0 {
		c.Poll.TimeoutMS = def.Poll.TimeoutMS
	}
	if c.Poll.GitMS <= 0 {
		c.Poll.GitMS = def.Poll.GitMS
	}
	if c.Engine.WorkingTimeoutSecs <= 0 {
		c.Engine.WorkingTimeoutSecs = def.Engine.WorkingTimeoutSecs
	}
	if c.Engine.CaptureLines <= 0 {
		c.Engine.CaptureLines = def.Engine.CaptureLines
	}
	if c.Engine.LedgerCapacity <= 0 {
		c.Engine.LedgerCapacity = def.Engine.LedgerCapacity
	}
	if c.Web.Addr == "" {
		c.Web.Addr = def.Web.Addr
	}
	if c.Web.PushEventsPerSec <= 0 {
		c.Web.PushEventsPerSec = def.Web.PushEventsPerSec
	}
	if c.Web.PushBurst <= 0 {
		c.Web.PushBurst = def.Web.PushBurst
	}
}
