package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/wangzexi/vibecraft-sub001/internal/logging"
)

// PollerConfig sets the cadence of each background loop. Zero values
// take the defaults below.
type PollerConfig struct {
	PermissionInterval time.Duration
	TokenInterval      time.Duration
	HealthInterval     time.Duration
	SweepInterval      time.Duration

	// CaptureLines bounds how much pane scrollback each capture reads.
	CaptureLines int
}

const (
	defaultPermissionInterval = time.Second
	defaultTokenInterval      = 2 * time.Second
	defaultHealthInterval     = 5 * time.Second
	defaultSweepInterval      = 10 * time.Second
	defaultCaptureLines       = 50
)

// Pollers runs the four independent inference loops against a Manager.
// Each loop has its own cadence and failure domain; one session's
// capture error never stalls the others, and a loop overrunning its
// interval simply skips ticks.
type Pollers struct {
	m   *Manager
	gw  Gateway
	cfg PollerConfig
	log *slog.Logger
}

func NewPollers(m *Manager, gw Gateway, cfg PollerConfig) *Pollers {
	if cfg.PermissionInterval <= 0 {
		cfg.PermissionInterval = defaultPermissionInterval
	}
	if cfg.TokenInterval <= 0 {
		cfg.TokenInterval = defaultTokenInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = defaultCaptureLines
	}
	return &Pollers{m: m, gw: gw, cfg: cfg, log: logging.ForComponent(logging.CompPoll)}
}

// Run starts all loops and blocks until ctx is cancelled.
func (p *Pollers) Run(ctx context.Context) {
	go p.loop(ctx, p.cfg.PermissionInterval, p.PermissionCycle)
	go p.loop(ctx, p.cfg.TokenInterval, p.TokenCycle)
	go p.loop(ctx, p.cfg.HealthInterval, p.m.RunHealthCheck)
	go p.loop(ctx, p.cfg.SweepInterval, func(context.Context) { p.m.RunTimeoutSweep() })
	<-ctx.Done()
}

func (p *Pollers) loop(ctx context.Context, interval time.Duration, cycle func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle(ctx)
		}
	}
}

// PermissionCycle captures every active session's pane once and feeds
// the permission and bypass detectors. Captures run concurrently; the
// manager tolerates completions arriving after the session is gone.
func (p *Pollers) PermissionCycle(ctx context.Context) {
	for _, target := range p.m.PollTargets() {
		go func(t PollTarget) {
			text, err := p.gw.CaptureOutput(ctx, t.TmuxSession, p.cfg.CaptureLines)
			p.m.ApplyPermissionCapture(ctx, t.ID, text, err)
		}(target)
	}
}

// TokenCycle captures every active session's pane and updates token
// counters.
func (p *Pollers) TokenCycle(ctx context.Context) {
	for _, target := range p.m.PollTargets() {
		go func(t PollTarget) {
			text, err := p.gw.CaptureOutput(ctx, t.TmuxSession, p.cfg.CaptureLines)
			p.m.ApplyTokenCapture(t.ID, text, err)
		}(target)
	}
}
