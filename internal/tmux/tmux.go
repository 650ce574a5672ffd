// Package tmux is the subprocess gateway to the terminal multiplexer.
// Every command is invoked with a strict argument array (no shell
// interpolation), a timeout, and an output-size cap. Session names are
// validated against an allow-list before reaching any process-control
// command: a corrupted or injected name must never make it into an argv.
package tmux

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wangzexi/vibecraft-sub001/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// SessionPrefix namespaces every multiplexer session this daemon owns.
const SessionPrefix = "vibecraft_"

// maxCaptureBytes caps a single capture-pane read. A wedged pane spewing
// garbage must not balloon memory.
const maxCaptureBytes = 256 * 1024

// defaultTimeout bounds every tmux subprocess call.
const defaultTimeout = 5 * time.Second

// ErrCaptureTimeout is returned when a capture exceeds its timeout.
// Callers should preserve previous state rather than marking the session
// offline on a single slow capture.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// ErrInvalidSessionName is returned when a name fails allow-list validation.
var ErrInvalidSessionName = errors.New("invalid multiplexer session name")

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidSessionName reports whether name is safe to pass to tmux.
// Only [A-Za-z0-9_-] is allowed; everything else is rejected, not escaped,
// because tmux target strings have their own interpretation rules.
func ValidSessionName(name string) bool {
	return name != "" && len(name) <= 128 && validName.MatchString(name)
}

// GenerateSessionName builds a fresh unique session name from the monotonic
// naming counter plus a short random suffix. The suffix guards against a
// counter reset (e.g. deleted state file) colliding with a live session.
func GenerateSessionName(counter int64) string {
	return SessionPrefix + strconv.FormatInt(counter, 10) + "_" + shortID()
}

func shortID() string {
	b := make([]byte, 2)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano()%0x10000, 16)
	}
	return hex.EncodeToString(b)
}

// IsTmuxAvailable checks that tmux is installed and responding.
func IsTmuxAvailable() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "tmux", "-V").CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not working: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Gateway executes tmux commands. Safe for concurrent use; concurrent
// captures of the same session are deduplicated via singleflight.
type Gateway struct {
	timeout   time.Duration
	captureSf singleflight.Group
}

// NewGateway creates a gateway with the default per-command timeout.
func NewGateway() *Gateway {
	return &Gateway{timeout: defaultTimeout}
}

// run executes tmux with the given argument array under a timeout.
func (g *Gateway) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.Output()
	if len(out) > maxCaptureBytes {
		out = out[len(out)-maxCaptureBytes:]
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("tmux %s: %w", args[0], context.DeadlineExceeded)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("tmux %s: %w (stderr: %s)", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return out, nil
}

// SpawnSession creates a detached session running command in cwd.
// The caller must pass a pre-validated cwd; the name is validated here.
func (g *Gateway) SpawnSession(ctx context.Context, name, cwd, command string) error {
	if !ValidSessionName(name) {
		return ErrInvalidSessionName
	}

	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("spawn session %s: %w", name, err)
	}

	// Large scrollback for agent output; generous but bounded.
	_, _ = g.run(ctx, "set-option", "-t", name, "history-limit", "10000")

	if command != "" {
		if err := g.SendKeysAndEnter(ctx, name, command); err != nil {
			// The session exists but the launch command failed to land.
			// Kill it so the caller doesn't register a half-started session.
			_ = g.KillSession(ctx, name)
			return fmt.Errorf("send launch command: %w", err)
		}
	}

	tmuxLog.Info("session_spawned", slog.String("session", name), slog.String("cwd", cwd))
	return nil
}

// KillSession terminates the session. A missing session is not an error:
// the desired end state (no such session) already holds.
func (g *Gateway) KillSession(ctx context.Context, name string) error {
	if !ValidSessionName(name) {
		return ErrInvalidSessionName
	}
	if _, err := g.run(ctx, "kill-session", "-t", name); err != nil {
		if g.sessionMissing(ctx, name) {
			return nil
		}
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	return nil
}

func (g *Gateway) sessionMissing(ctx context.Context, name string) bool {
	_, err := g.run(ctx, "has-session", "-t", name)
	return err != nil
}

// SendKeys sends literal text to the session without a trailing Enter.
// The -l flag disables tmux key-name lookup so the text arrives verbatim.
func (g *Gateway) SendKeys(ctx context.Context, name, text string) error {
	if !ValidSessionName(name) {
		return ErrInvalidSessionName
	}
	if _, err := g.run(ctx, "send-keys", "-t", name, "-l", text); err != nil {
		return fmt.Errorf("send keys to %s: %w", name, err)
	}
	return nil
}

// SendEnter sends a single Enter keypress.
func (g *Gateway) SendEnter(ctx context.Context, name string) error {
	if !ValidSessionName(name) {
		return ErrInvalidSessionName
	}
	if _, err := g.run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("send enter to %s: %w", name, err)
	}
	return nil
}

// SendInterrupt sends Ctrl-C to the session's foreground process.
func (g *Gateway) SendInterrupt(ctx context.Context, name string) error {
	if !ValidSessionName(name) {
		return ErrInvalidSessionName
	}
	if _, err := g.run(ctx, "send-keys", "-t", name, "C-c"); err != nil {
		return fmt.Errorf("send interrupt to %s: %w", name, err)
	}
	return nil
}

// LoadAndPasteBuffer injects multi-line text through a tmux paste buffer
// backed by a temp file. Unlike send-keys, pasted text is never interpreted
// as key names, so prompts containing special characters arrive intact.
func (g *Gateway) LoadAndPasteBuffer(ctx context.Context, name, text string) error {
	if !ValidSessionName(name) {
		return ErrInvalidSessionName
	}

	tmp, err := os.CreateTemp("", "vibecraft-paste-*")
	if err != nil {
		return fmt.Errorf("create paste temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("write paste temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close paste temp file: %w", err)
	}

	bufName := "vibecraft_" + shortID()
	if _, err := g.run(ctx, "load-buffer", "-b", bufName, tmp.Name()); err != nil {
		return fmt.Errorf("load buffer: %w", err)
	}
	// -d deletes the buffer after pasting so buffers don't accumulate.
	if _, err := g.run(ctx, "paste-buffer", "-d", "-b", bufName, "-t", name); err != nil {
		_, _ = g.run(ctx, "delete-buffer", "-b", bufName)
		return fmt.Errorf("paste buffer: %w", err)
	}
	return nil
}

// SendKeysAndEnter sends literal text followed by Enter.
func (g *Gateway) SendKeysAndEnter(ctx context.Context, name, text string) error {
	if err := g.SendKeys(ctx, name, text); err != nil {
		return err
	}
	return g.SendEnter(ctx, name)
}

// CaptureOutput returns the last lineWindow lines of the session's pane.
// Concurrent captures of the same session share one subprocess via
// singleflight; each poller still gets the full result.
func (g *Gateway) CaptureOutput(ctx context.Context, name string, lineWindow int) (string, error) {
	if !ValidSessionName(name) {
		return "", ErrInvalidSessionName
	}
	if lineWindow <= 0 {
		lineWindow = 50
	}

	v, err, _ := g.captureSf.Do(name, func() (interface{}, error) {
		out, err := g.run(ctx, "capture-pane", "-p", "-t", name,
			"-S", "-"+strconv.Itoa(lineWindow))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return "", ErrCaptureTimeout
			}
			return "", err
		}
		return string(out), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ListLiveSessionNames returns the names of all live sessions owned by this
// daemon (SessionPrefix match). One subprocess per health-check cycle, not
// one per session.
func (g *Gateway) ListLiveSessionNames(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// "no server running" means zero live sessions, not a failure.
		if strings.Contains(err.Error(), "no server") {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, SessionPrefix) {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}
