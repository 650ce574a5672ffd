// Package git polls working-tree status for tracked session directories.
// It is a sibling of the session engine: the engine tells it which
// directories to watch, it publishes a git broadcast message when a
// snapshot changes. All queries are read-only and argument-array only.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wangzexi/vibecraft-sub001/internal/broadcast"
	"github.com/wangzexi/vibecraft-sub001/internal/logging"
)

var gitLog = logging.ForComponent(logging.CompGit)

// queryTimeout bounds every git subprocess call.
const queryTimeout = 5 * time.Second

// Status is one working-tree snapshot.
type Status struct {
	IsRepo    bool      `json:"is_repo"`
	Branch    string    `json:"branch,omitempty"`
	Ahead     int       `json:"ahead"`
	Behind    int       `json:"behind"`
	Staged    int       `json:"staged"`
	Unstaged  int       `json:"unstaged"`
	Untracked int       `json:"untracked"`
	Added     int       `json:"added_lines"`
	Deleted   int       `json:"deleted_lines"`
	UpdatedAt time.Time `json:"updated_at"`
}

// equalIgnoringTime compares two snapshots without the refresh timestamp.
func (s Status) equalIgnoringTime(o Status) bool {
	s.UpdatedAt = time.Time{}
	o.UpdatedAt = time.Time{}
	return s == o
}

// Update is the broadcast payload for a changed snapshot.
type Update struct {
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`
}

// Runner executes a git command in dir and returns stdout.
// Injectable so tests never need a real repository.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

func defaultRunner(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	return string(out), err
}

// Tracker polls tracked directories and broadcasts on change.
type Tracker struct {
	mu       sync.Mutex
	dirs     map[string]string // session id -> directory
	statuses map[string]Status

	runner Runner
	broker *broadcast.Broker
}

// NewTracker creates a tracker publishing to broker. A nil runner uses the
// real git subprocess.
func NewTracker(broker *broadcast.Broker, runner Runner) *Tracker {
	if runner == nil {
		runner = defaultRunner
	}
	return &Tracker{
		dirs:     make(map[string]string),
		statuses: make(map[string]Status),
		runner:   runner,
		broker:   broker,
	}
}

// Track starts polling dir for the given session id.
func (t *Tracker) Track(sessionID, dir string) {
	t.mu.Lock()
	t.dirs[sessionID] = dir
	t.mu.Unlock()
}

// Untrack stops polling for the session and drops its cached snapshot.
func (t *Tracker) Untrack(sessionID string) {
	t.mu.Lock()
	delete(t.dirs, sessionID)
	delete(t.statuses, sessionID)
	t.mu.Unlock()
}

// Status returns the latest snapshot for a session, if any.
func (t *Tracker) Status(sessionID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.statuses[sessionID]
	return s, ok
}

// Run polls every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.PollOnce(ctx)
		}
	}
}

// PollOnce refreshes every tracked directory. A failing query for one
// session is logged and skipped; it never aborts the batch.
func (t *Tracker) PollOnce(ctx context.Context) {
	t.mu.Lock()
	targets := make(map[string]string, len(t.dirs))
	for id, dir := range t.dirs {
		targets[id] = dir
	}
	t.mu.Unlock()

	for id, dir := range targets {
		status := t.collect(ctx, dir)

		t.mu.Lock()
		// Re-check: the session may have been untracked while we polled.
		if _, stillTracked := t.dirs[id]; !stillTracked {
			t.mu.Unlock()
			continue
		}
		prev, had := t.statuses[id]
		t.statuses[id] = status
		t.mu.Unlock()

		if !had || !prev.equalIgnoringTime(status) {
			t.broker.Publish(broadcast.Message{
				Kind:    broadcast.KindGit,
				Payload: Update{SessionID: id, Status: status},
			})
		}
	}
}

var shortstatRe = regexp.MustCompile(`(\d+) insertion|(\d+) deletion`)

// collect gathers one snapshot. Any individual query failure degrades that
// field to zero rather than failing the snapshot.
func (t *Tracker) collect(ctx context.Context, dir string) Status {
	status := Status{UpdatedAt: time.Now()}

	branch, err := t.runner(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		// Not a repository (or git missing). Either way: no git signal.
		return status
	}
	status.IsRepo = true
	status.Branch = strings.TrimSpace(branch)

	// Ahead/behind relative to upstream; a branch with no upstream reads 0/0.
	if out, err := t.runner(ctx, dir, "rev-list", "--left-right", "--count", "@{upstream}...HEAD"); err == nil {
		fields := strings.Fields(out)
		if len(fields) == 2 {
			status.Behind, _ = strconv.Atoi(fields[0])
			status.Ahead, _ = strconv.Atoi(fields[1])
		}
	}

	if out, err := t.runner(ctx, dir, "status", "--porcelain"); err == nil {
		staged, unstaged, untracked := parsePorcelain(out)
		status.Staged = staged
		status.Unstaged = unstaged
		status.Untracked = untracked
	} else {
		gitLog.Debug("status_query_failed", slog.String("dir", dir), slog.String("error", err.Error()))
	}

	if out, err := t.runner(ctx, dir, "diff", "HEAD", "--shortstat"); err == nil {
		status.Added, status.Deleted = parseShortstat(out)
	}

	return status
}

// parsePorcelain counts staged, unstaged, and untracked entries from
// `git status --porcelain` output. The first column is the index state,
// the second the worktree state.
func parsePorcelain(out string) (staged, unstaged, untracked int) {
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		if x == '?' && y == '?' {
			untracked++
			continue
		}
		if x != ' ' && x != '?' {
			staged++
		}
		if y != ' ' && y != '?' {
			unstaged++
		}
	}
	return staged, unstaged, untracked
}

// parseShortstat extracts insertion/deletion line counts from
// "N files changed, X insertions(+), Y deletions(-)".
func parseShortstat(out string) (added, deleted int) {
	for _, m := range shortstatRe.FindAllStringSubmatch(out, -1) {
		if m[1] != "" {
			added, _ = strconv.Atoi(m[1])
		}
		if m[2] != "" {
			deleted, _ = strconv.Atoi(m[2])
		}
	}
	return added, deleted
}

// IsGitRepo reports whether dir is inside a git repository.
func IsGitRepo(ctx context.Context, dir string) bool {
	_, err := defaultRunner(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

// String renders a compact one-line summary, used in logs.
func (s Status) String() string {
	if !s.IsRepo {
		return "not a repo"
	}
	return fmt.Sprintf("%s ↑%d↓%d +%d~%d?%d", s.Branch, s.Ahead, s.Behind, s.Staged, s.Unstaged, s.Untracked)
}
