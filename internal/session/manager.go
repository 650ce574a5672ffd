package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wangzexi/vibecraft-sub001/internal/broadcast"
	"github.com/wangzexi/vibecraft-sub001/internal/detect"
	"github.com/wangzexi/vibecraft-sub001/internal/event"
	"github.com/wangzexi/vibecraft-sub001/internal/logging"
	"github.com/wangzexi/vibecraft-sub001/internal/statedb"
	"github.com/wangzexi/vibecraft-sub001/internal/tmux"
)

// Gateway is the subprocess surface the manager drives. *tmux.Gateway
// satisfies it; tests substitute a fake.
type Gateway interface {
	SpawnSession(ctx context.Context, name, cwd, command string) error
	KillSession(ctx context.Context, name string) error
	SendKeys(ctx context.Context, name, text string) error
	SendEnter(ctx context.Context, name string) error
	SendInterrupt(ctx context.Context, name string) error
	LoadAndPasteBuffer(ctx context.Context, name, text string) error
	CaptureOutput(ctx context.Context, name string, lineWindow int) (string, error)
	ListLiveSessionNames(ctx context.Context) ([]string, error)
}

// SnapshotStore persists the full registry state. Saves are best-effort;
// a nil store disables persistence.
type SnapshotStore interface {
	SaveSnapshot(snap statedb.Snapshot) error
}

// DirTracker is the repository-status side channel fed with each
// session's working directory.
type DirTracker interface {
	Track(id, dir string)
	Untrack(id string)
}

// ManagerConfig carries the manager's collaborators and tunables.
type ManagerConfig struct {
	Gateway Gateway
	Broker  *broadcast.Broker
	Ledger  *event.Ledger
	Store   SnapshotStore
	Git     DirTracker

	// WorkingTimeout demotes a working session to idle once its last
	// activity is older than this. Zero means the default of 2 minutes.
	WorkingTimeout time.Duration

	// AgentCommand is the program launched inside each new pane.
	// Defaults to "claude".
	AgentCommand string

	// Now overrides the clock for tests.
	Now func() time.Time
}

const (
	defaultWorkingTimeout = 2 * time.Minute
	defaultAgentCommand   = "claude"
)

var (
	// ErrSessionNotFound is returned by commands naming an unknown id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidDirectory is returned when a working directory fails
	// validation.
	ErrInvalidDirectory = errors.New("invalid working directory")
)

// Manager owns the session registry. A single mutex guards all state;
// every mutation funnels through it so pollers, event ingestion, and
// client commands never observe a half-applied transition.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Instance
	links       map[string]string // external conversation id -> session id
	nameCounter int64

	gw     Gateway
	broker *broadcast.Broker
	ledger *event.Ledger
	store  SnapshotStore
	git    DirTracker

	workingTimeout time.Duration
	agentCommand   string
	now            func() time.Time

	log *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		sessions:       make(map[string]*Instance),
		links:          make(map[string]string),
		gw:             cfg.Gateway,
		broker:         cfg.Broker,
		ledger:         cfg.Ledger,
		store:          cfg.Store,
		git:            cfg.Git,
		workingTimeout: cfg.WorkingTimeout,
		agentCommand:   cfg.AgentCommand,
		now:            cfg.Now,
		log:            logging.ForComponent(logging.CompEngine),
	}
	if m.workingTimeout <= 0 {
		m.workingTimeout = defaultWorkingTimeout
	}
	if m.agentCommand == "" {
		m.agentCommand = defaultAgentCommand
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.ledger == nil {
		m.ledger = event.NewLedger(event.DefaultCapacity)
	}
	return m
}

// Restore loads a previously persisted snapshot. Restored sessions come
// back offline; the health poller promotes any whose tmux session is
// still alive.
func (m *Manager) Restore(snap statedb.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range snap.Sessions {
		inst := &Instance{
			ID:               row.ID,
			Name:             row.Name,
			TmuxSession:      row.TmuxSession,
			Status:           StatusOffline,
			CWD:              row.CWD,
			CreatedAt:        row.CreatedAt,
			LastActivity:     row.LastActivity,
			LinkedExternalID: row.LinkedExternalID,
			Placement:        row.Placement,
		}
		m.sessions[inst.ID] = inst
		if m.git != nil && inst.CWD != "" {
			m.git.Track(inst.ID, inst.CWD)
		}
	}
	for ext, id := range snap.Links {
		if _, ok := m.sessions[id]; ok {
			m.links[ext] = id
		}
	}
	m.nameCounter = snap.NameCounter
	m.log.Info("registry restored", "sessions", len(m.sessions), "links", len(m.links))
}

// CreateOptions controls a new session's launch.
type CreateOptions struct {
	Name            string
	CWD             string
	Continue        bool
	SkipPermissions bool
	Browser         bool
}

// shellMetaChars are rejected outright in working directories rather
// than escaped; the directory ends up inside a pane running a shell.
const shellMetaChars = "`$;&|<>(){}[]*?!#~'\"\\\n\r\t"

func validateWorkingDir(dir string) (string, error) {
	if strings.ContainsAny(dir, shellMetaChars) {
		return "", fmt.Errorf("%w: shell metacharacters in %q", ErrInvalidDirectory, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDirectory, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: not a directory: %s", ErrInvalidDirectory, dir)
	}
	return dir, nil
}

func (m *Manager) buildLaunchCommand(opts CreateOptions) string {
	parts := []string{m.agentCommand}
	if opts.Continue {
		parts = append(parts, "--continue")
	}
	if opts.SkipPermissions {
		parts = append(parts, "--dangerously-skip-permissions")
	}
	if opts.Browser {
		parts = append(parts, "--browser")
	}
	return strings.Join(parts, " ")
}

// CreateSession spawns a tmux session running the agent and registers
// it idle. On spawn failure no record is created.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (Summary, error) {
	cwd := opts.CWD
	if cwd == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Summary{}, fmt.Errorf("resolve home directory: %w", err)
		}
		cwd = home
	}
	cwd, err := validateWorkingDir(cwd)
	if err != nil {
		return Summary{}, err
	}

	m.mu.Lock()
	m.nameCounter++
	counter := m.nameCounter
	m.mu.Unlock()

	tmuxName := tmux.GenerateSessionName(counter)
	command := m.buildLaunchCommand(opts)
	if err := m.gw.SpawnSession(ctx, tmuxName, cwd, command); err != nil {
		return Summary{}, fmt.Errorf("spawn session: %w", err)
	}

	now := m.now()
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("session-%d", counter)
	}
	inst := &Instance{
		ID:            uuid.NewString(),
		Name:          name,
		TmuxSession:   tmuxName,
		Status:        StatusIdle,
		CWD:           cwd,
		CreatedAt:     now,
		LastActivity:  now,
		launchCommand: command,
	}

	m.mu.Lock()
	m.sessions[inst.ID] = inst
	m.persistLocked()
	summary := inst.summary()
	m.mu.Unlock()

	if m.git != nil {
		m.git.Track(inst.ID, cwd)
	}
	m.log.Info("session created", "id", inst.ID, "name", name, "tmux", tmuxName, "cwd", cwd)
	m.publishSessions()
	return summary, nil
}

// DeleteSession kills the backing tmux session and removes all registry
// state. Kill failures do not abort the cleanup; the record is gone
// either way and later poll completions for the id become no-ops.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	tmuxName := inst.TmuxSession
	delete(m.sessions, id)
	for ext, sid := range m.links {
		if sid == id {
			delete(m.links, ext)
		}
	}
	m.persistLocked()
	m.mu.Unlock()

	if tmux.ValidSessionName(tmuxName) {
		if err := m.gw.KillSession(ctx, tmuxName); err != nil {
			m.log.Warn("kill session failed during delete", "id", id, "tmux", tmuxName, "error", err)
		}
	} else {
		m.log.Warn("stored tmux name failed validation, skipping kill", "id", id, "tmux", tmuxName)
	}
	if m.git != nil {
		m.git.Untrack(id)
	}
	m.log.Info("session deleted", "id", id)
	m.publishSessions()
	return nil
}

// RestartSession kills the old pane and relaunches under a fresh tmux
// name. The external link is cleared: the new process is a new
// conversation until events or the client say otherwise.
func (m *Manager) RestartSession(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	oldName := inst.TmuxSession
	command := inst.launchCommand
	cwd := inst.CWD
	m.nameCounter++
	newName := tmux.GenerateSessionName(m.nameCounter)
	m.mu.Unlock()

	if command == "" {
		command = m.agentCommand
	}
	if tmux.ValidSessionName(oldName) {
		if err := m.gw.KillSession(ctx, oldName); err != nil {
			m.log.Warn("kill session failed during restart", "id", id, "tmux", oldName, "error", err)
		}
	}
	if err := m.gw.SpawnSession(ctx, newName, cwd, command); err != nil {
		return fmt.Errorf("respawn session: %w", err)
	}

	m.mu.Lock()
	inst, ok = m.sessions[id]
	if !ok {
		// Deleted while we were respawning; clean up the orphan pane.
		m.mu.Unlock()
		_ = m.gw.KillSession(ctx, newName)
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	inst.TmuxSession = newName
	inst.Status = StatusIdle
	inst.CurrentTool = ""
	inst.Prompt = nil
	inst.bypassAccepted = false
	inst.launchCommand = command
	inst.LastActivity = m.now()
	for ext, sid := range m.links {
		if sid == id {
			delete(m.links, ext)
		}
	}
	inst.LinkedExternalID = ""
	m.persistLocked()
	m.mu.Unlock()

	m.log.Info("session restarted", "id", id, "tmux", newName)
	m.publishSessions()
	return nil
}

// RenameSession changes the display name only.
func (m *Manager) RenameSession(id, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("empty session name")
	}
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	inst.Name = name
	m.persistLocked()
	m.mu.Unlock()
	m.publishSessions()
	return nil
}

// UpdatePlacement stores the client's opaque placement blob.
func (m *Manager) UpdatePlacement(id, placement string) error {
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	inst.Placement = placement
	m.persistLocked()
	m.mu.Unlock()
	m.publishSessions()
	return nil
}

// SendPrompt pastes text into the session's pane and submits it.
func (m *Manager) SendPrompt(ctx context.Context, id, text string) error {
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if inst.Status == StatusOffline {
		m.mu.Unlock()
		return fmt.Errorf("session is offline: %s", id)
	}
	tmuxName := inst.TmuxSession
	inst.LastActivity = m.now()
	m.mu.Unlock()

	if err := m.gw.LoadAndPasteBuffer(ctx, tmuxName, text); err != nil {
		return fmt.Errorf("paste prompt: %w", err)
	}
	if err := m.gw.SendEnter(ctx, tmuxName); err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}
	return nil
}

// CancelSession sends an interrupt to the agent process.
func (m *Manager) CancelSession(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	tmuxName := inst.TmuxSession
	m.mu.Unlock()
	if err := m.gw.SendInterrupt(ctx, tmuxName); err != nil {
		return fmt.Errorf("send interrupt: %w", err)
	}
	return nil
}

// RespondPermission answers a pending permission prompt by pressing the
// chosen option's number key.
func (m *Manager) RespondPermission(ctx context.Context, id string, option int) error {
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if inst.Prompt == nil {
		m.mu.Unlock()
		return fmt.Errorf("no pending permission prompt for session: %s", id)
	}
	valid := false
	for _, opt := range inst.Prompt.Options {
		if opt.Number == option {
			valid = true
			break
		}
	}
	if !valid {
		m.mu.Unlock()
		return fmt.Errorf("option %d not offered by prompt", option)
	}
	tmuxName := inst.TmuxSession
	m.mu.Unlock()

	if err := m.gw.SendKeys(ctx, tmuxName, strconv.Itoa(option)); err != nil {
		return fmt.Errorf("send permission response: %w", err)
	}

	resolved := false
	m.applyTransition(id, func(inst *Instance) {
		if inst.Prompt == nil {
			return
		}
		inst.Prompt = nil
		if inst.Status == StatusWaiting {
			inst.Status = StatusWorking
		}
		inst.LastActivity = m.now()
		resolved = true
	})
	if resolved {
		m.broker.Publish(broadcast.Message{Kind: broadcast.KindPermissionResolved, Payload: map[string]any{"session_id": id}})
	}
	return nil
}

// LinkExternalSession routes events carrying the given external
// conversation id to the session. An empty external id unlinks.
func (m *Manager) LinkExternalSession(id, externalID string) error {
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	for ext, sid := range m.links {
		if sid == id {
			delete(m.links, ext)
		}
	}
	inst.LinkedExternalID = externalID
	if externalID != "" {
		m.links[externalID] = id
	}
	m.persistLocked()
	m.mu.Unlock()
	m.publishSessions()
	return nil
}

// Sessions returns all session summaries sorted by creation time.
func (m *Manager) Sessions() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summariesLocked()
}

func (m *Manager) summariesLocked() []Summary {
	out := make([]Summary, 0, len(m.sessions))
	for _, inst := range m.sessions {
		out = append(out, inst.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RecentEvents exposes the ledger tail for the initial client snapshot.
func (m *Manager) RecentEvents(n int) []event.Event {
	return m.ledger.Recent(n)
}

// applyTransition is the single funnel for state-machine mutations.
// It runs fn on the session under the lock, then compares observable
// state (status, currentTool) before and after: a difference persists
// the snapshot and emits exactly one sessions broadcast. lastActivity
// alone is not observable and triggers neither. Unknown ids are no-ops,
// which makes late poll completions for deleted sessions harmless.
func (m *Manager) applyTransition(id string, fn func(inst *Instance)) bool {
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	prevStatus, prevTool := inst.Status, inst.CurrentTool
	fn(inst)
	changed := inst.Status != prevStatus || inst.CurrentTool != prevTool
	if changed {
		m.persistLocked()
	}
	m.mu.Unlock()

	if changed {
		m.publishSessions()
	}
	return changed
}

// HandleEvent ingests one lifecycle event. Duplicates are absorbed by
// the ledger and produce no broadcast; an accepted event is broadcast
// once and, when linked to a managed session, drives the state machine.
func (m *Manager) HandleEvent(ev event.Event) {
	processed, accepted := m.ledger.Ingest(ev)
	if !accepted {
		return
	}
	m.broker.Publish(broadcast.Message{Kind: broadcast.KindEvent, Payload: processed})

	m.mu.Lock()
	id, linked := m.links[processed.SessionID]
	m.mu.Unlock()
	if !linked {
		return
	}

	promptCleared := false
	m.applyTransition(id, func(inst *Instance) {
		inst.LastActivity = m.now()
		switch processed.Type {
		case event.TypePreToolUse:
			if inst.Status == StatusIdle || inst.Status == StatusWorking {
				inst.Status = StatusWorking
				inst.CurrentTool = processed.Tool
			}
		case event.TypePostToolUse:
			if inst.Status == StatusWorking {
				inst.CurrentTool = ""
			}
		case event.TypeUserPromptSubmit:
			if inst.Status != StatusOffline {
				inst.Status = StatusWorking
			}
		case event.TypeStop, event.TypeSessionEnd:
			if inst.Status != StatusOffline {
				inst.Status = StatusIdle
				inst.CurrentTool = ""
				if inst.Prompt != nil {
					// The dialog died with the turn; waiting for the
					// next poll cycle would leave a stale prompt.
					inst.Prompt = nil
					promptCleared = true
				}
			}
		}
	})

	if promptCleared {
		m.broker.Publish(broadcast.Message{Kind: broadcast.KindPermissionResolved, Payload: map[string]any{"session_id": id}})
	}
}

// PollTargets lists the non-offline sessions a text poller should
// capture, as (session id, tmux name) pairs.
type PollTarget struct {
	ID          string
	TmuxSession string
}

func (m *Manager) PollTargets() []PollTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PollTarget, 0, len(m.sessions))
	for _, inst := range m.sessions {
		if inst.Status == StatusOffline {
			continue
		}
		out = append(out, PollTarget{ID: inst.ID, TmuxSession: inst.TmuxSession})
	}
	return out
}

// ApplyPermissionCapture folds one permission-poll capture into the
// registry. Completions are idempotent and tolerate the session having
// been deleted or gone offline since the capture started.
func (m *Manager) ApplyPermissionCapture(ctx context.Context, id, text string, captureErr error) {
	if captureErr != nil {
		m.log.Debug("permission capture failed", "id", id, "error", captureErr)
		return
	}
	plain := detect.StripANSI(text)
	prompt := detect.PermissionPrompt(plain)
	bypass := detect.BypassWarning(plain)

	var (
		tmuxName     string
		acceptBypass bool
		newPrompt    *PermissionPrompt
		resolved     bool
	)
	m.applyTransition(id, func(inst *Instance) {
		if inst.Status == StatusOffline {
			return
		}
		now := m.now()
		tmuxName = inst.TmuxSession

		if bypass && !inst.bypassAccepted {
			inst.bypassAccepted = true
			acceptBypass = true
		}

		switch {
		case prompt != nil && inst.Prompt == nil:
			inst.Prompt = &PermissionPrompt{
				Tool:       prompt.Tool,
				Context:    prompt.Context,
				Options:    prompt.Options,
				DetectedAt: now,
			}
			inst.Status = StatusWaiting
			inst.LastActivity = now
			p := *inst.Prompt
			newPrompt = &p
		case prompt == nil && inst.Prompt != nil:
			inst.Prompt = nil
			resolved = true
			if inst.Status == StatusWaiting {
				inst.Status = StatusWorking
			}
			inst.LastActivity = now
		}
	})

	if acceptBypass {
		// Answer the one-time warning with "2. Yes, I accept".
		if err := m.gw.SendKeys(ctx, tmuxName, "2"); err != nil {
			m.log.Warn("bypass warning auto-accept failed", "id", id, "error", err)
		} else if err := m.gw.SendEnter(ctx, tmuxName); err != nil {
			m.log.Warn("bypass warning auto-accept failed", "id", id, "error", err)
		}
	}
	if newPrompt != nil {
		m.broker.Publish(broadcast.Message{Kind: broadcast.KindPermission, Payload: map[string]any{
			"session_id": id,
			"prompt":     newPrompt,
		}})
	}
	if resolved {
		m.broker.Publish(broadcast.Message{Kind: broadcast.KindPermissionResolved, Payload: map[string]any{"session_id": id}})
	}
}

// ApplyTokenCapture folds one token-poll capture into the registry.
func (m *Manager) ApplyTokenCapture(id, text string, captureErr error) {
	if captureErr != nil {
		m.log.Debug("token capture failed", "id", id, "error", captureErr)
		return
	}
	count, found := detect.TokenCount(detect.StripANSI(text))
	if !found {
		return
	}

	m.mu.Lock()
	inst, ok := m.sessions[id]
	if !ok || inst.Status == StatusOffline {
		m.mu.Unlock()
		return
	}
	changed := inst.Tokens.Observe(int64(count), m.now())
	var tokens TokenCounter
	if changed {
		tokens = inst.Tokens
	}
	m.mu.Unlock()

	if changed {
		m.broker.Publish(broadcast.Message{Kind: broadcast.KindTokens, Payload: map[string]any{
			"session_id": id,
			"tokens":     tokens,
		}})
	}
}

// RunHealthCheck reconciles registry status against the live tmux
// server. Sessions whose pane vanished go offline; offline sessions
// whose pane is back come up idle.
func (m *Manager) RunHealthCheck(ctx context.Context) {
	live, err := m.gw.ListLiveSessionNames(ctx)
	if err != nil {
		m.log.Warn("list live sessions failed", "error", err)
		return
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		resolved := false
		m.applyTransition(id, func(inst *Instance) {
			alive := liveSet[inst.TmuxSession]
			switch {
			case !alive && inst.Status != StatusOffline:
				inst.Status = StatusOffline
				inst.CurrentTool = ""
				if inst.Prompt != nil {
					inst.Prompt = nil
					resolved = true
				}
				m.log.Info("session went offline", "id", inst.ID, "tmux", inst.TmuxSession)
			case alive && inst.Status == StatusOffline:
				inst.Status = StatusIdle
				inst.LastActivity = m.now()
				m.log.Info("session back online", "id", inst.ID, "tmux", inst.TmuxSession)
			}
		})
		if resolved {
			m.broker.Publish(broadcast.Message{Kind: broadcast.KindPermissionResolved, Payload: map[string]any{"session_id": id}})
		}
	}
}

// RunTimeoutSweep demotes working sessions with no recent activity back
// to idle. A wedged or silently exited agent stops reporting events;
// without the sweep it would show working forever.
func (m *Manager) RunTimeoutSweep() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.applyTransition(id, func(inst *Instance) {
			if inst.Status != StatusWorking {
				return
			}
			idle := m.now().Sub(inst.LastActivity)
			if idle > m.workingTimeout {
				inst.Status = StatusIdle
				inst.CurrentTool = ""
				m.log.Info("working timeout", "id", inst.ID, "idle_for", idle.Round(time.Second))
			}
		})
	}
}

// publishSessions broadcasts the full registry snapshot.
func (m *Manager) publishSessions() {
	m.mu.Lock()
	summaries := m.summariesLocked()
	m.mu.Unlock()
	m.broker.Publish(broadcast.Message{Kind: broadcast.KindSessions, Payload: summaries})
}

// persistLocked saves the registry snapshot. Callers hold m.mu.
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	snap := statedb.Snapshot{
		Sessions:    make([]statedb.SessionRow, 0, len(m.sessions)),
		Links:       make(map[string]string, len(m.links)),
		NameCounter: m.nameCounter,
	}
	for _, inst := range m.sessions {
		snap.Sessions = append(snap.Sessions, statedb.SessionRow{
			ID:               inst.ID,
			Name:             inst.Name,
			TmuxSession:      inst.TmuxSession,
			Status:           string(inst.Status),
			CWD:              inst.CWD,
			CurrentTool:      inst.CurrentTool,
			CreatedAt:        inst.CreatedAt,
			LastActivity:     inst.LastActivity,
			LinkedExternalID: inst.LinkedExternalID,
			Placement:        inst.Placement,
		})
	}
	for ext, id := range m.links {
		snap.Links[ext] = id
	}
	if err := m.store.SaveSnapshot(snap); err != nil {
		m.log.Error("persist snapshot failed", "error", err)
	}
}
