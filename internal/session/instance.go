package session

import (
	"time"

	"github.com/wangzexi/vibecraft-sub001/internal/detect"
)

// Status is the inferred lifecycle state of a managed session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting"
	StatusOffline Status = "offline"
)

// PermissionPrompt is a detected approval dialog awaiting a response.
type PermissionPrompt struct {
	Tool       string                `json:"tool"`
	Context    string                `json:"context"`
	Options    []detect.PromptOption `json:"options"`
	DetectedAt time.Time             `json:"detected_at"`
}

// TokenCounter accumulates token usage across conversation resets. The
// agent's status line reports a per-conversation figure that drops back
// to zero when a new conversation starts; Cumulative survives the drop.
type TokenCounter struct {
	LastSeen   int64     `json:"last_seen"`
	Cumulative int64     `json:"cumulative"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Observe folds a freshly read token count into the counter and reports
// whether anything changed.
func (tc *TokenCounter) Observe(count int64, now time.Time) bool {
	switch {
	case count > tc.LastSeen:
		tc.Cumulative += count - tc.LastSeen
		tc.LastSeen = count
	case count < tc.LastSeen:
		// The visible figure dropped: new conversation. Re-baseline
		// without touching the cumulative total.
		tc.LastSeen = count
	default:
		return false
	}
	tc.UpdatedAt = now
	return true
}

// Instance is one managed agent session. All fields are guarded by the
// owning Manager's mutex.
type Instance struct {
	ID          string
	Name        string
	TmuxSession string
	Status      Status
	CurrentTool string
	CWD         string
	CreatedAt   time.Time
	LastActivity time.Time

	// LinkedExternalID ties this session to the agent's own
	// conversation id so incoming events can be routed here.
	LinkedExternalID string

	// Placement is opaque client state (scene coordinates) stored and
	// echoed verbatim.
	Placement string

	Prompt *PermissionPrompt
	Tokens TokenCounter

	// launchCommand is what was typed into the pane at spawn time, kept
	// so a restart can relaunch the same way. Not persisted.
	launchCommand string

	// bypassAccepted records that the one-time bypass-permissions
	// warning has already been answered for this session.
	bypassAccepted bool
}

// Summary is the wire-facing projection of an Instance.
type Summary struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	TmuxSession      string            `json:"tmux_session"`
	Status           Status            `json:"status"`
	CurrentTool      string            `json:"current_tool,omitempty"`
	CWD              string            `json:"cwd"`
	CreatedAt        time.Time         `json:"created_at"`
	LastActivity     time.Time         `json:"last_activity"`
	LinkedExternalID string            `json:"linked_external_id,omitempty"`
	Placement        string            `json:"placement,omitempty"`
	Tokens           TokenCounter      `json:"tokens"`
	Prompt           *PermissionPrompt `json:"prompt,omitempty"`
}

func (inst *Instance) summary() Summary {
	s := Summary{
		ID:               inst.ID,
		Name:             inst.Name,
		TmuxSession:      inst.TmuxSession,
		Status:           inst.Status,
		CurrentTool:      inst.CurrentTool,
		CWD:              inst.CWD,
		CreatedAt:        inst.CreatedAt,
		LastActivity:     inst.LastActivity,
		LinkedExternalID: inst.LinkedExternalID,
		Placement:        inst.Placement,
		Tokens:           inst.Tokens,
	}
	if inst.Prompt != nil {
		p := *inst.Prompt
		s.Prompt = &p
	}
	return s
}
