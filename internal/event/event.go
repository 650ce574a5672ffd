// Package event defines the agent lifecycle event model and the append-only
// deduplicated ledger that ingests it.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a lifecycle event emitted by the agent's instrumentation
// hooks.
type Type string

const (
	TypeSessionStart     Type = "session_start"
	TypePreToolUse       Type = "pre_tool_use"
	TypePostToolUse      Type = "post_tool_use"
	TypeUserPromptSubmit Type = "user_prompt_submit"
	TypeStop             Type = "stop"
	TypeSessionEnd       Type = "session_end"
)

// Event is an immutable fact describing something the agent process did.
// SessionID is the agent-internal conversation id, not the managed-session
// id; the registry resolves the link.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	CWD       string    `json:"cwd,omitempty"`

	// Tool fields, set on pre/post tool events.
	Tool      string `json:"tool,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`

	// DurationMS is computed on ingestion for a post event whose ToolUseID
	// matches an earlier pre event. Absent (nil) for orphaned completions,
	// e.g. when the daemon restarted mid tool call.
	DurationMS *int64 `json:"duration_ms,omitempty"`
}

// Normalize fills in fields a hook payload may omit. Events without an id
// get a synthesized one so dedup and broadcast semantics stay uniform;
// events without a timestamp are stamped with now.
func (e *Event) Normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
}

// IsToolStart reports whether the event begins a tool call.
func (e *Event) IsToolStart() bool { return e.Type == TypePreToolUse }

// IsToolEnd reports whether the event completes a tool call.
func (e *Event) IsToolEnd() bool { return e.Type == TypePostToolUse }

// Known reports whether the event type is one the state machine understands.
// Unknown types still flow through the ledger and broadcast untouched.
func (e *Event) Known() bool {
	switch e.Type {
	case TypeSessionStart, TypePreToolUse, TypePostToolUse,
		TypeUserPromptSubmit, TypeStop, TypeSessionEnd:
		return true
	}
	return false
}
