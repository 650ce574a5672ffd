// Package detect contains the pure pattern detectors that turn raw captured
// pane text into structured signals. Every detector is side-effect free and
// degrades to "no signal" on malformed input: the agent process exposes no
// machine-readable status channel, so everything here is heuristic matching
// against versioned UI text, and an unrecognized screen must never be
// treated as an error.
package detect

import (
	"regexp"
	"strconv"
	"strings"
)

// promptWindow is how many trailing lines the permission detector considers.
const promptWindow = 50

// UnknownTool is the fallback when no tool-invocation marker precedes a
// permission prompt.
const UnknownTool = "Unknown"

// PromptOption is one numbered choice in a permission prompt.
type PromptOption struct {
	Number int    `json:"number"`
	Label  string `json:"label"`
}

// Prompt is a detected permission prompt awaiting a human decision.
type Prompt struct {
	Tool    string         `json:"tool"`
	Context string         `json:"context"`
	Options []PromptOption `json:"options"`
}

// proceedPhrases mark the question line of a permission dialog.
var proceedPhrases = []string{
	"do you want",
	"would you like",
}

// footerHints corroborate that the proceed-phrase belongs to a live
// interactive dialog rather than the agent echoing similar text in prose.
var footerHints = []string{
	"esc to interrupt",
	"to select",
	"enter to confirm",
	"no, and tell claude",
}

// optionRe matches "  1. Yes" / "❯ 2. No, and tell Claude what to do".
var optionRe = regexp.MustCompile(`^\s*(❯\s*)?(\d+)[.)]\s+(.+?)\s*$`)

// toolMarkerRe matches a tool-invocation line, e.g. "⏺ Bash(ls -la)".
var toolMarkerRe = regexp.MustCompile(`⏺\s*([A-Za-z][A-Za-z_ ]*?)\s*\(`)

// toolHeaders maps dialog header text to the originating tool name.
// Permission dialogs title themselves with these before the question line.
var toolHeaders = map[string]string{
	"bash command": "Bash",
	"edit file":    "Edit",
	"create file":  "Write",
	"write file":   "Write",
	"read file":    "Read",
	"fetch":        "WebFetch",
	"web search":   "WebSearch",
	"run command":  "Bash",
	"execute":      "Bash",
	"mcp tool":     "MCP",
}

// PermissionPrompt scans the last ~50 lines of pane text for an interactive
// permission dialog. Returns nil unless all of the following hold: a
// proceed-phrase line is found, the following lines contain at least two
// numbered options, and the match is corroborated by either a footer hint
// or a selection-cursor glyph on one of the options. The corroboration
// requirement rejects false positives from the agent merely echoing
// "do you want..." in ordinary output.
func PermissionPrompt(text string) *Prompt {
	if text == "" {
		return nil
	}

	lines := strings.Split(StripANSI(text), "\n")
	if len(lines) > promptWindow {
		lines = lines[len(lines)-promptWindow:]
	}

	// Scan backward so the most recent dialog wins.
	proceedIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		lower := strings.ToLower(lines[i])
		for _, phrase := range proceedPhrases {
			if strings.Contains(lower, phrase) {
				proceedIdx = i
				break
			}
		}
		if proceedIdx >= 0 {
			break
		}
	}
	if proceedIdx < 0 {
		return nil
	}

	// Parse numbered options between the proceed line and the footer.
	var options []PromptOption
	lastOptionIdx := proceedIdx
	sawCursor := false
	sawFooter := false
	for i := proceedIdx + 1; i < len(lines); i++ {
		clean := strings.Trim(lines[i], " \t│")
		lower := strings.ToLower(clean)

		for _, hint := range footerHints {
			if strings.Contains(lower, hint) {
				sawFooter = true
			}
		}

		m := optionRe.FindStringSubmatch(clean)
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if m[1] != "" {
			sawCursor = true
		}
		options = append(options, PromptOption{Number: num, Label: strings.TrimSpace(m[3])})
		lastOptionIdx = i
	}

	if len(options) < 2 {
		return nil
	}
	if !sawFooter && !sawCursor {
		return nil
	}

	// Tool name: scan backward from the proceed line for an invocation
	// marker or a known dialog header.
	tool := UnknownTool
	for i := proceedIdx; i >= 0; i-- {
		clean := strings.Trim(lines[i], " \t│")
		if m := toolMarkerRe.FindStringSubmatch(clean); m != nil {
			tool = strings.TrimSpace(m[1])
			break
		}
		lower := strings.ToLower(clean)
		found := ""
		for header, name := range toolHeaders {
			if strings.Contains(lower, header) {
				found = name
				break
			}
		}
		if found != "" {
			tool = found
			break
		}
	}

	// Context: verbatim excerpt from just above the question through the
	// last option line.
	ctxStart := proceedIdx - 5
	if ctxStart < 0 {
		ctxStart = 0
	}
	context := strings.Join(lines[ctxStart:lastOptionIdx+1], "\n")

	return &Prompt{Tool: tool, Context: context, Options: options}
}

// bypassTitle and bypassMode are the two fixed substrings of the one-time
// safety warning shown when the agent starts with permission checks
// disabled.
const (
	bypassTitle = "WARNING"
	bypassMode  = "Bypass Permissions mode"
)

// BypassWarning reports whether the pane is showing the bypass-permissions
// safety warning. Deliberately a plain two-substring containment check:
// this signal triggers an automatic keystroke injection, and a false
// positive would type into the agent's conversation. Once-per-session
// firing is enforced by the caller, not here.
func BypassWarning(text string) bool {
	if text == "" {
		return false
	}
	clean := StripANSI(text)
	return strings.Contains(clean, bypassTitle) && strings.Contains(clean, bypassMode)
}

var (
	// "1,234 tokens" / "749 tokens"
	plainTokensRe = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+|\d+)\s+tokens`)
	// "12.5k tokens" / "3k tokens"
	kiloTokensRe = regexp.MustCompile(`(\d+(?:\.\d+)?)[kK]\s+tokens`)
)

// TokenCount extracts the largest token count visible in the buffer.
// Returns (0, false) when no count is present. Both the comma-grouped
// integer form and the "k" shorthand the agent switches to on long
// conversations are recognized.
func TokenCount(text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	clean := StripANSI(text)

	best := 0
	found := false

	for _, m := range plainTokensRe.FindAllStringSubmatch(clean, -1) {
		raw := strings.ReplaceAll(m[1], ",", "")
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		found = true
		if n > best {
			best = n
		}
	}

	for _, m := range kiloTokensRe.FindAllStringSubmatch(clean, -1) {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		n := int(f * 1000)
		found = true
		if n > best {
			best = n
		}
	}

	return best, found
}
