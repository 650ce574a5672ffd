package event

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the ledger, its dedup set, and the pending
// tool-call index.
const DefaultCapacity = 1000

// Ledger is an append-only, size-bounded, deduplicated sequence of lifecycle
// events. It is the only writer to the pre/post tool-use matching index.
//
// The same event can arrive through two ingestion paths (the hook file
// watcher and the HTTP push endpoint); the seen-id set absorbs the overlap.
// The set is itself bounded: once it doubles past capacity it is trimmed to
// the most recent entries, which still catches duplicates from overlapping
// paths since those arrive close together.
type Ledger struct {
	mu sync.Mutex

	capacity int
	entries  []Event

	seen      map[string]struct{}
	seenOrder []string

	// pending maps ToolUseID -> pre-event timestamp awaiting its post.
	pending      map[string]time.Time
	pendingOrder []string
}

// NewLedger creates a ledger bounded at capacity entries (DefaultCapacity
// if <= 0).
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		capacity: capacity,
		seen:     make(map[string]struct{}),
		pending:  make(map[string]time.Time),
	}
}

// Ingest processes one event. Returns the processed copy (duration resolved)
// and whether it was accepted. A duplicate id is a silent no-op with
// accepted=false.
func (l *Ledger) Ingest(ev Event) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.Normalize(time.Now())

	if _, dup := l.seen[ev.ID]; dup {
		return ev, false
	}
	l.markSeen(ev.ID)
	l.resolveDuration(&ev)

	l.entries = append(l.entries, ev)
	if len(l.entries) > l.capacity {
		// Evict oldest. Copy to keep the backing array from pinning
		// evicted events in memory.
		trimmed := make([]Event, l.capacity)
		copy(trimmed, l.entries[len(l.entries)-l.capacity:])
		l.entries = trimmed
	}

	return ev, true
}

// resolveDuration correlates pre/post tool events by ToolUseID.
// At most one pre and one post are ever matched per id: the pre is removed
// from the index on match, and a second pre for a live id is ignored.
func (l *Ledger) resolveDuration(ev *Event) {
	if ev.ToolUseID == "" {
		return
	}

	switch {
	case ev.IsToolStart():
		if _, exists := l.pending[ev.ToolUseID]; exists {
			return
		}
		l.pending[ev.ToolUseID] = ev.Timestamp
		l.pendingOrder = append(l.pendingOrder, ev.ToolUseID)
		// Bound the index: a pre whose post never arrives must not leak.
		for len(l.pendingOrder) > l.capacity {
			oldest := l.pendingOrder[0]
			l.pendingOrder = l.pendingOrder[1:]
			delete(l.pending, oldest)
		}

	case ev.IsToolEnd():
		pre, ok := l.pending[ev.ToolUseID]
		if !ok {
			return // orphaned completion, duration stays absent
		}
		d := ev.Timestamp.Sub(pre).Milliseconds()
		if d < 0 {
			d = 0
		}
		ev.DurationMS = &d
		delete(l.pending, ev.ToolUseID)
	}
}

// markSeen records an id in the dedup set, trimming the set to the most
// recent capacity ids once it reaches double capacity.
func (l *Ledger) markSeen(id string) {
	l.seen[id] = struct{}{}
	l.seenOrder = append(l.seenOrder, id)
	if len(l.seenOrder) >= 2*l.capacity {
		drop := l.seenOrder[:len(l.seenOrder)-l.capacity]
		for _, old := range drop {
			delete(l.seen, old)
		}
		keep := make([]string, l.capacity)
		copy(keep, l.seenOrder[len(l.seenOrder)-l.capacity:])
		l.seenOrder = keep
	}
}

// Recent returns up to n events, newest first. Copies, safe to hand out.
func (l *Ledger) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = l.entries[len(l.entries)-1-i]
	}
	return out
}

// Len returns the number of retained entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// PendingToolCalls returns the number of unmatched pre events, for tests
// and diagnostics.
func (l *Ledger) PendingToolCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
