package event

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestDeduplicatesByID(t *testing.T) {
	l := NewLedger(10)

	ev := Event{ID: "e1", Type: TypeStop, SessionID: "s1", Timestamp: time.Now()}
	_, accepted := l.Ingest(ev)
	require.True(t, accepted)

	_, accepted = l.Ingest(ev)
	assert.False(t, accepted, "duplicate id must be rejected")
	assert.Equal(t, 1, l.Len(), "duplicate must not add a ledger entry")
}

func TestIngestSynthesizesMissingID(t *testing.T) {
	l := NewLedger(10)

	out, accepted := l.Ingest(Event{Type: TypeStop, SessionID: "s1"})
	require.True(t, accepted)
	assert.NotEmpty(t, out.ID)
	assert.False(t, out.Timestamp.IsZero())

	// A second id-less event is a distinct fact, not a duplicate.
	out2, accepted := l.Ingest(Event{Type: TypeStop, SessionID: "s1"})
	require.True(t, accepted)
	assert.NotEqual(t, out.ID, out2.ID)
}

func TestToolDurationCorrelation(t *testing.T) {
	l := NewLedger(10)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, accepted := l.Ingest(Event{
		ID: "pre1", Type: TypePreToolUse, SessionID: "s1",
		Tool: "Bash", ToolUseID: "tu1", Timestamp: start,
	})
	require.True(t, accepted)

	post, accepted := l.Ingest(Event{
		ID: "post1", Type: TypePostToolUse, SessionID: "s1",
		Tool: "Bash", ToolUseID: "tu1", Timestamp: start.Add(2500 * time.Millisecond),
	})
	require.True(t, accepted)
	require.NotNil(t, post.DurationMS)
	assert.Equal(t, int64(2500), *post.DurationMS)
	assert.Equal(t, 0, l.PendingToolCalls(), "matched pre must leave the index")
}

func TestOrphanedPostHasNoDuration(t *testing.T) {
	l := NewLedger(10)

	post, accepted := l.Ingest(Event{
		ID: "post1", Type: TypePostToolUse, SessionID: "s1",
		ToolUseID: "never-started", Timestamp: time.Now(),
	})
	require.True(t, accepted)
	assert.Nil(t, post.DurationMS)
}

func TestAtMostOnePreMatchedPerToolUseID(t *testing.T) {
	l := NewLedger(10)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l.Ingest(Event{ID: "pre1", Type: TypePreToolUse, ToolUseID: "tu1", Timestamp: start})
	// A second pre with the same tool-use id must not overwrite the first.
	l.Ingest(Event{ID: "pre2", Type: TypePreToolUse, ToolUseID: "tu1", Timestamp: start.Add(time.Hour)})

	post, _ := l.Ingest(Event{
		ID: "post1", Type: TypePostToolUse, ToolUseID: "tu1",
		Timestamp: start.Add(time.Second),
	})
	require.NotNil(t, post.DurationMS)
	assert.Equal(t, int64(1000), *post.DurationMS)

	// The id is consumed: a second post is an orphan.
	post2, _ := l.Ingest(Event{
		ID: "post2", Type: TypePostToolUse, ToolUseID: "tu1",
		Timestamp: start.Add(2 * time.Second),
	})
	assert.Nil(t, post2.DurationMS)
}

func TestNegativeDurationClamped(t *testing.T) {
	l := NewLedger(10)
	now := time.Now()

	l.Ingest(Event{ID: "pre", Type: TypePreToolUse, ToolUseID: "tu", Timestamp: now})
	post, _ := l.Ingest(Event{
		ID: "post", Type: TypePostToolUse, ToolUseID: "tu",
		Timestamp: now.Add(-time.Minute), // clock skew between hook invocations
	})
	require.NotNil(t, post.DurationMS)
	assert.Equal(t, int64(0), *post.DurationMS)
}

func TestLedgerEvictsOldest(t *testing.T) {
	l := NewLedger(5)
	for i := 0; i < 8; i++ {
		l.Ingest(Event{ID: fmt.Sprintf("e%d", i), Type: TypeStop, Timestamp: time.Now()})
	}
	assert.Equal(t, 5, l.Len())

	recent := l.Recent(0)
	require.Len(t, recent, 5)
	assert.Equal(t, "e7", recent[0].ID, "Recent is newest first")
	assert.Equal(t, "e3", recent[4].ID, "oldest surviving entry")
}

func TestSeenSetTrimStillCatchesRecentDuplicates(t *testing.T) {
	l := NewLedger(5)
	for i := 0; i < 20; i++ {
		l.Ingest(Event{ID: fmt.Sprintf("e%d", i), Type: TypeStop, Timestamp: time.Now()})
	}
	// The most recent ids must still dedup after trimming.
	_, accepted := l.Ingest(Event{ID: "e19", Type: TypeStop, Timestamp: time.Now()})
	assert.False(t, accepted)
	_, accepted = l.Ingest(Event{ID: "e18", Type: TypeStop, Timestamp: time.Now()})
	assert.False(t, accepted)
}

func TestPendingIndexBounded(t *testing.T) {
	l := NewLedger(5)
	for i := 0; i < 50; i++ {
		l.Ingest(Event{
			ID: fmt.Sprintf("pre%d", i), Type: TypePreToolUse,
			ToolUseID: fmt.Sprintf("tu%d", i), Timestamp: time.Now(),
		})
	}
	assert.LessOrEqual(t, l.PendingToolCalls(), 5)
}

func TestRecentLimit(t *testing.T) {
	l := NewLedger(10)
	for i := 0; i < 6; i++ {
		l.Ingest(Event{ID: fmt.Sprintf("e%d", i), Type: TypeStop, Timestamp: time.Now()})
	}
	assert.Len(t, l.Recent(3), 3)
	assert.Len(t, l.Recent(100), 6)
}
