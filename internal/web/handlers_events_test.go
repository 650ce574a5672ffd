package web

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangzexi/vibecraft-sub001/internal/broadcast"
	"github.com/wangzexi/vibecraft-sub001/internal/event"
	"github.com/wangzexi/vibecraft-sub001/internal/session"
)

type fakeEngine struct {
	mu       sync.Mutex
	events   []event.Event
	calls    []string
	sessions []session.Summary
	err      error
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Sessions() []session.Summary { return f.sessions }

func (f *fakeEngine) RecentEvents(int) []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Event(nil), f.events...)
}

func (f *fakeEngine) HandleEvent(ev event.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeEngine) CreateSession(_ context.Context, opts session.CreateOptions) (session.Summary, error) {
	f.record("create:" + opts.Name)
	return session.Summary{ID: "new-id", Name: opts.Name}, f.err
}

func (f *fakeEngine) DeleteSession(_ context.Context, id string) error {
	f.record("delete:" + id)
	return f.err
}

func (f *fakeEngine) RestartSession(_ context.Context, id string) error {
	f.record("restart:" + id)
	return f.err
}

func (f *fakeEngine) RenameSession(id, name string) error {
	f.record("rename:" + id + ":" + name)
	return f.err
}

func (f *fakeEngine) UpdatePlacement(id, placement string) error {
	f.record("placement:" + id + ":" + placement)
	return f.err
}

func (f *fakeEngine) SendPrompt(_ context.Context, id, text string) error {
	f.record("prompt:" + id + ":" + text)
	return f.err
}

func (f *fakeEngine) CancelSession(_ context.Context, id string) error {
	f.record("cancel:" + id)
	return f.err
}

func (f *fakeEngine) RespondPermission(_ context.Context, id string, option int) error {
	f.record("permission:" + id)
	return f.err
}

func (f *fakeEngine) LinkExternalSession(id, externalID string) error {
	f.record("link:" + id + ":" + externalID)
	return f.err
}

func (f *fakeEngine) RunHealthCheck(context.Context) { f.record("health") }

func newTestServer(cfg Config, engine Engine) *Server {
	return NewServer(cfg, engine, broadcast.NewBroker())
}

func postEvent(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestEventPushAccepted(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestServer(Config{}, engine)

	rec := postEvent(t, s, `{"id":"e1","type":"pre_tool_use","session_id":"conv-1","tool":"Bash"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	events := engine.RecentEvents(10)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, event.TypePreToolUse, events[0].Type)
}

func TestEventPushRejectsMalformed(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestServer(Config{}, engine)

	rec := postEvent(t, s, `{nope`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postEvent(t, s, `{"id":"e1","session_id":"conv-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, engine.RecentEvents(10))
}

func TestEventPushMethodNotAllowed(t *testing.T) {
	s := newTestServer(Config{}, &fakeEngine{})
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEventPushRateLimited(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestServer(Config{EventRate: 0.001, EventBurst: 2}, engine)

	body := `{"type":"stop","session_id":"conv-1"}`
	assert.Equal(t, http.StatusAccepted, postEvent(t, s, body).Code)
	assert.Equal(t, http.StatusAccepted, postEvent(t, s, body).Code)
	assert.Equal(t, http.StatusTooManyRequests, postEvent(t, s, body).Code)
}

func TestEventPushBodyCap(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestServer(Config{MaxEventBody: 128}, engine)

	big := `{"id":"e1","type":"stop","session_id":"` + strings.Repeat("x", 4096) + `"}`
	rec := postEvent(t, s, big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, engine.RecentEvents(10))
}

func TestHealthz(t *testing.T) {
	s := newTestServer(Config{}, &fakeEngine{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestSessionsEndpoint(t *testing.T) {
	engine := &fakeEngine{sessions: []session.Summary{{ID: "s1", Name: "dev"}}}
	s := newTestServer(Config{}, engine)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"s1"`)
}
