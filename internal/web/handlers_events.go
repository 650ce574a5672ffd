package web

import (
	"encoding/json"
	"net/http"

	"github.com/wangzexi/vibecraft-sub001/internal/event"
)

// handleEventPush accepts one lifecycle event per request. Hooks that
// cannot write to the events directory (remote agents, containers) POST
// here instead; the ledger's dedup makes delivering through both paths
// harmless.
func (s *Server) handleEventPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.limiter.Allow() {
		writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many events")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxEventBody)
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed event payload")
		return
	}
	if ev.Type == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "event type is required")
		return
	}

	s.engine.HandleEvent(ev)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}
