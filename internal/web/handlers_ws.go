package web

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wangzexi/vibecraft-sub001/internal/broadcast"
	"github.com/wangzexi/vibecraft-sub001/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second

	// snapshotEventCount is how much ledger history a fresh client gets.
	snapshotEventCount = 100
)

// wsCommand is one inbound client command.
type wsCommand struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id,omitempty"`
	Name            string `json:"name,omitempty"`
	CWD             string `json:"cwd,omitempty"`
	Continue        bool   `json:"continue,omitempty"`
	SkipPermissions bool   `json:"skip_permissions,omitempty"`
	Browser         bool   `json:"browser,omitempty"`
	Text            string `json:"text,omitempty"`
	Placement       string `json:"placement,omitempty"`
	Option          int    `json:"option,omitempty"`
	ExternalID      string `json:"external_id,omitempty"`
}

// wsServerMessage is one outbound frame. Broadcast fan-out and command
// replies share the envelope; Kind distinguishes them.
type wsServerMessage struct {
	Kind    string    `json:"kind"`
	Payload any       `json:"payload,omitempty"`
	Op      string    `json:"op,omitempty"`
	Error   *apiError `json:"error,omitempty"`
	Time    time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes to one connection. The broadcast pump
// and the command reader both write; gorilla allows one writer at a time.
type wsConnWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConnWriter) WriteJSON(msg wsServerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(msg)
}

func (w *wsConnWriter) Ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := &wsConnWriter{conn: conn}

	// Initial snapshot: full registry state plus recent ledger history,
	// so the client renders without waiting for the first broadcast.
	if err := writer.WriteJSON(wsServerMessage{
		Kind:    string(broadcast.KindSessions),
		Payload: s.engine.Sessions(),
		Time:    time.Now().UTC(),
	}); err != nil {
		return
	}
	if err := writer.WriteJSON(wsServerMessage{
		Kind:    "event_history",
		Payload: s.engine.RecentEvents(snapshotEventCount),
		Time:    time.Now().UTC(),
	}); err != nil {
		return
	}

	msgs, unsubscribe := s.broker.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := writer.WriteJSON(wsServerMessage{
					Kind:    string(msg.Kind),
					Payload: msg.Payload,
				}); err != nil {
					cancel()
					return
				}
			case <-ping.C:
				if err := writer.Ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.log.Warn("websocket closed unexpectedly", "error", err)
			}
			return
		}
		s.dispatchCommand(ctx, writer, cmd)
	}
}

func (s *Server) dispatchCommand(ctx context.Context, writer *wsConnWriter, cmd wsCommand) {
	var err error
	switch cmd.Type {
	case "create":
		_, err = s.engine.CreateSession(ctx, session.CreateOptions{
			Name:            cmd.Name,
			CWD:             cmd.CWD,
			Continue:        cmd.Continue,
			SkipPermissions: cmd.SkipPermissions,
			Browser:         cmd.Browser,
		})
	case "delete":
		err = s.engine.DeleteSession(ctx, cmd.SessionID)
	case "restart":
		err = s.engine.RestartSession(ctx, cmd.SessionID)
	case "rename":
		err = s.engine.RenameSession(cmd.SessionID, cmd.Name)
	case "placement":
		err = s.engine.UpdatePlacement(cmd.SessionID, cmd.Placement)
	case "prompt":
		err = s.engine.SendPrompt(ctx, cmd.SessionID, cmd.Text)
	case "cancel":
		err = s.engine.CancelSession(ctx, cmd.SessionID)
	case "permission":
		err = s.engine.RespondPermission(ctx, cmd.SessionID, cmd.Option)
	case "link":
		err = s.engine.LinkExternalSession(cmd.SessionID, cmd.ExternalID)
	case "refresh":
		s.engine.RunHealthCheck(ctx)
		_ = writer.WriteJSON(wsServerMessage{
			Kind:    string(broadcast.KindSessions),
			Payload: s.engine.Sessions(),
			Time:    time.Now().UTC(),
		})
		return
	default:
		_ = writer.WriteJSON(wsServerMessage{
			Kind:  "error",
			Op:    cmd.Type,
			Error: &apiError{Code: "UNKNOWN_COMMAND", Message: "unknown command type: " + cmd.Type},
		})
		return
	}

	if err != nil {
		s.log.Warn("command failed", "type", cmd.Type, "session_id", cmd.SessionID, "error", err)
		_ = writer.WriteJSON(wsServerMessage{
			Kind:  "error",
			Op:    cmd.Type,
			Error: &apiError{Code: "COMMAND_FAILED", Message: err.Error()},
		})
		return
	}
	_ = writer.WriteJSON(wsServerMessage{Kind: "ok", Op: cmd.Type})
}
