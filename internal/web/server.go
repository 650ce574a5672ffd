// Package web exposes the engine to clients: a websocket feed carrying
// state broadcasts and inbound commands, plus a small JSON API for
// event push and snapshot reads.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/wangzexi/vibecraft-sub001/internal/broadcast"
	"github.com/wangzexi/vibecraft-sub001/internal/event"
	"github.com/wangzexi/vibecraft-sub001/internal/logging"
	"github.com/wangzexi/vibecraft-sub001/internal/session"
)

// Engine is the command surface the web layer drives. *session.Manager
// satisfies it; tests substitute a fake.
type Engine interface {
	Sessions() []session.Summary
	RecentEvents(n int) []event.Event
	HandleEvent(ev event.Event)
	CreateSession(ctx context.Context, opts session.CreateOptions) (session.Summary, error)
	DeleteSession(ctx context.Context, id string) error
	RestartSession(ctx context.Context, id string) error
	RenameSession(id, name string) error
	UpdatePlacement(id, placement string) error
	SendPrompt(ctx context.Context, id, text string) error
	CancelSession(ctx context.Context, id string) error
	RespondPermission(ctx context.Context, id string, option int) error
	LinkExternalSession(id, externalID string) error
	RunHealthCheck(ctx context.Context)
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string

	// EventRate / EventBurst throttle POST /api/events. Hooks fire per
	// tool call, so bursts happen; sustained floods do not.
	EventRate  float64
	EventBurst int

	// MaxEventBody caps an event push body in bytes.
	MaxEventBody int64
}

// Server wraps the HTTP server for the control plane.
type Server struct {
	cfg        Config
	engine     Engine
	broker     *broadcast.Broker
	httpServer *http.Server
	limiter    *rate.Limiter
	baseCtx    context.Context
	cancelBase context.CancelFunc
	log        *slog.Logger
}

// NewServer creates the server with all routes registered.
func NewServer(cfg Config, engine Engine, broker *broadcast.Broker) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:4650"
	}
	if cfg.EventRate <= 0 {
		cfg.EventRate = 50
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 100
	}
	if cfg.MaxEventBody <= 0 {
		cfg.MaxEventBody = 64 * 1024
	}

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		broker:  broker,
		limiter: rate.NewLimiter(rate.Limit(cfg.EventRate), cfg.EventBurst),
		log:     logging.ForComponent(logging.CompWeb),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/events", s.handleEventPush)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	s.log.Info("web server listening", "addr", s.cfg.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. Long-lived websocket handlers
// are cancelled first so they stop blocking graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}
	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.engine.Sessions()})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.ForComponent(logging.CompWeb).Error("panic",
					"recover", fmt.Sprintf("%v", rec), "path", r.URL.Path)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": apiError{Code: code, Message: message}})
}
