package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hulylabs/vibesync/internal/debug"
)

// Server exposes the PM change webhook and the health endpoint.
type Server struct {
	dispatcher *Dispatcher
	apiKey     string
	mux        *http.ServeMux
	httpServer *http.Server
	startedAt  time.Time
}

// ServerConfig holds configuration for the trigger HTTP server.
type ServerConfig struct {
	Dispatcher *Dispatcher
	APIKey     string // required for non-loopback /health when set
}

// NewServer creates the trigger HTTP server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		dispatcher: cfg.Dispatcher,
		apiKey:     cfg.APIKey,
		mux:        http.NewServeMux(),
		startedAt:  time.Now().UTC(),
	}

	s.mux.HandleFunc("/api/sync/webhook", s.handleWebhook)
	s.mux.HandleFunc("/health", s.handleHealth)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// WebhookRequest is the JSON body the PM posts on project changes.
type WebhookRequest struct {
	Project       string   `json:"project"`
	ChangedIssues []string `json:"changedIssues,omitempty"`
}

// handleWebhook handles POST /api/sync/webhook. The sync is enqueued,
// never run inline: the PM gets its 202 back immediately.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Project == "" {
		s.writeError(w, http.StatusBadRequest, "missing project")
		return
	}

	debug.Logf("trigger: webhook for %s (%d changed issues)", req.Project, len(req.ChangedIssues))
	s.dispatcher.Kick(req.Project, "webhook")

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": true,
		"project":  req.Project,
	})
}

// handleHealth handles GET /health. Loopback callers are always
// allowed; remote callers must present the API key when one is
// configured.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.authorizeHealth(r) {
		s.writeError(w, http.StatusUnauthorized, "missing or invalid API key")
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) authorizeHealth(r *http.Request) bool {
	if isLoopback(r.RemoteAddr) {
		return true
	}
	if s.apiKey == "" {
		return false
	}
	return r.Header.Get("X-API-Key") == s.apiKey
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": false,
		"error":    message,
	})
}
