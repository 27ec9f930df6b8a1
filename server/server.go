// Package server implements the Foreman HTTP server: REST API, session and
// webhook auth, and the per-thread SSE event feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/server/api"
	"github.com/GoCodeAlone/foreman/stream"
	"github.com/GoCodeAlone/foreman/thread"
)

// Server is the Foreman HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	store    thread.Store
	hub      *stream.Hub
	runner   api.Runner
	handlers *api.Handlers

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       stream.New(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetStore attaches a thread store to the server.
func (s *Server) SetStore(store thread.Store) {
	s.store = store
}

// SetRunner attaches a runner client to the server.
func (s *Server) SetRunner(r api.Runner) {
	s.runner = r
}

// Hub returns the server's stream hub.
func (s *Server) Hub() *stream.Hub { return s.hub }

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Store:      s.store,
		Hub:        s.hub,
		Runner:     s.runner,
		RepoTokens: s.cfg.Runner.RepoTokens,
		Logger:     s.logger,
		Version:    s.version,
	}
	s.handlers = h

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())

	// Runner-facing webhook — static bearer credential, no session
	s.mux.Handle("POST /api/runner/events", s.webhookAuth(http.HandlerFunc(h.IngestEvent)))

	// SSE — auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /api/threads/{id}/events", s.handleThreadEvents)

	// Protected API — wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// snapshot is the first SSE payload: the thread's current status plus its
// full ordered message history.
type snapshot struct {
	Status   thread.Status     `json:"status"`
	Messages []*thread.Message `json:"messages"`
}

// handleThreadEvents serves the live feed for one thread over Server-Sent
// Events: a snapshot, then each message or status change in order, then a
// terminal complete frame that ends the stream.
func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	// Verify auth via query token param for SSE (EventSource can't set headers)
	subject, err := s.verifyToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	threadID := r.PathValue("id")

	// Subscribe before reading the snapshot so nothing published in
	// between is missed; the tail is deduped against the snapshot below.
	sub := s.hub.Subscribe(threadID)
	defer sub.Cancel()

	th, err := s.store.Thread(r.Context(), threadID)
	if errors.Is(err, thread.ErrNotFound) || (err == nil && th.OwnerID != subject) {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	msgs, err := s.store.Messages(r.Context(), threadID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*thread.Message{}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, snapshot{Status: th.Status, Messages: msgs})
	flusher.Flush()

	if th.Status.Terminal() {
		writeSSE(w, stream.Frame{Complete: &stream.Completion{
			Status:       th.Status,
			CommitSHA:    th.CommitSHA,
			CostUSD:      th.CostUSD,
			DurationSecs: th.DurationSecs,
			Error:        th.Error,
		}})
		flusher.Flush()
		return
	}

	// Messages already in the snapshot may also arrive on the tail.
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		seen[m.ID] = struct{}{}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.C:
			if !ok {
				// Hub closed us as a slow consumer; client re-syncs on reconnect.
				return
			}
			if m := frame.Message; m != nil {
				if _, dup := seen[m.ID]; dup {
					delete(seen, m.ID)
					continue
				}
			}
			writeSSE(w, frame)
			flusher.Flush()
			if frame.Complete != nil {
				return
			}
		}
	}
}

// writeSSE writes one JSON payload as an SSE data frame. Each "data:" line
// must not contain newlines.
func writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
	}
	fmt.Fprintln(w) //nolint:errcheck
}
