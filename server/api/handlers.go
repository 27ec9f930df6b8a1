// Package api implements the Foreman REST handlers: task creation, thread
// reads, the control path, and runner webhook ingestion.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/GoCodeAlone/foreman/runner"
	"github.com/GoCodeAlone/foreman/stream"
	"github.com/GoCodeAlone/foreman/thread"
)

// Runner is the slice of the runner client the handlers need.
type Runner interface {
	Configured() bool
	Dispatch(ctx context.Context, req runner.DispatchRequest) error
	Cancel(ctx context.Context, threadID string) error
}

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Store      thread.Store
	Hub        *stream.Hub
	Runner     Runner
	RepoTokens map[string]string // repo URL -> runner installation credential
	Logger     *slog.Logger
	Version    string

	locks sync.Map // thread ID -> *sync.Mutex
}

// lockThread returns the mutex serializing commit+publish for one thread.
// The store already serializes commits; holding this across the commit and
// the hub publish keeps the stream in commit order too.
func (h *Handlers) lockThread(threadID string) *sync.Mutex {
	mu, _ := h.locks.LoadOrStore(threadID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RegisterRoutes registers the client-facing API routes on the given mux.
// The runner webhook route is registered separately by the server so it can
// carry bearer-token auth instead of session auth.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/threads", h.listThreads)
	mux.HandleFunc("POST /api/threads", h.createThread)
	mux.HandleFunc("GET /api/threads/{id}", h.getThread)
	mux.HandleFunc("POST /api/threads/{id}/guidance", h.postGuidance)
	mux.HandleFunc("GET /api/threads/{id}/plan", h.getPlan)

	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ownedThread resolves the thread and verifies the requesting subject owns
// it. A mismatch is reported as not-found so thread IDs don't leak.
func (h *Handlers) ownedThread(w http.ResponseWriter, r *http.Request) (*thread.Thread, bool) {
	id := r.PathValue("id")
	th, err := h.Store.Thread(r.Context(), id)
	if errors.Is(err, thread.ErrNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if th.OwnerID != SubjectFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "thread not found")
		return nil, false
	}
	return th, true
}

// --- Task creation ---

type createThreadRequest struct {
	RepoURL     string `json:"repo_url"`
	Branch      string `json:"branch"`
	BaseBranch  string `json:"base_branch,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Engine      string `json:"engine,omitempty"`
	Model       string `json:"model,omitempty"`
	RiskTier    string `json:"risk_tier,omitempty"`
}

func (h *Handlers) createThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.RepoURL = strings.TrimSpace(req.RepoURL)
	req.Branch = strings.TrimSpace(req.Branch)
	req.BaseBranch = strings.TrimSpace(req.BaseBranch)
	req.Title = strings.TrimSpace(req.Title)
	req.Description = strings.TrimSpace(req.Description)

	for field, val := range map[string]string{
		"repo_url":    req.RepoURL,
		"branch":      req.Branch,
		"title":       req.Title,
		"description": req.Description,
	} {
		if val == "" {
			writeError(w, http.StatusBadRequest, field+" is required")
			return
		}
	}
	if req.BaseBranch == "" {
		req.BaseBranch = req.Branch
	}

	th := &thread.Thread{
		OwnerID:     SubjectFromContext(r.Context()),
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		BaseBranch:  req.BaseBranch,
		Title:       req.Title,
		Description: req.Description,
		Status:      thread.StatusPending,
		Engine:      req.Engine,
		Model:       req.Model,
	}
	first := &thread.Message{Role: thread.RoleHuman, Content: req.Description}

	if err := h.Store.CreateThread(r.Context(), th, first); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Best-effort dispatch: any failure leaves the thread pending for
	// out-of-band retry and is never surfaced to the caller.
	h.dispatch(r.Context(), th, req.RiskTier)

	writeJSON(w, http.StatusCreated, th)
}

func (h *Handlers) dispatch(ctx context.Context, th *thread.Thread, riskTier string) {
	if !h.Runner.Configured() {
		h.Logger.Warn("no runner configured, thread stays pending",
			slog.String("thread_id", th.ID))
		return
	}

	err := h.Runner.Dispatch(ctx, runner.DispatchRequest{
		ThreadID:    th.ID,
		RepoURL:     th.RepoURL,
		Branch:      th.Branch,
		BaseBranch:  th.BaseBranch,
		Title:       th.Title,
		Description: th.Description,
		Engine:      th.Engine,
		Model:       th.Model,
		RiskTier:    riskTier,
		RepoToken:   h.RepoTokens[th.RepoURL],
	})
	if err != nil {
		h.Logger.Warn("runner dispatch failed, thread stays pending",
			slog.String("thread_id", th.ID), slog.Any("err", err))
		return
	}

	mu := h.lockThread(th.ID)
	mu.Lock()
	defer mu.Unlock()

	swapped, err := h.Store.SetStatus(ctx, th.ID, thread.StatusPending, thread.StatusRunning)
	if err != nil {
		h.Logger.Error("mark thread running", slog.String("thread_id", th.ID), slog.Any("err", err))
		return
	}
	if swapped {
		th.Status = thread.StatusRunning
		h.Hub.Publish(th.ID, stream.Frame{Status: thread.StatusRunning})
	}
}

// --- Thread reads ---

func (h *Handlers) listThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := h.Store.Threads(r.Context(), SubjectFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []*thread.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (h *Handlers) getThread(w http.ResponseWriter, r *http.Request) {
	th, ok := h.ownedThread(w, r)
	if !ok {
		return
	}
	msgs, err := h.Store.Messages(r.Context(), th.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*thread.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread":   th,
		"messages": msgs,
	})
}

func (h *Handlers) getPlan(w http.ResponseWriter, r *http.Request) {
	th, ok := h.ownedThread(w, r)
	if !ok {
		return
	}
	plan, err := h.Store.LatestPlan(r.Context(), th.ID)
	if errors.Is(err, thread.ErrNoPlan) {
		writeError(w, http.StatusNotFound, "thread has no plan")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// --- Control path ---

type guidanceRequest struct {
	Content string `json:"content"`
}

// cancelToken is the literal guidance content that triggers a forwarded
// cancellation, compared case-insensitively after trimming.
const cancelToken = "cancel"

func (h *Handlers) postGuidance(w http.ResponseWriter, r *http.Request) {
	th, ok := h.ownedThread(w, r)
	if !ok {
		return
	}

	var req guidanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	// Commit and publish under the thread's lock; the runner call below
	// stays outside so a slow cancel never blocks webhook ingestion.
	mu := h.lockThread(th.ID)
	mu.Lock()
	change, _, err := h.Store.Apply(r.Context(), th.ID, func(th *thread.Thread) (thread.Change, error) {
		if th.Status != thread.StatusRunning {
			return thread.Change{}, thread.ErrNotSteerable
		}
		return thread.Change{Messages: []thread.Message{{
			ThreadID: th.ID,
			Role:     thread.RoleManager,
			Content:  content,
		}}}, nil
	})
	if err != nil {
		mu.Unlock()
		if errors.Is(err, thread.ErrNotSteerable) {
			writeError(w, http.StatusPreconditionFailed, "thread is not in a steerable state")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	msg := change.Messages[0]
	h.Hub.Publish(th.ID, stream.Frame{Message: &msg})
	mu.Unlock()

	if strings.EqualFold(content, cancelToken) {
		// Best-effort: the manager message is already recorded either way,
		// and the status only changes once the runner confirms by webhook.
		if err := h.Runner.Cancel(r.Context(), th.ID); err != nil {
			h.Logger.Warn("runner cancel failed",
				slog.String("thread_id", th.ID), slog.Any("err", err))
		} else {
			h.Logger.Info("cancellation forwarded to runner",
				slog.String("thread_id", th.ID))
		}
	}

	writeJSON(w, http.StatusOK, msg)
}

// --- Webhook ingestion ---

// IngestEvent handles one runner webhook event. The server registers it
// behind bearer-token auth; the runner is trusted for any thread it was
// dispatched for, so there is no ownership check here.
func (h *Handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	ev, err := thread.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Commit and publish under the thread's lock so the stream sees frames
	// in commit order; without it a racing delivery could publish first, or
	// finish the stream before an already-committed message went out.
	mu := h.lockThread(ev.ThreadID)
	mu.Lock()
	defer mu.Unlock()

	change, th, err := h.Store.Apply(r.Context(), ev.ThreadID, func(th *thread.Thread) (thread.Change, error) {
		return thread.Reduce(th, ev)
	})
	if errors.Is(err, thread.ErrNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for i := range change.Messages {
		h.Hub.Publish(th.ID, stream.Frame{Message: &change.Messages[i]})
	}
	if change.Status != nil {
		if th.Status.Terminal() {
			h.Hub.Finish(th.ID, stream.Completion{
				Status:       th.Status,
				CommitSHA:    th.CommitSHA,
				CostUSD:      th.CostUSD,
				DurationSecs: th.DurationSecs,
				Error:        th.Error,
			})
		} else {
			h.Hub.Publish(th.ID, stream.Frame{Status: *change.Status})
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
