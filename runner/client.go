// Package runner implements the HTTP client for the external execution
// engine. Dispatch and cancellation are best-effort: callers log failures
// and move on, they never fail the local operation over them.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrNotConfigured is returned when no runner URL is configured.
var ErrNotConfigured = errors.New("runner not configured")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for runner requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = l }
}

// WithTimeouts bounds the dispatch and cancel calls.
func WithTimeouts(dispatch, cancel time.Duration) ClientOption {
	return func(cl *Client) {
		if dispatch > 0 {
			cl.dispatchTimeout = dispatch
		}
		if cancel > 0 {
			cl.cancelTimeout = cancel
		}
	}
}

// Client talks to the runner's control API using a shared bearer credential.
type Client struct {
	baseURL         string
	token           string
	httpClient      *http.Client
	logger          *slog.Logger
	dispatchTimeout time.Duration
	cancelTimeout   time.Duration
}

// NewClient creates a runner client. An empty baseURL yields a client whose
// calls report ErrNotConfigured.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:         baseURL,
		token:           token,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		logger:          slog.Default(),
		dispatchTimeout: 10 * time.Second,
		cancelTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether a runner URL is set.
func (c *Client) Configured() bool { return c.baseURL != "" }

// DispatchRequest describes one run handed to the runner.
type DispatchRequest struct {
	ThreadID    string `json:"thread_id"`
	RepoURL     string `json:"repo_url"`
	Branch      string `json:"branch"`
	BaseBranch  string `json:"base_branch"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Engine      string `json:"engine,omitempty"`
	Model       string `json:"model,omitempty"`
	RiskTier    string `json:"risk_tier,omitempty"`
	RepoToken   string `json:"repo_token,omitempty"` // installation credential for the target repo
}

// Dispatch asks the runner to start executing a thread. The call is bounded
// by the dispatch timeout; any error leaves the thread for out-of-band retry.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.dispatchTimeout)
	defer cancel()
	return c.post(ctx, c.baseURL+"/api/v1/runs", req)
}

// Cancel asks the runner to abort a thread's run. Fire-and-forget: the
// thread only becomes cancelled once the runner confirms via webhook.
func (c *Client) Cancel(ctx context.Context, threadID string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.cancelTimeout)
	defer cancel()
	return c.post(ctx, c.baseURL+"/api/v1/runs/"+threadID+"/cancel", nil)
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runner request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("runner returned %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}
