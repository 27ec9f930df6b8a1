// Package thread defines the task-thread model, its lifecycle reducer, and
// persistence for runs executed by the external runner.
package thread

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a thread.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCommitting Status = "committing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// statusRank orders statuses along the lifecycle. Transitions only ever
// move to a higher rank; terminal states share the highest rank.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusRunning:    1,
	StatusCommitting: 2,
	StatusComplete:   3,
	StatusFailed:     3,
	StatusCancelled:  3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// CanAdvance reports whether a transition from s to next moves the thread
// forward through the state machine.
func (s Status) CanAdvance(next Status) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Role identifies the author of a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
	RoleManager   Role = "manager"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleHuman, RoleAssistant, RoleTool, RoleSystem, RoleManager:
		return true
	}
	return false
}

// Thread is one submitted task and its lifecycle state.
type Thread struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	RepoURL      string    `json:"repo_url"`
	Branch       string    `json:"branch"`
	BaseBranch   string    `json:"base_branch"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	Engine       string    `json:"engine,omitempty"`
	Model        string    `json:"model,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
	DurationSecs int64     `json:"duration_secs"`
	CommitSHA    string    `json:"commit_sha,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is an immutable, ordered log entry belonging to a thread.
// Seq is assigned by the store and totals the per-thread order.
type Message struct {
	Seq        int64             `json:"seq"`
	ID         string            `json:"id"`
	ThreadID   string            `json:"thread_id"`
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	ToolInput  string            `json:"tool_input,omitempty"`
	ToolOutput string            `json:"tool_output,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// StepStatus is the progress state of a single plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
)

// PlanStep is one entry in a plan revision.
type PlanStep struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status"`
}

// Plan is a versioned list of execution steps for a thread. Revisions are
// immutable; a higher revision supersedes lower ones.
type Plan struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"thread_id"`
	Revision  int        `json:"revision"`
	Steps     []PlanStep `json:"steps"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
}

// Sentinel errors returned by stores and apply functions.
var (
	ErrNotFound     = errors.New("thread not found")
	ErrNoPlan       = errors.New("thread has no plan")
	ErrNotSteerable = errors.New("thread is not in a steerable state")
)

// ApplyFunc decides what to write for a thread. It runs with the thread's
// row held for writing; it must be pure apart from its return value.
type ApplyFunc func(th *Thread) (Change, error)

// Store persists threads, their message log, and plan revisions. Apply and
// SetStatus serialize writes per thread so concurrent handlers never
// interleave within one thread.
type Store interface {
	// CreateThread persists a new thread and its first message atomically.
	CreateThread(ctx context.Context, th *Thread, first *Message) error

	// Thread retrieves a thread by ID. Returns ErrNotFound when absent.
	Thread(ctx context.Context, id string) (*Thread, error)

	// Threads returns all threads owned by ownerID, newest first.
	Threads(ctx context.Context, ownerID string) ([]*Thread, error)

	// Messages returns a thread's full log in append order.
	Messages(ctx context.Context, threadID string) ([]*Message, error)

	// LatestPlan returns the highest plan revision for a thread, or
	// ErrNoPlan when the thread has none.
	LatestPlan(ctx context.Context, threadID string) (*Plan, error)

	// SetStatus compare-and-sets a thread's status. It reports whether
	// the swap took effect.
	SetStatus(ctx context.Context, threadID string, from, to Status) (bool, error)

	// Apply loads the thread under its write lock, invokes fn, and
	// persists the returned Change atomically. The persisted change
	// (with assigned IDs and timestamps) and the updated thread are
	// returned.
	Apply(ctx context.Context, threadID string, fn ApplyFunc) (Change, *Thread, error)

	// Close releases the store's resources.
	Close() error
}

// Change is the set of writes produced by one reduction. Zero-value fields
// are left untouched; a nil Status means no transition.
type Change struct {
	Status       *Status
	Messages     []Message
	Plan         *Plan
	CommitSHA    *string
	CostUSD      *float64
	DurationSecs *int64
	Engine       *string
	Model        *string
	Error        *string
}

// Empty reports whether the change writes nothing.
func (c Change) Empty() bool {
	return c.Status == nil && len(c.Messages) == 0 && c.Plan == nil &&
		c.CommitSHA == nil && c.CostUSD == nil && c.DurationSecs == nil &&
		c.Engine == nil && c.Model == nil && c.Error == nil
}
