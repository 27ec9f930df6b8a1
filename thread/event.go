package thread

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventKind identifies a runner webhook event. The set is closed; ParseEvent
// rejects anything else before it can reach the reducer.
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventMessage   EventKind = "message"
	EventComplete  EventKind = "complete"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventPlan      EventKind = "plan"
)

// ErrUnknownEvent marks a webhook payload whose kind is not recognised.
var ErrUnknownEvent = errors.New("unknown event kind")

// ErrInvalidEvent marks a webhook payload that names a known kind but
// carries unusable fields.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one decoded runner notification addressed to a thread. Only the
// fields relevant to its Kind are populated.
type Event struct {
	ThreadID string
	Kind     EventKind

	// status
	Status Status

	// message
	Role       Role
	Content    string
	ToolName   string
	ToolInput  string
	ToolOutput string
	Metadata   map[string]string

	// complete
	CommitSHA    string
	CostUSD      float64
	DurationSecs int64
	Engine       string
	Model        string

	// failed
	Error string

	// plan
	Revision  int
	CreatedBy string
	Steps     []PlanStep
}

// wireEvent is the JSON body the runner posts, one event per call.
type wireEvent struct {
	ThreadID string `json:"thread_id"`
	Event    string `json:"event"`

	Status string `json:"status,omitempty"`

	Role       string            `json:"role,omitempty"`
	Content    string            `json:"content,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	ToolInput  string            `json:"tool_input,omitempty"`
	ToolOutput string            `json:"tool_output,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	CommitSHA    string  `json:"commit_sha,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	DurationSecs int64   `json:"duration_secs,omitempty"`
	Engine       string  `json:"engine,omitempty"`
	Model        string  `json:"model,omitempty"`

	Error string `json:"error,omitempty"`

	Plan *wirePlan `json:"plan,omitempty"`
}

type wirePlan struct {
	Revision  int        `json:"revision,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	Steps     []PlanStep `json:"steps"`
}

// ParseEvent decodes and validates one webhook body. Unknown kinds are
// rejected with ErrUnknownEvent; known kinds with unusable fields with
// ErrInvalidEvent. Message role defaults to system, plan creator to "agent".
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(w.ThreadID) == "" {
		return Event{}, fmt.Errorf("%w: missing thread_id", ErrInvalidEvent)
	}

	ev := Event{ThreadID: w.ThreadID, Kind: EventKind(w.Event)}
	switch ev.Kind {
	case EventStatus:
		ev.Status = Status(w.Status)
		if !ev.Status.Valid() {
			return Event{}, fmt.Errorf("%w: status %q", ErrInvalidEvent, w.Status)
		}

	case EventMessage:
		ev.Role = Role(w.Role)
		if w.Role == "" {
			ev.Role = RoleSystem
		}
		if !ev.Role.Valid() {
			return Event{}, fmt.Errorf("%w: role %q", ErrInvalidEvent, w.Role)
		}
		ev.Content = w.Content
		ev.ToolName = w.ToolName
		ev.ToolInput = w.ToolInput
		ev.ToolOutput = w.ToolOutput
		ev.Metadata = w.Metadata

	case EventComplete:
		// The runner may override the terminal status; default is complete.
		ev.Status = StatusComplete
		if w.Status != "" {
			s := Status(w.Status)
			if !s.Valid() || !s.Terminal() {
				return Event{}, fmt.Errorf("%w: completion status %q", ErrInvalidEvent, w.Status)
			}
			ev.Status = s
		}
		if w.CostUSD < 0 {
			return Event{}, fmt.Errorf("%w: negative cost", ErrInvalidEvent)
		}
		ev.CommitSHA = w.CommitSHA
		ev.CostUSD = w.CostUSD
		ev.DurationSecs = w.DurationSecs
		ev.Engine = w.Engine
		ev.Model = w.Model

	case EventFailed:
		ev.Error = w.Error

	case EventCancelled:
		// No extra fields.

	case EventPlan:
		if w.Plan == nil || len(w.Plan.Steps) == 0 {
			return Event{}, fmt.Errorf("%w: plan event without steps", ErrInvalidEvent)
		}
		ev.Revision = w.Plan.Revision
		ev.CreatedBy = w.Plan.CreatedBy
		if ev.CreatedBy == "" {
			ev.CreatedBy = "agent"
		}
		ev.Steps = make([]PlanStep, len(w.Plan.Steps))
		for i, st := range w.Plan.Steps {
			if st.Status == "" {
				st.Status = StepPending
			}
			switch st.Status {
			case StepPending, StepInProgress, StepCompleted, StepSkipped:
			default:
				return Event{}, fmt.Errorf("%w: step status %q", ErrInvalidEvent, st.Status)
			}
			ev.Steps[i] = st
		}

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Event)
	}
	return ev, nil
}
