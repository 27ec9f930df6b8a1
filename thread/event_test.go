package thread

import (
	"errors"
	"testing"
)

func TestParseEvent_Message(t *testing.T) {
	body := `{"thread_id":"t-1","event":"message","role":"tool","tool_name":"run_tests","tool_output":"ok"}`
	ev, err := ParseEvent([]byte(body))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Kind != EventMessage {
		t.Errorf("Kind = %q, want message", ev.Kind)
	}
	if ev.Role != RoleTool {
		t.Errorf("Role = %q, want tool", ev.Role)
	}
	if ev.ToolName != "run_tests" {
		t.Errorf("ToolName = %q, want run_tests", ev.ToolName)
	}
}

func TestParseEvent_MessageRoleDefaultsToSystem(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"thread_id":"t-1","event":"message","content":"hi"}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Role != RoleSystem {
		t.Errorf("Role = %q, want system", ev.Role)
	}
}

func TestParseEvent_UnknownKind(t *testing.T) {
	_, err := ParseEvent([]byte(`{"thread_id":"t-1","event":"reboot"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err = %v, want ErrUnknownEvent", err)
	}
}

func TestParseEvent_MissingThreadID(t *testing.T) {
	_, err := ParseEvent([]byte(`{"event":"message","content":"hi"}`))
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestParseEvent_BadStatus(t *testing.T) {
	_, err := ParseEvent([]byte(`{"thread_id":"t-1","event":"status","status":"warp"}`))
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestParseEvent_CompleteDefaults(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"thread_id":"t-1","event":"complete","commit_sha":"abc123","cost_usd":0.42}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Status != StatusComplete {
		t.Errorf("Status = %q, want complete", ev.Status)
	}
	if ev.CommitSHA != "abc123" {
		t.Errorf("CommitSHA = %q, want abc123", ev.CommitSHA)
	}
}

func TestParseEvent_CompleteRejectsNonTerminalOverride(t *testing.T) {
	_, err := ParseEvent([]byte(`{"thread_id":"t-1","event":"complete","status":"running"}`))
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestParseEvent_PlanDefaults(t *testing.T) {
	body := `{"thread_id":"t-1","event":"plan","plan":{"steps":[{"title":"step one"}]}}`
	ev, err := ParseEvent([]byte(body))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.CreatedBy != "agent" {
		t.Errorf("CreatedBy = %q, want agent", ev.CreatedBy)
	}
	if len(ev.Steps) != 1 || ev.Steps[0].Status != StepPending {
		t.Errorf("Steps = %+v, want one pending step", ev.Steps)
	}
}

func TestParseEvent_PlanWithoutSteps(t *testing.T) {
	_, err := ParseEvent([]byte(`{"thread_id":"t-1","event":"plan"}`))
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}
