package thread

import "fmt"

// Reduce maps one runner event and the thread's current state to the writes
// it produces. It is pure and re-entrant; the store runs it under the
// thread's write lock.
//
// A thread in a terminal state absorbs every status-affecting event as an
// empty Change: the runner delivers at least once, so a duplicate or late
// terminal event must be a no-op, not an error. Plain message events still
// append — the log is append-only and a racing message must land regardless
// of whether the terminal transition beat it.
func Reduce(th *Thread, ev Event) (Change, error) {
	if th.Status.Terminal() && ev.Kind != EventMessage {
		return Change{}, nil
	}

	switch ev.Kind {
	case EventStatus:
		// Late or repeated progress reports arrive out of order; anything
		// that does not move the thread forward is dropped.
		if !th.Status.CanAdvance(ev.Status) {
			return Change{}, nil
		}
		return Change{Status: &ev.Status}, nil

	case EventMessage:
		return Change{Messages: []Message{{
			ThreadID:   th.ID,
			Role:       ev.Role,
			Content:    ev.Content,
			ToolName:   ev.ToolName,
			ToolInput:  ev.ToolInput,
			ToolOutput: ev.ToolOutput,
			Metadata:   ev.Metadata,
		}}}, nil

	case EventComplete:
		status := ev.Status
		ch := Change{Status: &status}
		if ev.CommitSHA != "" {
			ch.CommitSHA = &ev.CommitSHA
		}
		if ev.CostUSD > 0 {
			ch.CostUSD = &ev.CostUSD
		}
		if ev.DurationSecs > 0 {
			ch.DurationSecs = &ev.DurationSecs
		}
		if ev.Engine != "" {
			ch.Engine = &ev.Engine
		}
		if ev.Model != "" {
			ch.Model = &ev.Model
		}
		summary := "Run finished with no commit."
		if ev.CommitSHA != "" {
			summary = fmt.Sprintf("Run finished with commit %s.", ev.CommitSHA)
		}
		ch.Messages = []Message{{ThreadID: th.ID, Role: RoleSystem, Content: summary}}
		return ch, nil

	case EventFailed:
		status := StatusFailed
		ch := Change{Status: &status}
		msg := ev.Error
		if msg == "" {
			msg = "Run failed."
		} else {
			ch.Error = &ev.Error
		}
		ch.Messages = []Message{{ThreadID: th.ID, Role: RoleSystem, Content: msg}}
		return ch, nil

	case EventCancelled:
		status := StatusCancelled
		return Change{
			Status:   &status,
			Messages: []Message{{ThreadID: th.ID, Role: RoleSystem, Content: "Run cancelled."}},
		}, nil

	case EventPlan:
		return Change{Plan: &Plan{
			ThreadID:  th.ID,
			Revision:  ev.Revision, // 0 lets the store pick the next revision
			Steps:     ev.Steps,
			CreatedBy: ev.CreatedBy,
		}}, nil
	}

	// ParseEvent only produces the kinds above.
	return Change{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
}
