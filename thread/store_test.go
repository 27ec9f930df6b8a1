package thread

import (
	"context"
	"os"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-thread-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestThread(t *testing.T, store *SQLiteStore) *Thread {
	t.Helper()
	th := &Thread{
		OwnerID:     "alice",
		RepoURL:     "https://github.com/acme/widgets",
		Branch:      "fix/login",
		BaseBranch:  "main",
		Title:       "Fix login bug",
		Description: "The login form rejects valid passwords.",
	}
	first := &Message{Role: RoleHuman, Content: th.Description}
	if err := store.CreateThread(context.Background(), th, first); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return th
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	th := newTestThread(t, store)

	if th.ID == "" {
		t.Fatal("CreateThread left empty ID")
	}
	if th.Status != StatusPending {
		t.Errorf("Status = %q, want pending", th.Status)
	}

	got, err := store.Thread(context.Background(), th.ID)
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if got.Title != "Fix login bug" {
		t.Errorf("Title = %q, want Fix login bug", got.Title)
	}
	if got.OwnerID != "alice" {
		t.Errorf("OwnerID = %q, want alice", got.OwnerID)
	}

	msgs, err := store.Messages(context.Background(), th.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != RoleHuman {
		t.Fatalf("messages = %+v, want one human message", msgs)
	}
	if msgs[0].Content != th.Description {
		t.Errorf("first message = %q, want description", msgs[0].Content)
	}
}

func TestSQLiteStore_ThreadNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Thread(context.Background(), "nonexistent"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ThreadsByOwner(t *testing.T) {
	store := newTestStore(t)
	newTestThread(t, store)
	newTestThread(t, store)

	other := &Thread{OwnerID: "bob", RepoURL: "r", Branch: "b", BaseBranch: "b", Title: "t", Description: "d"}
	if err := store.CreateThread(context.Background(), other, nil); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	mine, err := store.Threads(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Threads: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("Threads(alice) = %d, want 2", len(mine))
	}
}

func TestSQLiteStore_MessagesKeepAppendOrder(t *testing.T) {
	store := newTestStore(t)
	th := newTestThread(t, store)
	ctx := context.Background()

	contents := []string{"one", "two", "three", "four"}
	for _, c := range contents {
		content := c
		_, _, err := store.Apply(ctx, th.ID, func(_ *Thread) (Change, error) {
			return Change{Messages: []Message{{Role: RoleAssistant, Content: content}}}, nil
		})
		if err != nil {
			t.Fatalf("Apply(%s): %v", c, err)
		}
	}

	msgs, err := store.Messages(ctx, th.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != len(contents)+1 {
		t.Fatalf("got %d messages, want %d", len(msgs), len(contents)+1)
	}
	for i, want := range contents {
		if msgs[i+1].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i+1, msgs[i+1].Content, want)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Errorf("seq not increasing at %d: %d then %d", i, msgs[i-1].Seq, msgs[i].Seq)
		}
	}
}

func TestSQLiteStore_SetStatusCAS(t *testing.T) {
	store := newTestStore(t)
	th := newTestThread(t, store)
	ctx := context.Background()

	swapped, err := store.SetStatus(ctx, th.ID, StatusPending, StatusRunning)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if !swapped {
		t.Fatal("expected swap from pending")
	}

	swapped, err = store.SetStatus(ctx, th.ID, StatusPending, StatusRunning)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if swapped {
		t.Fatal("expected no swap when status is not pending anymore")
	}
}

func TestSQLiteStore_ApplyPersistsChange(t *testing.T) {
	store := newTestStore(t)
	th := newTestThread(t, store)
	ctx := context.Background()

	ev := Event{ThreadID: th.ID, Kind: EventComplete, Status: StatusComplete, CommitSHA: "abc123", CostUSD: 3.5, DurationSecs: 120}
	change, updated, err := store.Apply(ctx, th.ID, func(th *Thread) (Change, error) {
		return Reduce(th, ev)
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if updated.Status != StatusComplete || updated.CommitSHA != "abc123" {
		t.Errorf("updated = %+v, want complete/abc123", updated)
	}
	if len(change.Messages) != 1 || change.Messages[0].ID == "" {
		t.Errorf("change messages = %+v, want one persisted message", change.Messages)
	}

	got, err := store.Thread(ctx, th.ID)
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if got.Status != StatusComplete || got.CostUSD != 3.5 || got.DurationSecs != 120 {
		t.Errorf("persisted thread = %+v", got)
	}
}

func TestSQLiteStore_ApplyNotFound(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Apply(context.Background(), "nonexistent", func(_ *Thread) (Change, error) {
		return Change{}, nil
	})
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ApplyErrorRollsBack(t *testing.T) {
	store := newTestStore(t)
	th := newTestThread(t, store)
	ctx := context.Background()

	_, _, err := store.Apply(ctx, th.ID, func(th *Thread) (Change, error) {
		return Change{}, ErrNotSteerable
	})
	if err != ErrNotSteerable {
		t.Fatalf("err = %v, want ErrNotSteerable", err)
	}

	msgs, _ := store.Messages(ctx, th.ID)
	if len(msgs) != 1 {
		t.Errorf("message count = %d, want 1 (nothing written)", len(msgs))
	}
}

// Two webhook events racing on one thread must both take effect: the
// message lands in the log and the terminal transition wins, in either
// arrival order.
func TestSQLiteStore_ConcurrentMessageAndFailure(t *testing.T) {
	store := newTestStore(t)
	th := newTestThread(t, store)
	ctx := context.Background()

	if _, err := store.SetStatus(ctx, th.ID, StatusPending, StatusRunning); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	msgEv := Event{ThreadID: th.ID, Kind: EventMessage, Role: RoleAssistant, Content: "progress"}
	failEv := Event{ThreadID: th.ID, Kind: EventFailed, Error: "out of disk"}

	var wg sync.WaitGroup
	for _, ev := range []Event{msgEv, failEv} {
		wg.Add(1)
		go func(ev Event) {
			defer wg.Done()
			_, _, err := store.Apply(ctx, th.ID, func(th *Thread) (Change, error) {
				return Reduce(th, ev)
			})
			if err != nil {
				t.Errorf("Apply(%s): %v", ev.Kind, err)
			}
		}(ev)
	}
	wg.Wait()

	got, err := store.Thread(ctx, th.ID)
	if err != nil {
		t.Fatalf("Thread: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}

	msgs, err := store.Messages(ctx, th.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	var sawProgress bool
	for _, m := range msgs {
		if m.Content == "progress" {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Error("progress message missing from log")
	}
}

func TestSQLiteStore_PlanRevisions(t *testing.T) {
	store := newTestStore(t)
	th := newTestThread(t, store)
	ctx := context.Background()

	if _, err := store.LatestPlan(ctx, th.ID); err != ErrNoPlan {
		t.Fatalf("err = %v, want ErrNoPlan", err)
	}

	for i, title := range []string{"first", "second"} {
		_, _, err := store.Apply(ctx, th.ID, func(th *Thread) (Change, error) {
			return Change{Plan: &Plan{
				ThreadID:  th.ID,
				Steps:     []PlanStep{{Title: title, Status: StepPending}},
				CreatedBy: "agent",
			}}, nil
		})
		if err != nil {
			t.Fatalf("Apply plan %d: %v", i, err)
		}
	}

	plan, err := store.LatestPlan(ctx, th.ID)
	if err != nil {
		t.Fatalf("LatestPlan: %v", err)
	}
	if plan.Revision != 2 {
		t.Errorf("Revision = %d, want 2", plan.Revision)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Title != "second" {
		t.Errorf("Steps = %+v, want latest revision's steps", plan.Steps)
	}
}
