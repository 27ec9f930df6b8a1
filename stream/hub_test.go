package stream

import (
	"log/slog"
	"testing"

	"github.com/GoCodeAlone/foreman/thread"
)

func newTestHub() *Hub {
	return New(slog.Default())
}

func TestHub_FanOut(t *testing.T) {
	h := newTestHub()
	a := h.Subscribe("t-1")
	b := h.Subscribe("t-1")
	other := h.Subscribe("t-2")

	h.Publish("t-1", Frame{Status: thread.StatusRunning})

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		select {
		case f := <-sub.C:
			if f.Status != thread.StatusRunning {
				t.Errorf("%s got %+v, want running status", name, f)
			}
		default:
			t.Errorf("%s received nothing", name)
		}
	}

	select {
	case f := <-other.C:
		t.Errorf("t-2 subscriber got %+v, want nothing", f)
	default:
	}
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	h := newTestHub()
	sub := h.Subscribe("t-1")
	sub.Cancel()

	// Channel is closed; publishing afterwards must not panic.
	h.Publish("t-1", Frame{Status: thread.StatusRunning})

	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after Cancel")
	}
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	h := newTestHub()
	sub := h.Subscribe("t-1")
	sub.Cancel()
	sub.Cancel()
}

func TestHub_FinishClosesSubscribers(t *testing.T) {
	h := newTestHub()
	sub := h.Subscribe("t-1")

	h.Finish("t-1", Completion{Status: thread.StatusComplete, CommitSHA: "abc123"})

	f, ok := <-sub.C
	if !ok {
		t.Fatal("expected completion frame before close")
	}
	if f.Complete == nil || f.Complete.CommitSHA != "abc123" {
		t.Errorf("frame = %+v, want completion with commit", f)
	}
	if _, ok := <-sub.C; ok {
		t.Error("expected channel closed after completion")
	}
}

func TestHub_SlowSubscriberIsClosed(t *testing.T) {
	h := newTestHub()
	sub := h.Subscribe("t-1")

	// Overflow the buffer without draining.
	for i := 0; i < subscriberBuffer+1; i++ {
		h.Publish("t-1", Frame{Status: thread.StatusRunning})
	}

	received := 0
	for range sub.C {
		received++
	}
	if received != subscriberBuffer {
		t.Errorf("received %d frames, want %d then close", received, subscriberBuffer)
	}
}

func TestHub_PreservesOrderPerSubscriber(t *testing.T) {
	h := newTestHub()
	sub := h.Subscribe("t-1")

	msgs := []*thread.Message{
		{ID: "m1", Seq: 1}, {ID: "m2", Seq: 2}, {ID: "m3", Seq: 3},
	}
	for _, m := range msgs {
		h.Publish("t-1", Frame{Message: m})
	}
	sub.Cancel()

	i := 0
	for f := range sub.C {
		if f.Message.ID != msgs[i].ID {
			t.Errorf("frame %d = %s, want %s", i, f.Message.ID, msgs[i].ID)
		}
		i++
	}
	if i != len(msgs) {
		t.Errorf("received %d frames, want %d", i, len(msgs))
	}
}
