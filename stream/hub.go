// Package stream implements the per-thread broadcast hub behind the live
// SSE feed. Every subscriber gets an independent buffered channel; the hub
// fans out, it is not a consumable queue.
package stream

import (
	"log/slog"
	"sync"

	"github.com/GoCodeAlone/foreman/thread"
)

// Frame is one live update pushed to subscribers. Exactly one field is set.
type Frame struct {
	Message  *thread.Message `json:"message,omitempty"`
	Status   thread.Status   `json:"status,omitempty"`
	Complete *Completion     `json:"complete,omitempty"`
}

// Completion is the final frame of a thread's feed.
type Completion struct {
	Status       thread.Status `json:"status"`
	CommitSHA    string        `json:"commit_sha,omitempty"`
	CostUSD      float64       `json:"cost_usd"`
	DurationSecs int64         `json:"duration_secs"`
	Error        string        `json:"error,omitempty"`
}

// subscriberBuffer is sized so a snapshot-lagged reader rarely falls behind;
// a reader that still does is closed and re-syncs on reconnect.
const subscriberBuffer = 64

// Subscription is one observer's handle on a thread's feed. Receive from C
// until it is closed; call Cancel to release the subscription early.
type Subscription struct {
	C <-chan Frame

	hub      *Hub
	threadID string
	ch       chan Frame
	closed   bool // guarded by hub.mu
}

// Cancel releases the subscription. Safe to call more than once and after
// the hub has already closed the channel.
func (s *Subscription) Cancel() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Hub tracks subscribers per thread and broadcasts frames to them.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	logger *slog.Logger
}

// New creates a Hub ready to accept subscriptions.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers a new observer for threadID.
func (h *Hub) Subscribe(threadID string) *Subscription {
	sub := &Subscription{
		hub:      h,
		threadID: threadID,
		ch:       make(chan Frame, subscriberBuffer),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[threadID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[threadID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish fans a frame out to every subscriber of threadID. A subscriber
// whose buffer is full is closed instead of skipped: a gap inside one
// connection would break replay ordering, so the client must reconnect and
// take a fresh snapshot.
func (h *Hub) Publish(threadID string, f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[threadID] {
		select {
		case sub.ch <- f:
		default:
			h.logger.Warn("dropping slow stream subscriber",
				slog.String("thread_id", threadID))
			h.removeLocked(sub)
		}
	}
}

// Finish delivers the terminal frame and closes every subscription for the
// thread. Late subscribers get the completion straight from the snapshot.
func (h *Hub) Finish(threadID string, c Completion) {
	h.Publish(threadID, Frame{Complete: &c})

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[threadID] {
		h.removeLocked(sub)
	}
}

// removeLocked unregisters sub and closes its channel. Callers hold h.mu.
func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	set := h.subs[sub.threadID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.threadID)
	}
	close(sub.ch)
}
