// Package telemetry carries run observability: an in-process event hub the
// diagnostics server and bus bridge subscribe to, Prometheus metrics, and
// OpenTelemetry tracing of session iterations.
package telemetry

import (
	"sync"
	"time"
)

// EventType names an Event.
type EventType string

const (
	EventIterationStarted   EventType = "iteration.started"
	EventIterationCompleted EventType = "iteration.completed"
	EventSessionStarted     EventType = "session.started"
	EventSessionCompleted   EventType = "session.completed"
	EventSessionFailed      EventType = "session.failed"
	EventToolStarted        EventType = "tool.started"
	EventToolCompleted      EventType = "tool.completed"
	EventToolFailed         EventType = "tool.failed"
	EventToolInterrupted    EventType = "tool.interrupted"
	EventToolDenied         EventType = "tool.denied"
	EventInterrupt          EventType = "interrupt"
	EventApprovalDecided    EventType = "approval.decided"
	EventPlanAccepted       EventType = "plan.accepted"
	EventEngineUnknown      EventType = "engine.unknown_event"
)

// Event is one observable step of a run.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher is the write side of a Hub.
type Publisher interface {
	Publish(Event)
}

// Nop is a Publisher that discards.
type Nop struct{}

func (Nop) Publish(Event) {}

// subscriberBuffer bounds how far a subscriber may fall behind before it
// starts missing events.
const subscriberBuffer = 64

// Hub broadcasts events to subscribers. Publishing never blocks: the
// session loop must not stall on a slow observer.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub returns an open hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Publish stamps ev if needed and offers it to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a function that ends
// the subscription and closes the channel. On a closed hub the channel is
// already closed.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	return ch, func() { h.drop(id) }
}

func (h *Hub) drop(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Close ends every subscription. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
