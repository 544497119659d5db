// Package uistate holds everything the terminal renders: an append-only
// history, at most one pending interactive surface, and the state of the
// current agent run. Every producer (engine events, approvals, keystrokes)
// mutates the UI through a Store.
package uistate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/toolcall"
)

// ErrAbandoned is returned to a waiter whose surface was replaced or torn
// down before the human answered.
var ErrAbandoned = errors.New("surface abandoned")

// ItemKind classifies a history entry.
type ItemKind string

const (
	ItemUser        ItemKind = "user"
	ItemAssistant   ItemKind = "assistant"
	ItemTool        ItemKind = "tool"
	ItemInfo        ItemKind = "info"
	ItemWarning     ItemKind = "warning"
	ItemError       ItemKind = "error"
	ItemInterrupted ItemKind = "interrupted"
)

// HistoryItem is an immutable, append-only record rendered exactly once.
type HistoryItem struct {
	ID   int64
	Kind ItemKind
	Text string
	// Tool is set for entries produced by the tool-call registry.
	Tool *toolcall.Record
	At   time.Time
}

// RunState describes the agent run the UI is attached to.
type RunState struct {
	Running   bool
	SessionID string
	// Interrupt cancels the current turn; message, when non-empty, becomes
	// the next prompt.
	Interrupt func(message string)
	// PersistentInput is re-presented whenever a transient surface resolves
	// during a run.
	PersistentInput *PersistentInputConfig
}

// PersistentInputConfig describes the always-available input shown while
// the agent works.
type PersistentInputConfig struct {
	Placeholder string
	OnSubmit    func(text string)
}

type pendingSlot struct {
	item      Pending
	onResolve func(Response)
	onAbandon func()
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	history []HistoryItem
	nextID  int64
	pending *pendingSlot
	run     RunState
	subs    map[chan struct{}]struct{}
	logger  *logging.Logger
	now     func() time.Time
}

// New creates an empty store.
func New(logger *logging.Logger) *Store {
	return &Store{
		subs:   make(map[chan struct{}]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Append adds a history entry and returns it.
func (s *Store) Append(kind ItemKind, text string) HistoryItem {
	return s.append(HistoryItem{Kind: kind, Text: text})
}

// RecordToolCall appends a terminal tool-call record. It lets the store act
// as the tool-call registry's recorder.
func (s *Store) RecordToolCall(rec toolcall.Record) {
	kind := ItemTool
	if rec.Outcome == toolcall.OutcomeInterrupted {
		kind = ItemInterrupted
	}
	r := rec
	s.append(HistoryItem{Kind: kind, Text: rec.Call.Label(), Tool: &r})
}

func (s *Store) append(item HistoryItem) HistoryItem {
	s.mu.Lock()
	s.nextID++
	item.ID = s.nextID
	item.At = s.now()
	s.history = append(s.history, item)
	s.mu.Unlock()
	s.notify()
	return item
}

// History returns a copy of every entry.
func (s *Store) History() []HistoryItem {
	return s.HistorySince(0)
}

// HistorySince returns entries with an id greater than afterID.
func (s *Store) HistorySince(afterID int64) []HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	// ids are dense and start at 1
	start := int(afterID)
	if start < 0 {
		start = 0
	}
	if start >= len(s.history) {
		return nil
	}
	out := make([]HistoryItem, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// Present makes item the live surface, abandoning whatever was live. At most
// one of onResolve and onAbandon is ever called, each at most once, never
// while the store's lock is held. It returns the surface id.
func (s *Store) Present(item Pending, onResolve func(Response), onAbandon func()) string {
	id, _ := s.present(item, onResolve, onAbandon, false)
	return id
}

func (s *Store) present(item Pending, onResolve func(Response), onAbandon func(), onlyIfIdle bool) (string, bool) {
	if item.ID == "" {
		item.ID = ulid.Make().String()
	}
	s.mu.Lock()
	previous := s.pending
	if onlyIfIdle && previous != nil {
		s.mu.Unlock()
		return "", false
	}
	s.pending = &pendingSlot{item: item, onResolve: onResolve, onAbandon: onAbandon}
	s.mu.Unlock()

	if previous != nil {
		s.logger.Info(logging.CategoryUI, "surface.abandoned", "replaced by a new surface", map[string]any{
			"abandoned": string(previous.item.Kind),
			"presented": string(item.Kind),
		})
		if previous.onAbandon != nil {
			previous.onAbandon()
		}
	}
	s.notify()
	return item.ID, true
}

// Await presents item and blocks until it resolves. It returns ErrAbandoned
// when the surface is replaced or torn down, and ctx.Err() when ctx ends
// first (the surface is withdrawn in that case).
func (s *Store) Await(ctx context.Context, item Pending) (Response, error) {
	resolved := make(chan Response, 1)
	abandoned := make(chan struct{})
	id := s.Present(item,
		func(r Response) { resolved <- r },
		func() { close(abandoned) },
	)

	select {
	case r := <-resolved:
		return r, nil
	case <-abandoned:
		return Response{}, ErrAbandoned
	case <-ctx.Done():
		s.abandonID(id, "context done")
		// A resolution may have raced the cancellation.
		select {
		case r := <-resolved:
			return r, nil
		default:
		}
		return Response{}, ctx.Err()
	}
}

// ResolvePending resolves the live surface with resp. It is a no-op when
// nothing is pending, so repeated calls resolve at most once.
func (s *Store) ResolvePending(resp Response) bool {
	return s.resolve("", resp)
}

// ResolvePendingID resolves the live surface only if it is still id, so a
// stale keypress cannot answer a newer surface.
func (s *Store) ResolvePendingID(id string, resp Response) bool {
	if id == "" {
		return false
	}
	return s.resolve(id, resp)
}

func (s *Store) resolve(id string, resp Response) bool {
	s.mu.Lock()
	slot := s.pending
	if slot == nil || (id != "" && slot.item.ID != id) {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	s.mu.Unlock()

	if slot.onResolve != nil {
		slot.onResolve(resp)
	}
	s.notify()
	return true
}

// Abandon withdraws the live surface without resolving it.
func (s *Store) Abandon(reason string) bool {
	return s.abandonID("", reason)
}

func (s *Store) abandonID(id, reason string) bool {
	s.mu.Lock()
	slot := s.pending
	if slot == nil || (id != "" && slot.item.ID != id) {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	s.mu.Unlock()

	s.logger.Info(logging.CategoryUI, "surface.abandoned", reason, map[string]any{
		"abandoned": string(slot.item.Kind),
	})
	if slot.onAbandon != nil {
		slot.onAbandon()
	}
	s.notify()
	return true
}

// Pending returns a snapshot of the live surface.
func (s *Store) Pending() (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return Pending{}, false
	}
	return s.pending.item, true
}

// RunState returns a snapshot of the run state.
func (s *Store) RunState() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// SetRunning marks whether an agent turn is in flight.
func (s *Store) SetRunning(running bool) {
	s.mu.Lock()
	s.run.Running = running
	s.mu.Unlock()
	s.notify()
}

// SetSessionID records the session token for display.
func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	s.run.SessionID = id
	s.mu.Unlock()
	s.notify()
}

// SetInterruptHandle publishes the function keyboard handlers call to
// interrupt the run.
func (s *Store) SetInterruptHandle(fn func(message string)) {
	s.mu.Lock()
	s.run.Interrupt = fn
	s.mu.Unlock()
}

// RequestInterrupt calls the published interrupt handle while a run is in
// flight. It reports whether a handle was called.
func (s *Store) RequestInterrupt(message string) bool {
	s.mu.Lock()
	fn := s.run.Interrupt
	running := s.run.Running
	s.mu.Unlock()
	if fn == nil || !running {
		return false
	}
	fn(message)
	return true
}

// SetPersistentInput sets the persistent input restored after transient
// surfaces. nil disables restoring.
func (s *Store) SetPersistentInput(cfg *PersistentInputConfig) {
	s.mu.Lock()
	s.run.PersistentInput = cfg
	s.mu.Unlock()
}

// RestorePersistentInput presents the persistent input when one is
// configured and no other surface is live.
func (s *Store) RestorePersistentInput() bool {
	s.mu.Lock()
	cfg := s.run.PersistentInput
	s.mu.Unlock()
	if cfg == nil {
		return false
	}

	item := Pending{Kind: SurfacePersistentInput, Placeholder: cfg.Placeholder}
	_, ok := s.present(item, func(r Response) {
		if cfg.OnSubmit != nil {
			cfg.OnSubmit(r.Text)
		}
	}, nil, true)
	return ok
}

// Teardown clears the persistent input and abandons the live surface.
func (s *Store) Teardown(reason string) {
	s.SetPersistentInput(nil)
	s.Abandon(reason)
}

// Subscribe returns a channel that receives a signal after every change.
// Signals coalesce: a slow reader sees one signal for many changes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
