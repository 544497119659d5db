package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/odvcencio/conductor/pkg/config"
	"github.com/odvcencio/conductor/pkg/engine"
	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/uistate"
)

// fakeStream is fed by the test. Closing events ends the turn.
type fakeStream struct {
	events      chan engine.Event
	err         error
	interrupts  atomic.Int32
	closed      atomic.Bool
	closeEvents sync.Once
}

func newFakeStream(buffer int) *fakeStream {
	return &fakeStream{events: make(chan engine.Event, buffer)}
}

// scripted returns a stream that replays evs and ends with err.
func scripted(err error, evs ...engine.Event) *fakeStream {
	s := newFakeStream(len(evs))
	for _, ev := range evs {
		s.events <- ev
	}
	s.err = err
	s.finish()
	return s
}

func (s *fakeStream) finish()                     { s.closeEvents.Do(func() { close(s.events) }) }
func (s *fakeStream) Events() <-chan engine.Event { return s.events }
func (s *fakeStream) Err() error                  { return s.err }
func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// interruptibleStream also implements engine.Interrupter.
type interruptibleStream struct{ *fakeStream }

func (s interruptibleStream) Interrupt(context.Context) error {
	s.interrupts.Add(1)
	return nil
}

// fakeEngine hands out one prepared stream per Open.
type fakeEngine struct {
	mu      sync.Mutex
	streams []engine.Stream
	opens   []engine.OpenRequest
	openErr error
}

func (e *fakeEngine) Open(_ context.Context, req engine.OpenRequest) (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens = append(e.opens, req)
	if e.openErr != nil {
		return nil, e.openErr
	}
	if len(e.streams) == 0 {
		return nil, errors.New("no more scripted turns")
	}
	s := e.streams[0]
	e.streams = e.streams[1:]
	return s, nil
}

func (e *fakeEngine) requests() []engine.OpenRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.OpenRequest(nil), e.opens...)
}

func newTestLoop(eng engine.Engine) (*Loop, *uistate.Store) {
	store := uistate.New(logging.Nop())
	cfg := config.DefaultConfig()
	loop := New(Options{
		Engine: eng,
		Store:  store,
		Config: cfg.Session,
		Logger: logging.Nop(),
	})
	return loop, store
}

// replyToTextSurfaces answers each text surface with the next reply.
func replyToTextSurfaces(t *testing.T, store *uistate.Store, replies ...string) {
	t.Helper()
	changes, unsubscribe := store.Subscribe()
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		unsubscribe()
	})

	go func() {
		next := 0
		for {
			select {
			case <-done:
				return
			case <-changes:
			}
			p, ok := store.Pending()
			if !ok || p.Kind != uistate.SurfaceText || next >= len(replies) {
				continue
			}
			if store.ResolvePendingID(p.ID, uistate.Response{Text: replies[next]}) {
				next++
			}
		}
	}()
}

func historyOf(store *uistate.Store, kind uistate.ItemKind) []uistate.HistoryItem {
	var out []uistate.HistoryItem
	for _, item := range store.History() {
		if item.Kind == kind {
			out = append(out, item)
		}
	}
	return out
}

const eventually = 2 * time.Second
