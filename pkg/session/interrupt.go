package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/odvcencio/conductor/pkg/engine"
	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/telemetry"
	"github.com/odvcencio/conductor/pkg/uistate"
)

// interruptSignal collects interrupt requests from any goroutine and hands
// them to the loop. Requests coalesce; the latest non-empty message wins.
type interruptSignal struct {
	mu      sync.Mutex
	pending bool
	message string
	ready   chan struct{}
}

func newInterruptSignal() *interruptSignal {
	return &interruptSignal{ready: make(chan struct{}, 1)}
}

func (s *interruptSignal) post(message string) {
	s.mu.Lock()
	s.pending = true
	if m := strings.TrimSpace(message); m != "" {
		s.message = m
	}
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// take returns and clears the pending request.
func (s *interruptSignal) take() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return "", false
	}
	msg := s.message
	s.pending = false
	s.message = ""
	return msg, true
}

// reset discards requests aimed at an earlier iteration.
func (s *interruptSignal) reset() {
	s.take()
	select {
	case <-s.ready:
	default:
	}
}

// Interrupt asks the loop to cancel the current turn. A non-empty message
// becomes the next prompt. Safe to call from any goroutine, any number of
// times; calls while idle are discarded when the next turn starts.
func (l *Loop) Interrupt(message string) {
	l.interrupts.post(message)
}

// applyInterrupt runs on the loop goroutine. stream may be nil when the turn
// has already drained.
func (l *Loop) applyInterrupt(ctx context.Context, t *turn, stream engine.Stream, message string, iteration int) {
	if message != "" {
		t.nextPrompt = message
	}
	if t.interrupting {
		return
	}
	t.interrupting = true
	t.waitingForInput = true

	flushed := t.registry.Flush()
	if len(flushed) == 0 {
		l.store.Append(uistate.ItemInterrupted, "Interrupted")
	}
	l.store.Teardown("interrupted")
	l.metrics.ObserveInterrupt()
	l.metrics.SetOpenToolCalls(0)
	l.events.Publish(telemetry.Event{
		Type:      telemetry.EventInterrupt,
		Iteration: iteration,
		Data:      map[string]any{"flushed": len(flushed), "has_message": message != ""},
	})
	l.logger.Info(logging.CategoryInterrupt, "interrupt.applied", "turn interrupted", map[string]any{
		"flushed":     len(flushed),
		"has_message": message != "",
	})

	if stream == nil {
		return
	}
	interrupter, ok := stream.(engine.Interrupter)
	if !ok {
		l.logger.Warn(logging.CategoryInterrupt, "interrupt.unsupported", "engine stream cannot be interrupted; draining", nil)
		return
	}
	if err := interrupter.Interrupt(context.WithoutCancel(ctx)); err != nil {
		l.logger.Warn(logging.CategoryInterrupt, "interrupt.forward_failed", err.Error(), nil)
	}
}

// isInterruptNoise reports whether err is the engine's reaction to being
// interrupted rather than a real failure.
func (l *Loop) isInterruptNoise(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range l.markers {
		if marker != "" && strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
