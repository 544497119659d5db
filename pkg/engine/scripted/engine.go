package scripted

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/conductor/pkg/engine"
)

// Engine plays one script turn per Open. Once the turns run out every
// further turn just says so and ends.
type Engine struct {
	script         Script
	completionTool string

	mu   sync.Mutex
	next int
}

// New creates an engine. completionTool is the engine-facing name emitted
// for complete steps.
func New(script Script, completionTool string) *Engine {
	return &Engine{script: script, completionTool: completionTool}
}

// Open starts the next scripted turn.
func (e *Engine) Open(ctx context.Context, req engine.OpenRequest) (engine.Stream, error) {
	e.mu.Lock()
	index := e.next
	e.next++
	e.mu.Unlock()

	turn := Turn{Steps: []Step{{Say: "The script has no more turns."}}}
	if index < len(e.script.Turns) {
		turn = e.script.Turns[index]
	}

	sessionID := req.ResumeToken
	if sessionID == "" {
		sessionID = e.script.SessionID
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan engine.Event),
		interrupted:    make(chan struct{}),
		approve:        req.Approve,
		sessionID:      sessionID,
		completionTool: e.completionTool,
		model:          e.script.Model,
		delay:          e.script.Delay,
	}
	go s.run(index, turn)
	return s, nil
}

// Turns reports how many turns have been opened.
func (e *Engine) Turns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}

var errStopped = errors.New("stopped")

type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan engine.Event
	err    error

	interruptOnce sync.Once
	interrupted   chan struct{}

	approve        engine.ApproveFunc
	sessionID      string
	completionTool string
	model          string
	delay          time.Duration
}

func (s *stream) Events() <-chan engine.Event { return s.events }
func (s *stream) Err() error                  { return s.err }

// Interrupt stops the script after the current step. The turn still ends
// with a result, as a real engine's would.
func (s *stream) Interrupt(context.Context) error {
	s.interruptOnce.Do(func() { close(s.interrupted) })
	return nil
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

func (s *stream) run(index int, turn Turn) {
	defer close(s.events)
	err := s.play(index, turn)
	switch {
	case err == nil:
	case errors.Is(err, errStopped):
		if s.ctx.Err() != nil {
			s.err = s.ctx.Err()
		}
	default:
		s.err = err
	}
}

func (s *stream) play(index int, turn Turn) error {
	if index == 0 {
		if err := s.emit(engine.SessionStarted{SessionID: s.sessionID}); err != nil {
			return err
		}
	}
	if err := s.emit(engine.SystemInit{Model: s.model}); err != nil {
		return err
	}

	for i, step := range turn.Steps {
		if s.isInterrupted() {
			return s.finishInterrupted()
		}
		if i > 0 {
			if err := s.pause(step.Delay); err != nil {
				return err
			}
			if s.isInterrupted() {
				return s.finishInterrupted()
			}
		}
		if err := s.playStep(index, i, step); err != nil {
			return err
		}
	}

	if turn.Fail != "" {
		return errors.New(turn.Fail)
	}
	subtype := turn.Subtype
	if subtype == "" {
		subtype = "success"
	}
	return s.emit(engine.TurnResult{
		Subtype:   subtype,
		IsError:   engine.IsErrorSubtype(subtype),
		Errors:    turn.Errors,
		SessionID: s.sessionID,
	})
}

func (s *stream) playStep(turn, index int, step Step) error {
	switch {
	case step.Say != "":
		return s.emit(engine.AssistantText{Text: step.Say})

	case step.Complete:
		return s.emit(engine.ToolRequest{
			CallID: fmt.Sprintf("complete-%d-%d", turn+1, index+1),
			Name:   s.completionTool,
			Input:  map[string]any{},
		})
	}

	id := step.ID
	if id == "" {
		id = fmt.Sprintf("call-%d-%d", turn+1, index+1)
	}
	input := step.Input
	if input == nil {
		input = map[string]any{}
	}
	if err := s.emit(engine.ToolRequest{CallID: id, Name: step.Tool, Input: input}); err != nil {
		return err
	}

	decision := engine.Deny("No approval handler is configured.")
	if s.approve != nil {
		decision = s.approve(s.ctx, engine.ApprovalRequest{CallID: id, ToolName: step.Tool, Input: input})
	}
	if s.ctx.Err() != nil {
		return errStopped
	}
	if err := s.emit(engine.PermissionResolved{
		CallID:   id,
		ToolName: step.Tool,
		Allowed:  decision.Allowed(),
		Message:  decision.Message,
	}); err != nil {
		return err
	}
	if !decision.Allowed() {
		return s.emit(engine.ToolResult{CallID: id, IsError: true, Content: decision.Message})
	}
	if step.NoResult {
		return nil
	}
	return s.emit(engine.ToolResult{CallID: id, IsError: step.Error, Content: render(step.Result, decision.UpdatedInput)})
}

func (s *stream) finishInterrupted() error {
	return s.emit(engine.TurnResult{
		Subtype:   "error_during_execution",
		IsError:   true,
		Errors:    []string{"Request was aborted."},
		SessionID: s.sessionID,
	})
}

func (s *stream) emit(ev engine.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return errStopped
	}
}

func (s *stream) pause(d time.Duration) error {
	if d == 0 {
		d = s.delay
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.interrupted:
		return nil
	case <-s.ctx.Done():
		return errStopped
	}
}

func (s *stream) isInterrupted() bool {
	select {
	case <-s.interrupted:
		return true
	default:
		return false
	}
}

// render substitutes {{key}} placeholders with the approved input, so a
// result can echo what the human allowed.
func render(result string, input map[string]any) string {
	if !strings.Contains(result, "{{") {
		return result
	}
	for k, v := range input {
		result = strings.ReplaceAll(result, "{{"+k+"}}", fmt.Sprint(v))
	}
	return result
}
