package session

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/conductor/pkg/config"
	"github.com/odvcencio/conductor/pkg/engine"
	apperrors "github.com/odvcencio/conductor/pkg/errors"
	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/telemetry"
	"github.com/odvcencio/conductor/pkg/toolcall"
	"github.com/odvcencio/conductor/pkg/uistate"
)

const (
	persistentPlaceholder = "Type to interrupt and redirect the agent"
	followUpPrompt        = "What should the agent do next?"
)

// Options configures a Loop.
type Options struct {
	Engine engine.Engine
	Store  *uistate.Store
	// Approve is handed to the engine for every turn.
	Approve      engine.ApproveFunc
	Config       config.SessionConfig
	AllowedTools []string
	Logger       *logging.Logger
	Metrics      *telemetry.Metrics
	Events       telemetry.Publisher
	Tracer       trace.Tracer
	// OnSessionStarted receives the session token once, when first captured.
	OnSessionStarted func(token string)
}

// Loop runs turns until the agent reports completion, an unrecoverable
// error occurs, or ctx ends.
type Loop struct {
	engine         engine.Engine
	store          *uistate.Store
	approve        engine.ApproveFunc
	completionTool string
	internalTools  []string
	markers        []string
	allowedTools   []string
	logger         *logging.Logger
	metrics        *telemetry.Metrics
	events         telemetry.Publisher
	tracer         trace.Tracer
	onSession      func(string)
	interrupts     *interruptSignal
}

// New builds a loop. Engine and Store are required.
func New(opts Options) *Loop {
	l := &Loop{
		engine:         opts.Engine,
		store:          opts.Store,
		approve:        opts.Approve,
		completionTool: config.MCPToolName(opts.Config.MCPServerName, opts.Config.CompletionTool),
		internalTools:  opts.Config.InternalTools,
		allowedTools:   opts.AllowedTools,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		events:         opts.Events,
		tracer:         opts.Tracer,
		onSession:      opts.OnSessionStarted,
		interrupts:     newInterruptSignal(),
	}
	for _, m := range opts.Config.InterruptMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			l.markers = append(l.markers, m)
		}
	}
	if l.logger == nil {
		l.logger = logging.Nop()
	}
	if l.events == nil {
		l.events = telemetry.Nop{}
	}
	if l.tracer == nil {
		l.tracer = telemetry.NoopTracer()
	}
	if l.approve == nil {
		l.approve = func(context.Context, engine.ApprovalRequest) engine.Decision {
			return engine.Deny("No approval handler is configured.")
		}
	}
	return l
}

// Run drives the session starting from prompt. A non-empty resumeToken
// continues an earlier session; otherwise the engine assigns one.
func (l *Loop) Run(ctx context.Context, prompt, resumeToken string) (Result, error) {
	res := Result{SessionID: resumeToken, State: StateStarting}
	if resumeToken != "" {
		l.store.SetSessionID(resumeToken)
	}
	l.store.SetInterruptHandle(l.Interrupt)
	defer l.store.SetInterruptHandle(nil)

	if strings.TrimSpace(prompt) == "" {
		next, err := l.awaitInput(ctx)
		if err != nil {
			return res, err
		}
		prompt = next
	}
	l.store.Append(uistate.ItemUser, prompt)

	for {
		res.Iterations++
		state, next, err := l.iterate(ctx, res.Iterations, prompt, &res.SessionID)
		res.State = state
		if err != nil {
			return res, err
		}

		switch state {
		case StateCompleted:
			l.store.Teardown("completed")
			l.store.Append(uistate.ItemInfo, "Setup complete.")
			l.events.Publish(telemetry.Event{Type: telemetry.EventSessionCompleted, SessionID: res.SessionID, Iteration: res.Iterations})
			return res, nil
		case StateNeedsInput, StateInterrupted:
			if next == "" {
				next, err = l.awaitInput(ctx)
				if err != nil {
					return res, err
				}
			}
			l.store.Append(uistate.ItemUser, next)
			prompt = next
		}
	}
}

// iterate runs one turn to completion and decides what comes next. It
// returns the follow-up message when one was typed during an interrupt.
func (l *Loop) iterate(ctx context.Context, n int, prompt string, token *string) (State, string, error) {
	ctx, span := l.tracer.Start(ctx, "session.iteration", trace.WithAttributes(
		telemetry.AttrIteration.Int(n),
		telemetry.AttrResumeToken.String(*token),
	))
	defer span.End()

	state, next, err := l.runTurn(ctx, n, prompt, token)
	span.SetAttributes(telemetry.AttrState.String(string(state)), telemetry.AttrSessionID.String(*token))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	l.metrics.ObserveIteration(string(state))
	l.events.Publish(telemetry.Event{
		Type:      telemetry.EventIterationCompleted,
		SessionID: *token,
		Iteration: n,
		Data:      map[string]any{"state": string(state)},
	})
	l.logger.Info(logging.CategorySession, "iteration.completed", string(state), map[string]any{
		"iteration": n,
		"resumed":   n > 1,
	})
	return state, next, err
}

func (l *Loop) runTurn(ctx context.Context, n int, prompt string, token *string) (State, string, error) {
	l.interrupts.reset()
	t := newTurn(toolcall.NewRegistry(toolcall.RecorderFunc(l.recordToolCall), l.internalTools))

	l.events.Publish(telemetry.Event{Type: telemetry.EventIterationStarted, SessionID: *token, Iteration: n})
	stream, err := l.engine.Open(ctx, engine.OpenRequest{
		Prompt:       prompt,
		ResumeToken:  *token,
		Approve:      l.approve,
		AllowedTools: l.allowedTools,
	})
	if err != nil {
		return l.fail(apperrors.Wrap(err, apperrors.ErrCodeEngineStart, "failed to start agent engine").
			WithUserMessage("Could not start the agent: " + err.Error()))
	}
	defer stream.Close()

	l.store.SetRunning(true)
	l.store.SetPersistentInput(&uistate.PersistentInputConfig{
		Placeholder: persistentPlaceholder,
		OnSubmit:    l.Interrupt,
	})
	l.store.RestorePersistentInput()

	done := ctx.Done()
	events := stream.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.captureToken(ev, token, n)
			l.classify(t, ev, n)
		case <-l.interrupts.ready:
			if msg, ok := l.interrupts.take(); ok {
				l.applyInterrupt(ctx, t, stream, msg, n)
			}
		case <-done:
			// Quit: cancel the turn but keep draining so results are recorded.
			done = nil
			l.applyInterrupt(ctx, t, stream, "", n)
		}
	}

	// Close the input first so nothing can be posted after the last take.
	l.store.Teardown("turn ended")
	l.store.SetRunning(false)

	// An interrupt posted as the stream closed still counts.
	if msg, ok := l.interrupts.take(); ok && !t.completedWork {
		l.applyInterrupt(ctx, t, nil, msg, n)
	}
	// Calls the engine never answered are not left dangling.
	if t.registry.Len() > 0 {
		t.registry.Flush()
		l.metrics.SetOpenToolCalls(0)
	}

	if err := ctx.Err(); err != nil {
		return StateInterrupted, "", err
	}

	if serr := stream.Err(); serr != nil && !t.completedWork {
		if !l.isInterruptNoise(serr) {
			return l.fail(apperrors.Wrap(serr, apperrors.ErrCodeEngineStream, "agent engine failed").
				WithUserMessage("The agent stopped unexpectedly: " + serr.Error()))
		}
		l.logger.Info(logging.CategorySession, "engine.interrupt_noise", serr.Error(), nil)
		t.waitingForInput = true
	} else if serr != nil {
		l.logger.Warn(logging.CategorySession, "engine.error_after_completion", serr.Error(), nil)
	}

	switch {
	case t.completedWork:
		return StateCompleted, "", nil
	case t.interrupting:
		return StateInterrupted, t.nextPrompt, nil
	case *token != "":
		return StateNeedsInput, "", nil
	default:
		return l.fail(apperrors.New(apperrors.ErrCodeSessionNoToken, "agent turn ended without a session token").
			WithUserMessage("The agent ended its turn without a session to resume."))
	}
}

// fail makes an unrecoverable error visible and returns it.
func (l *Loop) fail(err *apperrors.Error) (State, string, error) {
	l.store.Teardown("failed")
	l.store.Append(uistate.ItemError, err.Display())
	l.logger.Error(logging.CategorySession, "session.failed", err.Error(), map[string]any{"code": string(err.Code)})
	l.events.Publish(telemetry.Event{Type: telemetry.EventSessionFailed, Data: map[string]any{"code": string(err.Code)}})
	return StateFailed, "", err
}

// captureToken records the first session token seen; later ones are ignored.
func (l *Loop) captureToken(ev engine.Event, token *string, n int) {
	id := engine.SessionID(ev)
	if id == "" || *token != "" {
		return
	}
	*token = id
	l.store.SetSessionID(id)
	l.logger.SetSessionID(id)
	l.events.Publish(telemetry.Event{Type: telemetry.EventSessionStarted, SessionID: id, Iteration: n})
	if l.onSession != nil {
		l.onSession(id)
	}
}

func (l *Loop) recordToolCall(rec toolcall.Record) {
	l.store.RecordToolCall(rec)
	l.metrics.ObserveToolCall(rec)
	l.events.Publish(telemetry.Event{
		Type: toolEventType(rec.Outcome),
		Data: map[string]any{
			"tool":     rec.Call.Name,
			"call_id":  rec.Call.ID,
			"summary":  rec.Summary,
			"duration": rec.Duration.Seconds(),
		},
	})
	l.logger.Info(logging.CategoryTool, "tool."+string(rec.Outcome), rec.Call.Label(), map[string]any{
		"call_id": rec.Call.ID,
		"summary": rec.Summary,
	})
}

func toolEventType(outcome toolcall.Outcome) telemetry.EventType {
	switch outcome {
	case toolcall.OutcomeError:
		return telemetry.EventToolFailed
	case toolcall.OutcomeInterrupted:
		return telemetry.EventToolInterrupted
	case toolcall.OutcomeDenied:
		return telemetry.EventToolDenied
	default:
		return telemetry.EventToolCompleted
	}
}

// awaitInput asks the human for the next message. It re-asks on an empty
// answer or an abandoned surface and gives up only when ctx ends.
func (l *Loop) awaitInput(ctx context.Context) (string, error) {
	for {
		resp, err := l.store.Await(ctx, uistate.Pending{
			Kind:        uistate.SurfaceText,
			Title:       "Your turn",
			Prompt:      followUpPrompt,
			Placeholder: "Reply to the agent",
		})
		switch {
		case err == nil:
			if text := strings.TrimSpace(resp.Text); text != "" {
				return text, nil
			}
		case errors.Is(err, uistate.ErrAbandoned):
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		default:
			return "", err
		}
	}
}
