package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/conductor/pkg/config"
	"github.com/odvcencio/conductor/pkg/engine"
	apperrors "github.com/odvcencio/conductor/pkg/errors"
	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/telemetry"
	"github.com/odvcencio/conductor/pkg/toolcall"
	"github.com/odvcencio/conductor/pkg/uistate"
)

const completeTool = "mcp__conductor__complete_setup"

func completion(id string) engine.ToolRequest {
	return engine.ToolRequest{CallID: id, Name: completeTool, Input: map[string]any{}}
}

func TestTurnWithReadEndsNeedingInput(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.SessionStarted{SessionID: "s1"},
		engine.AssistantText{Text: "Let me look at your app."},
		engine.ToolRequest{CallID: "t1", Name: "Read", Input: map[string]any{"file_path": "app.py"}},
		engine.ToolResult{CallID: "t1", Content: "import os\nprint('hi')\n"},
		engine.TurnResult{Subtype: "success", SessionID: "s1"},
	)}}
	loop, store := newTestLoop(eng)

	token := ""
	state, next, err := loop.runTurn(context.Background(), 1, "set up the sdk", &token)

	require.NoError(t, err)
	assert.Equal(t, StateNeedsInput, state)
	assert.Empty(t, next)
	assert.Equal(t, "s1", token)

	tools := historyOf(store, uistate.ItemTool)
	require.Len(t, tools, 1)
	assert.Equal(t, "Read 2 lines", tools[0].Tool.Summary)
	assert.Equal(t, "Read(app.py)", tools[0].Text)
	assert.Len(t, historyOf(store, uistate.ItemAssistant), 1)

	_, pending := store.Pending()
	assert.False(t, pending, "persistent input is torn down when the turn ends")
	assert.False(t, store.RunState().Running)
}

func TestCompletionToolEndsSession(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.SessionStarted{SessionID: "s1"},
		engine.AssistantText{Text: "All done."},
		completion("t9"),
		engine.ToolResult{CallID: "t9", Content: "ok"},
		engine.TurnResult{Subtype: "success", SessionID: "s1"},
	)}}
	loop, store := newTestLoop(eng)

	res, err := loop.Run(context.Background(), "set up the sdk", "")

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, 1, res.Iterations)
	assert.Empty(t, historyOf(store, uistate.ItemTool), "the completion tool is not a visible tool call")
	_, pending := store.Pending()
	assert.False(t, pending)
}

func TestResumeUsesCapturedToken(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{
		scripted(nil,
			engine.SessionStarted{SessionID: "s1"},
			engine.AssistantText{Text: "Which framework?"},
			engine.TurnResult{Subtype: "success", SessionID: "s1"},
		),
		scripted(nil,
			engine.SessionStarted{SessionID: "s2"},
			completion("t1"),
			engine.TurnResult{Subtype: "success", SessionID: "s2"},
		),
	}}
	loop, store := newTestLoop(eng)
	replyToTextSurfaces(t, store, "Flask")

	var started []string
	loop.onSession = func(id string) { started = append(started, id) }

	res, err := loop.Run(context.Background(), "set up the sdk", "")

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, "s1", res.SessionID, "the first token wins")
	assert.Equal(t, []string{"s1"}, started)

	opens := eng.requests()
	require.Len(t, opens, 2)
	assert.Equal(t, "", opens[0].ResumeToken)
	assert.Equal(t, "s1", opens[1].ResumeToken)
	assert.Equal(t, "Flask", opens[1].Prompt)
	assert.NotNil(t, opens[1].Approve)

	users := historyOf(store, uistate.ItemUser)
	require.Len(t, users, 2)
	assert.Equal(t, "Flask", users[1].Text)
}

func TestResumeTokenFromCallerIsKept(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.SessionStarted{SessionID: "other"},
		completion("t1"),
	)}}
	loop, store := newTestLoop(eng)

	res, err := loop.Run(context.Background(), "continue", "r0")

	require.NoError(t, err)
	assert.Equal(t, "r0", res.SessionID)
	assert.Equal(t, "r0", eng.requests()[0].ResumeToken)
	assert.Equal(t, "r0", store.RunState().SessionID)
}

func TestInterruptFlushesOpenCalls(t *testing.T) {
	stream := interruptibleStream{newFakeStream(0)}
	eng := &fakeEngine{streams: []engine.Stream{stream}}
	loop, store := newTestLoop(eng)

	type outcome struct {
		state State
		next  string
		err   error
	}
	done := make(chan outcome, 1)
	token := ""
	go func() {
		state, next, err := loop.runTurn(context.Background(), 1, "go", &token)
		done <- outcome{state, next, err}
	}()

	stream.events <- engine.SessionStarted{SessionID: "s1"}
	stream.events <- engine.ToolRequest{CallID: "t1", Name: "Read", Input: map[string]any{"file_path": "a.py"}}
	stream.events <- engine.ToolRequest{CallID: "t2", Name: "Bash", Input: map[string]any{"command": "npm install"}}
	require.Eventually(t, func() bool { return store.RunState().Running }, eventually, time.Millisecond)

	require.True(t, store.RequestInterrupt("use yarn instead"))
	require.Eventually(t, func() bool {
		return len(historyOf(store, uistate.ItemInterrupted)) == 2
	}, eventually, time.Millisecond)

	// Late result for a flushed call, then new output the agent produced
	// before it saw the interrupt.
	stream.events <- engine.ToolResult{CallID: "t1", Content: "late"}
	stream.events <- engine.AssistantText{Text: "Continuing..."}
	stream.events <- engine.ToolRequest{CallID: "t3", Name: "Read"}
	stream.events <- engine.TurnResult{Subtype: "error_during_execution", IsError: true, SessionID: "s1"}
	stream.finish()

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, StateInterrupted, got.state)
	assert.Equal(t, "use yarn instead", got.next)
	assert.Equal(t, int32(1), stream.interrupts.Load())

	interrupted := historyOf(store, uistate.ItemInterrupted)
	require.Len(t, interrupted, 2, "one record per open call and no generic item")
	assert.Equal(t, "t1", interrupted[0].Tool.Call.ID)
	assert.Equal(t, "t2", interrupted[1].Tool.Call.ID)
	assert.Equal(t, toolcall.OutcomeInterrupted, interrupted[0].Tool.Outcome)
	assert.Empty(t, historyOf(store, uistate.ItemTool), "late result is ignored")
	assert.Empty(t, historyOf(store, uistate.ItemAssistant), "text after the interrupt is dropped")
	assert.Empty(t, historyOf(store, uistate.ItemWarning), "cancellation result is not a failure")
}

func TestInterruptWithNoOpenCallsAddsOneItem(t *testing.T) {
	stream := newFakeStream(0)
	eng := &fakeEngine{streams: []engine.Stream{stream}}
	loop, store := newTestLoop(eng)

	done := make(chan State, 1)
	token := ""
	go func() {
		state, _, _ := loop.runTurn(context.Background(), 1, "go", &token)
		done <- state
	}()

	stream.events <- engine.SessionStarted{SessionID: "s1"}
	loop.Interrupt("")
	loop.Interrupt("")
	require.Eventually(t, func() bool {
		return len(historyOf(store, uistate.ItemInterrupted)) == 1
	}, eventually, time.Millisecond)
	stream.err = errors.New("Request was aborted.")
	stream.finish()

	assert.Equal(t, StateInterrupted, <-done)
	items := historyOf(store, uistate.ItemInterrupted)
	require.Len(t, items, 1)
	assert.Equal(t, "Interrupted", items[0].Text)
	assert.Nil(t, items[0].Tool)
	assert.Empty(t, historyOf(store, uistate.ItemError), "abort noise is not an error")
}

func TestInterruptedRunResumesWithBufferedMessage(t *testing.T) {
	first := newFakeStream(0)
	eng := &fakeEngine{streams: []engine.Stream{
		first,
		scripted(nil, completion("t1")),
	}}
	loop, store := newTestLoop(eng)

	type result struct {
		res Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := loop.Run(context.Background(), "set up the sdk", "")
		done <- result{res, err}
	}()

	first.events <- engine.SessionStarted{SessionID: "s1"}
	require.Eventually(t, func() bool {
		p, ok := store.Pending()
		return ok && p.Kind == uistate.SurfacePersistentInput
	}, eventually, time.Millisecond)

	// Typing into the persistent input interrupts and buffers the message.
	require.True(t, store.ResolvePending(uistate.Response{Text: "use pnpm"}))
	require.Eventually(t, func() bool {
		return len(historyOf(store, uistate.ItemInterrupted)) == 1
	}, eventually, time.Millisecond)
	first.finish()

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, StateCompleted, got.res.State)
	opens := eng.requests()
	require.Len(t, opens, 2)
	assert.Equal(t, "use pnpm", opens[1].Prompt)
	assert.Equal(t, "s1", opens[1].ResumeToken)
}

func TestStaleInterruptIsDiscarded(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.SessionStarted{SessionID: "s1"},
		engine.TurnResult{Subtype: "success", SessionID: "s1"},
	)}}
	loop, store := newTestLoop(eng)

	loop.Interrupt("from a previous turn")
	token := ""
	state, _, err := loop.runTurn(context.Background(), 1, "go", &token)

	require.NoError(t, err)
	assert.Equal(t, StateNeedsInput, state)
	assert.Empty(t, historyOf(store, uistate.ItemInterrupted))
}

func TestPermissionDenialRecordsDeniedCall(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.SessionStarted{SessionID: "s1"},
		engine.ToolRequest{CallID: "t1", Name: "Bash", Input: map[string]any{"command": "rm -rf /"}},
		engine.PermissionResolved{CallID: "t1", ToolName: "Bash", Allowed: false, Message: "The user denied this tool call."},
		engine.ToolResult{CallID: "t1", IsError: true, Content: "The user denied this tool call."},
		engine.ToolRequest{CallID: "t2", Name: "TodoWrite", Input: map[string]any{"todos": []any{}}},
		engine.ToolResult{CallID: "t2", Content: "ok"},
		engine.TurnResult{Subtype: "success", SessionID: "s1"},
	)}}
	loop, store := newTestLoop(eng)

	token := ""
	_, _, err := loop.runTurn(context.Background(), 1, "go", &token)
	require.NoError(t, err)

	tools := historyOf(store, uistate.ItemTool)
	require.Len(t, tools, 1, "denied call recorded once; internal tool never shown")
	assert.Equal(t, toolcall.OutcomeDenied, tools[0].Tool.Outcome)
}

func TestUnansweredCallsAreFlushedWhenStreamEnds(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.SessionStarted{SessionID: "s1"},
		engine.ToolRequest{CallID: "t1", Name: "Read"},
	)}}
	loop, store := newTestLoop(eng)

	token := ""
	state, _, err := loop.runTurn(context.Background(), 1, "go", &token)

	require.NoError(t, err)
	assert.Equal(t, StateNeedsInput, state)
	assert.Len(t, historyOf(store, uistate.ItemInterrupted), 1)
}

func TestErrorResultWarnsAndWaitsForInput(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.SessionStarted{SessionID: "s1"},
		engine.TurnResult{Subtype: "error_max_turns", IsError: true, SessionID: "s1"},
	)}}
	loop, store := newTestLoop(eng)

	token := ""
	state, _, err := loop.runTurn(context.Background(), 1, "go", &token)

	require.NoError(t, err)
	assert.Equal(t, StateNeedsInput, state)
	warnings := historyOf(store, uistate.ItemWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Text, "error max turns")
}

func TestEngineFailureIsFatal(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(errors.New("exit status 2: invalid API key"),
		engine.SessionStarted{SessionID: "s1"},
	)}}
	loop, store := newTestLoop(eng)

	res, err := loop.Run(context.Background(), "go", "")

	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeEngineStream))
	assert.Equal(t, StateFailed, res.State)
	errs := historyOf(store, uistate.ItemError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Text, "invalid API key")
}

func TestEngineStartFailure(t *testing.T) {
	eng := &fakeEngine{openErr: errors.New("claude: executable file not found")}
	loop, _ := newTestLoop(eng)

	_, err := loop.Run(context.Background(), "go", "")

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeEngineStart))
}

func TestTurnWithoutTokenIsFatal(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.AssistantText{Text: "hello"},
	)}}
	loop, _ := newTestLoop(eng)

	res, err := loop.Run(context.Background(), "go", "")

	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSessionNoToken))
	assert.Equal(t, StateFailed, res.State)
}

func TestInterruptMarkers(t *testing.T) {
	loop, _ := newTestLoop(&fakeEngine{})

	assert.True(t, loop.isInterruptNoise(context.Canceled))
	assert.True(t, loop.isInterruptNoise(errors.New("Request was ABORTED by user")))
	assert.True(t, loop.isInterruptNoise(errors.New("tool use interrupted")))
	assert.False(t, loop.isInterruptNoise(errors.New("rate limited")))
	assert.False(t, loop.isInterruptNoise(nil))
}

func TestQuitWhileWaitingForInput(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.SessionStarted{SessionID: "s1"},
		engine.TurnResult{Subtype: "success", SessionID: "s1"},
	)}}
	loop, store := newTestLoop(eng)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(ctx, "go", "")
		done <- err
	}()

	require.Eventually(t, func() bool {
		p, ok := store.Pending()
		return ok && p.Kind == uistate.SurfaceText
	}, eventually, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestQuitDuringTurnInterruptsAndDrains(t *testing.T) {
	stream := interruptibleStream{newFakeStream(0)}
	eng := &fakeEngine{streams: []engine.Stream{stream}}
	loop, store := newTestLoop(eng)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := loop.Run(ctx, "go", "")
		done <- err
	}()

	stream.events <- engine.SessionStarted{SessionID: "s1"}
	stream.events <- engine.ToolRequest{CallID: "t1", Name: "Read"}
	cancel()
	require.Eventually(t, func() bool { return stream.interrupts.Load() == 1 }, eventually, time.Millisecond)
	stream.finish()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, historyOf(store, uistate.ItemInterrupted), 1)
	assert.True(t, stream.closed.Load())
}

func TestEmptyPromptAsksFirst(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil, engine.SessionStarted{SessionID: "s1"}, completion("t1"))}}
	loop, store := newTestLoop(eng)
	replyToTextSurfaces(t, store, "   ", "install sentry")

	_, err := loop.Run(context.Background(), "", "")

	require.NoError(t, err)
	assert.Equal(t, "install sentry", eng.requests()[0].Prompt)
}

// publisherFunc adapts a function to telemetry.Publisher.
type publisherFunc func(telemetry.Event)

func (f publisherFunc) Publish(ev telemetry.Event) { f(ev) }

func TestMessageTypedAsStreamEndsBecomesNextPrompt(t *testing.T) {
	eng := &fakeEngine{streams: []engine.Stream{scripted(nil,
		engine.SessionStarted{SessionID: "s1"},
		engine.Unknown{Type: "stream_event"},
	)}}
	store := uistate.New(logging.Nop())
	loop := New(Options{
		Engine: eng,
		Store:  store,
		Config: config.DefaultConfig().Session,
		Logger: logging.Nop(),
		// The human submits on the last event the engine sends.
		Events: publisherFunc(func(ev telemetry.Event) {
			if ev.Type == telemetry.EventEngineUnknown {
				store.ResolvePending(uistate.Response{Text: "use pnpm"})
			}
		}),
	})

	token := ""
	state, next, err := loop.runTurn(context.Background(), 1, "go", &token)

	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, state)
	assert.Equal(t, "use pnpm", next)
	_, pending := store.Pending()
	assert.False(t, pending)
	assert.False(t, store.RequestInterrupt("too late"), "no input is accepted once the turn has ended")
}
