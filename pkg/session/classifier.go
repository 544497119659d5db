package session

import (
	"fmt"
	"strings"

	"github.com/odvcencio/conductor/pkg/engine"
	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/telemetry"
	"github.com/odvcencio/conductor/pkg/uistate"
)

// classify applies one engine event to the turn. Flags are read as they are
// at this event: an interrupt affects only events processed after it.
func (l *Loop) classify(t *turn, ev engine.Event, iteration int) {
	l.metrics.ObserveEngineEvent(engine.Kind(ev))

	switch e := ev.(type) {
	case engine.AssistantText:
		if t.interrupting || strings.TrimSpace(e.Text) == "" {
			return
		}
		l.store.Append(uistate.ItemAssistant, e.Text)

	case engine.ToolRequest:
		if t.interrupting {
			l.logger.Debug(logging.CategoryTool, "tool.dropped", "request after interrupt", map[string]any{
				"tool":    e.Name,
				"call_id": e.CallID,
			})
			return
		}
		if e.Name == l.completionTool {
			t.completedWork = true
			l.logger.Info(logging.CategorySession, "completion.signalled", "agent reported setup complete", nil)
			return
		}
		if !t.registry.Open(e.CallID, e.Name, e.Input) {
			return
		}
		l.metrics.SetOpenToolCalls(t.registry.Len())
		l.events.Publish(telemetry.Event{
			Type:      telemetry.EventToolStarted,
			Iteration: iteration,
			Data:      map[string]any{"tool": e.Name, "call_id": e.CallID},
		})

	case engine.ToolResult:
		if _, ok := t.registry.Complete(e.CallID, e.IsError, e.Content); !ok {
			l.logger.Debug(logging.CategoryTool, "tool.result_ignored", "no open call", map[string]any{"call_id": e.CallID})
			return
		}
		l.metrics.SetOpenToolCalls(t.registry.Len())

	case engine.PermissionResolved:
		if e.Allowed {
			return
		}
		if _, ok := t.registry.Deny(e.CallID, e.Message); ok {
			l.metrics.SetOpenToolCalls(t.registry.Len())
		}

	case engine.TurnResult:
		if e.IsError || engine.IsErrorSubtype(e.Subtype) {
			if t.interrupting {
				// The engine reports its own cancellation as an error result.
				l.logger.Debug(logging.CategorySession, "turn.interrupted_result", e.Subtype, nil)
				return
			}
			t.failed = e.Subtype
			l.store.Append(uistate.ItemWarning, turnFailureText(e))
			l.logger.Warn(logging.CategorySession, "turn.error_result", e.Subtype, map[string]any{"errors": e.Errors})
		}

	case engine.SystemInit:
		l.logger.Debug(logging.CategoryEngine, "engine.init", e.Model, map[string]any{
			"tools": len(e.Tools),
			"cwd":   e.Cwd,
		})

	case engine.SessionStarted:
		// Token capture happens in the loop.

	case engine.Unknown:
		l.logger.Debug(logging.CategoryEngine, "engine.unknown_event", e.Type, nil)
		l.events.Publish(telemetry.Event{
			Type:      telemetry.EventEngineUnknown,
			Iteration: iteration,
			Data:      map[string]any{"type": e.Type},
		})
	}
}

func turnFailureText(e engine.TurnResult) string {
	subtype := e.Subtype
	if subtype == "" {
		subtype = "error"
	}
	text := fmt.Sprintf("The agent stopped early (%s).", strings.ReplaceAll(subtype, "_", " "))
	if len(e.Errors) > 0 {
		text += " " + strings.Join(e.Errors, "; ")
	}
	return text
}
