package engine

import (
	"encoding/json"
	"strings"
)

// Event is a marker interface for decoded engine events. The set of
// implementations is closed; anything the decoder does not recognise
// arrives as Unknown.
type Event interface {
	isEngineEvent()
}

// AssistantText is a chunk of prose from the agent.
type AssistantText struct {
	Text string
}

// ToolRequest announces that the agent wants to run a tool.
type ToolRequest struct {
	CallID string
	Name   string
	Input  map[string]any
}

// ToolResult carries the outcome of a previously requested tool.
type ToolResult struct {
	CallID  string
	IsError bool
	// Content is the tool output flattened to text.
	Content string
}

// SessionStarted carries the resumable session token.
type SessionStarted struct {
	SessionID string
}

// TurnResult ends a turn.
type TurnResult struct {
	// Subtype is "success" or an error subtype such as "error_max_turns".
	Subtype   string
	IsError   bool
	Errors    []string
	SessionID string
	Result    string
}

// SystemInit describes the engine's configuration for the turn.
type SystemInit struct {
	Model string
	Tools []string
	Cwd   string
}

// PermissionResolved reports the decision the approval callback returned.
type PermissionResolved struct {
	CallID   string
	ToolName string
	Allowed  bool
	Message  string
}

// Unknown preserves events this version does not understand.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (AssistantText) isEngineEvent()      {}
func (ToolRequest) isEngineEvent()        {}
func (ToolResult) isEngineEvent()         {}
func (SessionStarted) isEngineEvent()     {}
func (TurnResult) isEngineEvent()         {}
func (SystemInit) isEngineEvent()         {}
func (PermissionResolved) isEngineEvent() {}
func (Unknown) isEngineEvent()            {}

// SessionID returns the session token carried by ev, if any.
func SessionID(ev Event) string {
	switch e := ev.(type) {
	case SessionStarted:
		return e.SessionID
	case TurnResult:
		return e.SessionID
	}
	return ""
}

// Kind names the event variant for logs and metrics.
func Kind(ev Event) string {
	switch e := ev.(type) {
	case AssistantText:
		return "assistant_text"
	case ToolRequest:
		return "tool_request"
	case ToolResult:
		return "tool_result"
	case SessionStarted:
		return "session_started"
	case TurnResult:
		return "turn_result"
	case SystemInit:
		return "system_init"
	case PermissionResolved:
		return "permission_resolved"
	case Unknown:
		if e.Type != "" {
			return "unknown:" + e.Type
		}
		return "unknown"
	}
	return "invalid"
}

// IsErrorSubtype reports whether a turn-result subtype denotes failure.
func IsErrorSubtype(subtype string) bool {
	return strings.HasPrefix(subtype, "error_")
}
