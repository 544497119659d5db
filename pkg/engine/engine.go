// Package engine defines the boundary between conductor and an external
// agent engine: how a turn is opened, the closed set of events a turn
// streams back, and the approval callback the engine invokes before it runs
// a tool.
package engine

import (
	"context"
)

// Engine opens one streamed turn against an agent.
type Engine interface {
	// Open starts a turn. The returned stream's Events channel is closed
	// when the turn ends, after which Err reports why.
	Open(ctx context.Context, req OpenRequest) (Stream, error)
}

// OpenRequest configures one turn.
type OpenRequest struct {
	// Prompt is the human message that starts or resumes the turn.
	Prompt string
	// ResumeToken continues an existing engine session when non-empty.
	ResumeToken string
	// Approve is consulted before every gated tool call.
	Approve ApproveFunc
	// AllowedTools, when set, is passed through to engines that support a
	// tool allow-list.
	AllowedTools []string
}

// Stream is one in-flight turn.
type Stream interface {
	// Events yields decoded events in arrival order and is closed when the
	// turn ends.
	Events() <-chan Event
	// Err reports the terminal error once Events is closed.
	Err() error
	// Close releases the turn's resources. Safe to call more than once.
	Close() error
}

// Interrupter is implemented by streams that can cancel an in-flight turn
// cooperatively. The stream keeps producing events until it drains.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

// ApprovalRequest describes a tool call awaiting permission.
type ApprovalRequest struct {
	CallID   string
	ToolName string
	Input    map[string]any
}

// Behavior is the outcome of an approval.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision is returned to the engine for one ApprovalRequest.
type Decision struct {
	Behavior Behavior
	// UpdatedInput replaces the tool input when the behavior is allow.
	UpdatedInput map[string]any
	// Message is shown to the agent when the behavior is deny.
	Message string
}

// Allow permits the call with the given (possibly rewritten) input.
func Allow(input map[string]any) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny refuses the call with a message for the agent.
func Deny(message string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: message}
}

// Allowed reports whether the decision permits the call.
func (d Decision) Allowed() bool {
	return d.Behavior == BehaviorAllow
}

// ApproveFunc decides whether a tool call may run. It may block on a human
// and must return promptly once ctx is done.
type ApproveFunc func(ctx context.Context, req ApprovalRequest) Decision
