// Package session drives an agent engine turn by turn: it opens a stream,
// classifies every event into tool-call records and history, applies
// interrupts, and decides whether to finish, wait for the human, or resume.
package session

import (
	"github.com/odvcencio/conductor/pkg/toolcall"
)

// State is where the loop is in its lifecycle.
type State string

const (
	StateStarting    State = "starting"
	StateStreaming   State = "streaming"
	StateCompleted   State = "completed"
	StateNeedsInput  State = "needs_input"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
)

// Result describes how Run ended.
type Result struct {
	// SessionID is the resumable token, empty if the engine never sent one.
	SessionID  string
	State      State
	Iterations int
}

// turn is the state of one iteration. Only the loop goroutine touches it;
// it is discarded when the iteration ends.
type turn struct {
	registry *toolcall.Registry

	interrupting    bool
	waitingForInput bool
	completedWork   bool

	// nextPrompt is a message typed while interrupting.
	nextPrompt string
	// failed is the error subtype of the turn result, if any.
	failed string
}

func newTurn(registry *toolcall.Registry) *turn {
	return &turn{registry: registry}
}
