package storage

import "time"

// EventType names a change to the session table.
type EventType string

const (
	EventSessionSaved   EventType = "session.saved"
	EventSessionUpdated EventType = "session.updated"
	EventSessionDeleted EventType = "session.deleted"
)

// Event reports a committed write.
type Event struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"sessionId,omitempty"`
	WorkspaceKey string    `json:"workspaceKey,omitempty"`
	Data         any       `json:"data,omitempty"`
	At           time.Time `json:"at"`
}

// Observer is told about writes after they commit.
type Observer interface {
	HandleStorageEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) HandleStorageEvent(e Event) { f(e) }

func newEvent(t EventType, sessionID, workspaceKey string, data any) Event {
	return Event{Type: t, SessionID: sessionID, WorkspaceKey: workspaceKey, Data: data, At: time.Now()}
}
