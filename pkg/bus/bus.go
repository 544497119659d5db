// Package bus announces conductor run events to listeners outside the
// session loop. NATS carries them off the machine; Memory serves tests and
// in-process listeners.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned once a bus has been closed.
var ErrClosed = errors.New("bus: closed")

// Bus is the publish/subscribe surface conductor uses. Subjects are
// dot-separated; subscriptions accept "*" for one token and a trailing ">"
// for the rest.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handle Handler) (Unsubscribe, error)
	Close() error
}

// Handler receives one message. Handlers for a subscription run serially.
type Handler func(Message)

// Unsubscribe stops a subscription. Calling it twice is harmless.
type Unsubscribe func() error

// Message is a delivered publication.
type Message struct {
	Subject string
	Data    []byte
}

// NATSOptions configures Connect.
type NATSOptions struct {
	URL string
	// Name identifies this client in server monitoring.
	Name    string
	Timeout time.Duration
}
