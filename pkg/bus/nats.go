package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/odvcencio/conductor/pkg/logging"
)

// NATS publishes over a NATS core connection.
type NATS struct {
	conn *nats.Conn
}

// Connect dials the server. Lost connections are retried forever in the
// background and reported through logger.
func Connect(opts NATSOptions, logger *logging.Logger) (*NATS, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "conductor"
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(opts.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(logging.CategorySession, "bus.disconnected", err.Error(), map[string]any{"url": opts.URL})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(logging.CategorySession, "bus.reconnected", c.ConnectedUrl(), nil)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.URL, err)
	}
	return &NATS{conn: conn}, nil
}

// NewNATS wraps an established connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

// Publish hands data to the client's outbound buffer.
func (n *NATS) Publish(_ context.Context, subject string, data []byte) error {
	if n.conn.IsClosed() {
		return ErrClosed
	}
	return n.conn.Publish(subject, data)
}

// Subscribe registers handle for subject.
func (n *NATS) Subscribe(subject string, handle Handler) (Unsubscribe, error) {
	if n.conn.IsClosed() {
		return nil, ErrClosed
	}
	sub, err := n.conn.Subscribe(subject, func(m *nats.Msg) {
		handle(Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() error {
		if !sub.IsValid() {
			return nil
		}
		return sub.Unsubscribe()
	}, nil
}

// Close flushes pending publishes and disconnects.
func (n *NATS) Close() error {
	if n.conn.IsClosed() {
		return ErrClosed
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
