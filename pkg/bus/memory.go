package bus

import (
	"context"
	"strings"
	"sync"
)

const memoryQueue = 256

// Memory is an in-process Bus. Delivery is asynchronous; a subscriber whose
// queue is full misses messages rather than stalling the publisher.
type Memory struct {
	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	nextID uint64
	closed bool
}

// NewMemory returns an empty bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[uint64]*memorySub)}
}

type memorySub struct {
	pattern []string
	queue   chan Message
	stop    chan struct{}
	once    sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *memorySub) deliver(handle Handler) {
	for {
		select {
		case msg := <-s.queue:
			handle(msg)
		case <-s.stop:
			return
		}
	}
}

// Publish queues data for every matching subscription.
func (m *Memory) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	tokens := splitSubject(subject)
	for _, s := range m.subs {
		if !matches(s.pattern, tokens) {
			continue
		}
		select {
		case s.queue <- Message{Subject: subject, Data: data}:
		default:
		}
	}
	return nil
}

// Subscribe starts delivering messages matching subject to handle.
func (m *Memory) Subscribe(subject string, handle Handler) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	s := &memorySub{
		pattern: splitSubject(subject),
		queue:   make(chan Message, memoryQueue),
		stop:    make(chan struct{}),
	}
	m.subs[id] = s
	go s.deliver(handle)

	return func() error {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		s.close()
		return nil
	}, nil
}

// Close stops every subscription. Closing twice returns ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	for id, s := range m.subs {
		s.close()
		delete(m.subs, id)
	}
	return nil
}

// matches applies NATS subject rules to pre-split tokens.
func matches(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return i == len(pattern)-1 && len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}

func splitSubject(s string) []string {
	return strings.Split(s, ".")
}
