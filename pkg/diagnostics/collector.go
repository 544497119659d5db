// Package diagnostics exposes what a running session is doing: an event
// collector fed by the telemetry hub and an optional loopback HTTP server
// for health, metrics and state.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/conductor/pkg/telemetry"
)

// MaxEvents is the default maximum number of events to retain.
const MaxEvents = 200

const maxErrors = 50

// Collector aggregates telemetry events for diagnostic dumps.
type Collector struct {
	mu        sync.RWMutex
	events    []telemetry.Event
	maxEvents int

	iterations   map[string]int
	toolCalls    map[string]int
	toolOutcomes map[string]int
	approvals    map[string]int
	interrupts   int
	sessionID    string
	recentErrors []errorEntry

	unsubscribe func()
	started     time.Time
}

type errorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
}

// NewCollector creates a new diagnostic collector.
func NewCollector() *Collector {
	return &Collector{
		events:       make([]telemetry.Event, 0, MaxEvents),
		maxEvents:    MaxEvents,
		iterations:   make(map[string]int),
		toolCalls:    make(map[string]int),
		toolOutcomes: make(map[string]int),
		approvals:    make(map[string]int),
		started:      time.Now(),
	}
}

// Subscribe starts collecting events from a telemetry hub.
func (c *Collector) Subscribe(hub *telemetry.Hub) {
	if hub == nil {
		return
	}
	ch, unsub := hub.Subscribe()
	c.unsubscribe = unsub

	go func() {
		for event := range ch {
			c.record(event)
		}
	}()
}

// Close stops collecting events.
func (c *Collector) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Collector) record(event telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) >= c.maxEvents {
		c.events = c.events[1:]
	}
	c.events = append(c.events, event)
	if event.SessionID != "" {
		c.sessionID = event.SessionID
	}

	switch event.Type {
	case telemetry.EventIterationCompleted:
		if state, ok := event.Data["state"].(string); ok {
			c.iterations[state]++
		}

	case telemetry.EventToolStarted:
		if name, ok := event.Data["tool"].(string); ok {
			c.toolCalls[name]++
		}

	case telemetry.EventToolCompleted, telemetry.EventToolInterrupted, telemetry.EventToolDenied:
		c.toolOutcomes[strings.TrimPrefix(string(event.Type), "tool.")]++

	case telemetry.EventToolFailed:
		c.toolOutcomes["failed"]++
		msg, _ := event.Data["summary"].(string)
		if name, ok := event.Data["tool"].(string); ok {
			msg = name + ": " + msg
		}
		c.addError(string(event.Type), msg)

	case telemetry.EventApprovalDecided:
		if decision, ok := event.Data["decision"].(string); ok {
			c.approvals[decision]++
		}

	case telemetry.EventInterrupt:
		c.interrupts++

	case telemetry.EventSessionFailed:
		code, _ := event.Data["code"].(string)
		c.addError(string(event.Type), code)
	}
}

func (c *Collector) addError(errType, msg string) {
	if len(c.recentErrors) >= maxErrors {
		c.recentErrors = c.recentErrors[1:]
	}
	c.recentErrors = append(c.recentErrors, errorEntry{
		Time:    time.Now(),
		Type:    errType,
		Message: msg,
	})
}

// Events returns up to n of the most recent events, oldest first.
func (c *Collector) Events(n int) []telemetry.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if n > 0 && len(c.events) > n {
		start = len(c.events) - n
	}
	return append([]telemetry.Event(nil), c.events[start:]...)
}

// Dump renders a plain-text report for bug reports and the /dump endpoint.
func (c *Collector) Dump() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "conductor diagnostics\n")
	fmt.Fprintf(&b, "collecting since %s (%s)\n", c.started.Format(time.RFC3339), time.Since(c.started).Round(time.Second))
	if c.sessionID != "" {
		fmt.Fprintf(&b, "session %s\n", c.sessionID)
	}

	section(&b, "iterations", func() {
		writeCounts(&b, c.iterations)
		fmt.Fprintf(&b, "  interrupts: %d\n", c.interrupts)
	})
	if len(c.toolCalls) > 0 {
		section(&b, "tools", func() {
			writeCounts(&b, c.toolCalls)
			for _, k := range slices.Sorted(maps.Keys(c.toolOutcomes)) {
				fmt.Fprintf(&b, "  outcome %s: %d\n", k, c.toolOutcomes[k])
			}
		})
	}
	if len(c.approvals) > 0 {
		section(&b, "approvals", func() { writeCounts(&b, c.approvals) })
	}
	if len(c.recentErrors) > 0 {
		section(&b, "errors", func() {
			for _, e := range c.recentErrors {
				fmt.Fprintf(&b, "  %s %s %s\n", e.Time.Format("15:04:05"), e.Type, e.Message)
			}
		})
	}
	section(&b, "events", func() {
		tail := c.events[max(0, len(c.events)-dumpEvents):]
		for _, ev := range tail {
			fmt.Fprintf(&b, "  %s %s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, compactData(ev.Data))
		}
	})
	return b.String()
}

const dumpEvents = 20

func section(b *strings.Builder, name string, body func()) {
	fmt.Fprintf(b, "\n[%s]\n", name)
	body()
}

func compactData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	if len(raw) > 80 {
		return string(raw[:77]) + "..."
	}
	return string(raw)
}

// Stats returns a summary of collected statistics.
func (c *Collector) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]any{
		"uptime":        time.Since(c.started).String(),
		"session_id":    c.sessionID,
		"event_count":   len(c.events),
		"iterations":    maps.Clone(c.iterations),
		"tool_calls":    maps.Clone(c.toolCalls),
		"tool_outcomes": maps.Clone(c.toolOutcomes),
		"approvals":     maps.Clone(c.approvals),
		"interrupts":    c.interrupts,
		"error_count":   len(c.recentErrors),
	}
}

func writeCounts(b *strings.Builder, counts map[string]int) {
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(b, "  %s: %d\n", k, counts[k])
	}
}
