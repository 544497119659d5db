// Package toolcall tracks tool invocations between the moment the agent
// requests them and the moment their result arrives, and turns each one into
// exactly one terminal record.
package toolcall

import (
	"time"
)

// Outcome is how a tool call ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeError       Outcome = "error"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeDenied      Outcome = "denied"
)

// Call is an open tool invocation.
type Call struct {
	ID        string
	Name      string
	Input     map[string]any
	StartedAt time.Time
}

// Label renders the call as Name(argument) for display.
func (c Call) Label() string {
	return Describe(c.Name, c.Input)
}

// Record is the terminal entry for one call.
type Record struct {
	Call    Call
	Outcome Outcome
	// Summary is a one-line description of the result; empty when none
	// could be derived.
	Summary  string
	Content  string
	Duration time.Duration
}

// Recorder receives every terminal record the registry produces.
type Recorder interface {
	RecordToolCall(Record)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Record)

// RecordToolCall implements Recorder.
func (f RecorderFunc) RecordToolCall(r Record) { f(r) }

// Registry maps call ids to open calls. It is owned by a single goroutine
// and does no locking.
type Registry struct {
	open     map[string]Call
	order    []string
	internal map[string]struct{}
	recorder Recorder
	now      func() time.Time
}

// NewRegistry creates a registry that reports terminal records to recorder
// and never tracks the named internal tools.
func NewRegistry(recorder Recorder, internalTools []string) *Registry {
	internal := make(map[string]struct{}, len(internalTools))
	for _, name := range internalTools {
		internal[name] = struct{}{}
	}
	return &Registry{
		open:     make(map[string]Call),
		internal: internal,
		recorder: recorder,
		now:      time.Now,
	}
}

// IsInternal reports whether name is a bookkeeping tool that never surfaces.
func (r *Registry) IsInternal(name string) bool {
	_, ok := r.internal[name]
	return ok
}

// Open registers a requested call. It returns false when the tool is
// internal, the id is empty, or the id is already open.
func (r *Registry) Open(id, name string, input map[string]any) bool {
	if id == "" || r.IsInternal(name) {
		return false
	}
	if _, exists := r.open[id]; exists {
		return false
	}
	r.open[id] = Call{ID: id, Name: name, Input: input, StartedAt: r.now()}
	r.order = append(r.order, id)
	return true
}

// Complete closes the call with the given id and records its outcome.
// Unknown ids, including calls already flushed by an interrupt, are ignored.
func (r *Registry) Complete(id string, isError bool, content string) (Record, bool) {
	call, ok := r.take(id)
	if !ok {
		return Record{}, false
	}
	outcome := OutcomeSuccess
	if isError {
		outcome = OutcomeError
	}
	rec := Record{
		Call:     call,
		Outcome:  outcome,
		Summary:  Summarize(call.Name, call.Input, content, isError),
		Content:  content,
		Duration: r.now().Sub(call.StartedAt),
	}
	r.emit(rec)
	return rec, true
}

// Deny closes the call as refused by the approval policy.
func (r *Registry) Deny(id, message string) (Record, bool) {
	call, ok := r.take(id)
	if !ok {
		return Record{}, false
	}
	rec := Record{
		Call:     call,
		Outcome:  OutcomeDenied,
		Summary:  message,
		Duration: r.now().Sub(call.StartedAt),
	}
	r.emit(rec)
	return rec, true
}

// Flush closes every open call as interrupted, in request order, and leaves
// the registry empty.
func (r *Registry) Flush() []Record {
	if len(r.open) == 0 {
		r.order = r.order[:0]
		return nil
	}
	now := r.now()
	records := make([]Record, 0, len(r.open))
	for _, id := range r.order {
		call, ok := r.open[id]
		if !ok {
			continue
		}
		delete(r.open, id)
		rec := Record{Call: call, Outcome: OutcomeInterrupted, Duration: now.Sub(call.StartedAt)}
		records = append(records, rec)
		r.emit(rec)
	}
	r.order = r.order[:0]
	return records
}

// Len returns the number of open calls.
func (r *Registry) Len() int {
	return len(r.open)
}

// Get returns an open call.
func (r *Registry) Get(id string) (Call, bool) {
	call, ok := r.open[id]
	return call, ok
}

func (r *Registry) take(id string) (Call, bool) {
	call, ok := r.open[id]
	if !ok {
		return Call{}, false
	}
	delete(r.open, id)
	for i, openID := range r.order {
		if openID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return call, true
}

func (r *Registry) emit(rec Record) {
	if r.recorder != nil {
		r.recorder.RecordToolCall(rec)
	}
}
