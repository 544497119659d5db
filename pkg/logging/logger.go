// Package logging writes conductor's structured run log. The terminal
// belongs to the renderer, so events only ever go to files (or a writer
// supplied by tests).
package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level orders event severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	for i, name := range levelNames {
		if name == string(b) {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("unknown log level %q", b)
}

// ParseLevel reads a config value; anything unrecognised is info.
func ParseLevel(s string) Level {
	var l Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return LevelInfo
	}
	return l
}

// Category names the subsystem an event came from.
type Category string

const (
	CategorySession   Category = "session"
	CategoryTool      Category = "tool"
	CategoryApproval  Category = "approval"
	CategoryInterrupt Category = "interrupt"
	CategoryEngine    Category = "engine"
	CategoryUI        Category = "ui"
	CategoryStorage   Category = "storage"
	CategoryConfig    Category = "config"
)

// Event is one JSONL line.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type sink struct {
	w     io.Writer
	floor Level
	// fixed sinks ignore SetMinLevel.
	fixed bool
}

// Logger fans events out to its sinks. A nil *Logger discards everything,
// so components can hold one unconditionally.
type Logger struct {
	mu        sync.Mutex
	runID     string
	sessionID string
	sinks     []sink
	files     []*os.File
}

// NewLogger logs to <dir>/runs/<runID>.jsonl at info and above, and copies
// errors to <dir>/errors.jsonl so failures across runs sit in one place.
func NewLogger(dir, runID string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	l := &Logger{runID: runID}
	for _, target := range []struct {
		path  string
		floor Level
		fixed bool
	}{
		{filepath.Join(dir, "runs", runID+".jsonl"), LevelInfo, false},
		{filepath.Join(dir, "errors.jsonl"), LevelError, true},
	} {
		f, err := os.OpenFile(target.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("open %s: %w", target.path, err)
		}
		l.files = append(l.files, f)
		l.sinks = append(l.sinks, sink{w: f, floor: target.floor, fixed: target.fixed})
	}
	return l, nil
}

// NewWriterLogger logs everything to w.
func NewWriterLogger(w io.Writer, runID string) *Logger {
	return &Logger{runID: runID, sinks: []sink{{w: w, floor: LevelDebug}}}
}

// Nop discards every event.
func Nop() *Logger { return nil }

// SetMinLevel changes the run log threshold. The error log is unaffected.
func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.sinks {
		if !l.sinks[i].fixed {
			l.sinks[i].floor = level
		}
	}
}

// SetSessionID stamps later events with the engine session token.
func (l *Logger) SetSessionID(id string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.sessionID = id
	l.mu.Unlock()
}

// RunID names this run's log file.
func (l *Logger) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// Log writes ev to every sink whose threshold it meets.
func (l *Logger) Log(ev Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var line []byte
	var errs []error
	for _, s := range l.sinks {
		if ev.Level < s.floor {
			continue
		}
		if line == nil {
			var err error
			if line, err = l.encode(ev); err != nil {
				return err
			}
		}
		if _, err := s.w.Write(line); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Logger) encode(ev Event) ([]byte, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.RunID == "" {
		ev.RunID = l.runID
	}
	if ev.SessionID == "" {
		ev.SessionID = l.sessionID
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode log event: %w", err)
	}
	return append(b, '\n'), nil
}

func (l *Logger) emit(level Level, c Category, typ, msg string, details map[string]any) error {
	return l.Log(Event{Level: level, Category: c, EventType: typ, Message: msg, Details: details})
}

func (l *Logger) Debug(c Category, typ, msg string, details map[string]any) error {
	return l.emit(LevelDebug, c, typ, msg, details)
}

func (l *Logger) Info(c Category, typ, msg string, details map[string]any) error {
	return l.emit(LevelInfo, c, typ, msg, details)
}

func (l *Logger) Warn(c Category, typ, msg string, details map[string]any) error {
	return l.emit(LevelWarn, c, typ, msg, details)
}

func (l *Logger) Error(c Category, typ, msg string, details map[string]any) error {
	return l.emit(LevelError, c, typ, msg, details)
}

// Close closes the log files. Further events are dropped.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	l.files = nil
	l.sinks = nil
	return errors.Join(errs...)
}
