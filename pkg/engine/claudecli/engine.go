// Package claudecli runs the Claude Code CLI as the agent engine. Each turn
// is one `claude -p` process speaking stream-json on stdin and stdout; tool
// permissions travel over the same pipes as control requests.
package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/conductor/pkg/engine"
	"github.com/odvcencio/conductor/pkg/logging"
)

const (
	maxLineSize = 10 * 1024 * 1024
	stderrTail  = 20
	waitDelay   = 5 * time.Second
)

// Options configures the CLI engine.
type Options struct {
	// Binary is the claude executable.
	Binary    string
	Model     string
	ExtraArgs []string
	// MCPConfig is passed verbatim to --mcp-config.
	MCPConfig string
	WorkDir   string
	// Env is appended to the inherited environment.
	Env []string
	// StderrLinesPerSecond caps stderr logging; 0 logs every line.
	StderrLinesPerSecond float64
	Logger               *logging.Logger
}

// Engine starts one CLI process per turn.
type Engine struct {
	opts Options
}

// New creates a CLI engine.
func New(opts Options) *Engine {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Engine{opts: opts}
}

// Args returns the command line for req, without the binary.
func (e *Engine) Args(req engine.OpenRequest) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	if e.opts.Model != "" {
		args = append(args, "--model", e.opts.Model)
	}
	if e.opts.MCPConfig != "" {
		args = append(args, "--mcp-config", e.opts.MCPConfig)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return append(args, e.opts.ExtraArgs...)
}

// Open starts the process and sends the prompt.
func (e *Engine) Open(ctx context.Context, req engine.OpenRequest) (engine.Stream, error) {
	cmd := exec.CommandContext(ctx, e.opts.Binary, e.Args(req)...)
	cmd.Dir = e.opts.WorkDir
	cmd.Env = append(os.Environ(), e.opts.Env...)
	// Quitting asks the CLI to stop before killing it.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", e.opts.Binary, err)
	}

	limit := rate.Inf
	burst := 1
	if e.opts.StderrLinesPerSecond > 0 {
		limit = rate.Limit(e.opts.StderrLinesPerSecond)
		burst = max(1, int(e.opts.StderrLinesPerSecond*2))
	}

	approvalCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		cmd:          cmd,
		stdin:        stdin,
		encoder:      json.NewEncoder(stdin),
		events:       make(chan engine.Event, 16),
		approve:      req.Approve,
		approvalCtx:  approvalCtx,
		stopApproval: cancel,
		logger:       e.opts.Logger,
		limiter:      rate.NewLimiter(limit, burst),
		stderrDone:   make(chan struct{}),
	}

	if err := s.send(newUserMessage(req.Prompt)); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to send prompt: %w", err)
	}

	go s.readStderr(stderr)
	go s.readMessages(stdout)
	return s, nil
}

type stream struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	encoder *json.Encoder

	writeMu     sync.Mutex
	stdinClosed bool

	events chan engine.Event
	err    error

	approve      engine.ApproveFunc
	approvalCtx  context.Context
	stopApproval context.CancelFunc
	approvals    sync.WaitGroup

	logger     *logging.Logger
	limiter    *rate.Limiter
	tailMu     sync.Mutex
	tail       []string
	stderrDone chan struct{}

	exited    atomic.Bool
	closeOnce sync.Once
}

func (s *stream) Events() <-chan engine.Event { return s.events }

// Err is valid once Events is closed.
func (s *stream) Err() error { return s.err }

// Interrupt asks the CLI to stop the current turn. The process keeps
// writing until it has wound down.
func (s *stream) Interrupt(context.Context) error {
	return s.send(newInterruptRequest())
}

// Close stops the process if it is still running.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.stopApproval()
		s.closeStdin()
		if !s.exited.Load() && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

func (s *stream) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return errors.New("engine input is closed")
	}
	return s.encoder.Encode(v)
}

func (s *stream) closeStdin() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdinClosed {
		return
	}
	s.stdinClosed = true
	s.stdin.Close()
}

func (s *stream) readMessages(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), maxLineSize)

	sawResult := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg engine.WireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn(logging.CategoryEngine, "engine.bad_line", err.Error(), map[string]any{"line": truncate(string(line), 200)})
			continue
		}

		switch msg.Type {
		case "control_request":
			s.handleControlRequest(msg)
			continue
		case "control_response", "control_cancel_request":
			s.logger.Debug(logging.CategoryEngine, "engine."+msg.Type, msg.RequestID, nil)
			continue
		}

		events, err := engine.DecodeMessage(msg, line)
		if err != nil {
			s.logger.Warn(logging.CategoryEngine, "engine.decode_failed", err.Error(), map[string]any{"type": msg.Type})
			continue
		}
		for _, ev := range events {
			s.events <- ev
		}
		if msg.Type == "result" {
			sawResult = true
			// One prompt per process: the turn is over.
			s.closeStdin()
		}
	}
	scanErr := scanner.Err()

	// Nobody can receive an answer any more.
	s.stopApproval()
	s.approvals.Wait()
	<-s.stderrDone
	waitErr := s.cmd.Wait()
	s.exited.Store(true)

	switch {
	case scanErr != nil:
		s.err = fmt.Errorf("failed to read engine output: %w", scanErr)
	case waitErr != nil && !sawResult:
		s.err = s.failure(waitErr)
	}
	close(s.events)
}

func (s *stream) handleControlRequest(msg engine.WireMessage) {
	var req permissionRequest
	if err := json.Unmarshal(msg.Request, &req); err != nil || req.Subtype != "can_use_tool" {
		s.logger.Warn(logging.CategoryEngine, "engine.unsupported_control", req.Subtype, map[string]any{"request_id": msg.RequestID})
		if serr := s.send(newErrorResponse(msg.RequestID, "unsupported control request")); serr != nil {
			s.logger.Warn(logging.CategoryEngine, "engine.write_failed", serr.Error(), nil)
		}
		return
	}

	s.approvals.Add(1)
	go func() {
		defer s.approvals.Done()
		decision := engine.Deny("No approval handler is configured.")
		if s.approve != nil {
			decision = s.approve(s.approvalCtx, engine.ApprovalRequest{
				CallID:   req.ToolUseID,
				ToolName: req.ToolName,
				Input:    req.Input,
			})
		}
		if s.approvalCtx.Err() != nil {
			// The turn ended while a human was deciding.
			return
		}
		if err := s.send(newPermissionResponse(msg.RequestID, decision)); err != nil {
			s.logger.Warn(logging.CategoryEngine, "engine.write_failed", err.Error(), map[string]any{"request_id": msg.RequestID})
			return
		}
		s.events <- engine.PermissionResolved{
			CallID:   req.ToolUseID,
			ToolName: req.ToolName,
			Allowed:  decision.Allowed(),
			Message:  decision.Message,
		}
	}()
}

func (s *stream) readStderr(stderr io.Reader) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		s.tailMu.Lock()
		s.tail = append(s.tail, line)
		if len(s.tail) > stderrTail {
			s.tail = s.tail[len(s.tail)-stderrTail:]
		}
		s.tailMu.Unlock()
		if s.limiter.Allow() {
			s.logger.Debug(logging.CategoryEngine, "engine.stderr", line, nil)
		}
	}
}

// failure attaches the last stderr line, which is where the CLI explains
// why it exited.
func (s *stream) failure(err error) error {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	for i := len(s.tail) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(s.tail[i]); line != "" {
			return fmt.Errorf("%w: %s", err, line)
		}
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
