package claudecli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/conductor/pkg/engine"
)

func TestArgs(t *testing.T) {
	e := New(Options{Model: "opus", MCPConfig: `{"mcpServers":{}}`, ExtraArgs: []string{"--debug"}})

	fresh := e.Args(engine.OpenRequest{Prompt: "hi"})
	assert.Equal(t, []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
		"--model", "opus",
		"--mcp-config", `{"mcpServers":{}}`,
		"--debug",
	}, fresh)

	resumed := e.Args(engine.OpenRequest{ResumeToken: "s1", AllowedTools: []string{"Read", "Grep"}})
	assert.Contains(t, resumed, "--resume")
	assert.Contains(t, resumed, "s1")
	assert.Contains(t, resumed, "Read,Grep")
	assert.NotContains(t, fresh, "--resume")
}

func TestNewDefaultsBinary(t *testing.T) {
	assert.Equal(t, "claude", New(Options{}).opts.Binary)
}

// fakeCLI writes an executable shell script standing in for the CLI.
func fakeCLI(t *testing.T, body string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path, dir
}

func drain(t *testing.T, s engine.Stream) []engine.Event {
	t.Helper()
	var out []engine.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
			return nil
		}
	}
}

func TestOpenRoundTripsPermission(t *testing.T) {
	bin, dir := fakeCLI(t, `
read -r prompt
printf '%s\n' "$prompt" > "$OUT_DIR/prompt.json"
echo '{"type":"system","subtype":"init","session_id":"s1","model":"m"}'
echo '{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"},"tool_use_id":"t1"}}'
read -r reply
printf '%s\n' "$reply" > "$OUT_DIR/reply.json"
echo '{"type":"result","subtype":"success","session_id":"s1"}'
`)

	var asked engine.ApprovalRequest
	e := New(Options{Binary: bin, Env: []string{"OUT_DIR=" + dir}})
	stream, err := e.Open(context.Background(), engine.OpenRequest{
		Prompt: "set up the repo",
		Approve: func(_ context.Context, req engine.ApprovalRequest) engine.Decision {
			asked = req
			return engine.Allow(req.Input)
		},
	})
	require.NoError(t, err)
	defer stream.Close()

	events := drain(t, stream)
	require.NoError(t, stream.Err())

	assert.Equal(t, engine.SessionStarted{SessionID: "s1"}, events[0])
	assert.Equal(t, engine.SystemInit{Model: "m"}, events[1])
	assert.Contains(t, events, engine.PermissionResolved{CallID: "t1", ToolName: "Bash", Allowed: true})
	assert.Contains(t, events, engine.TurnResult{Subtype: "success", SessionID: "s1"})

	assert.Equal(t, "t1", asked.CallID)
	assert.Equal(t, "Bash", asked.ToolName)
	assert.Equal(t, map[string]any{"command": "ls"}, asked.Input)

	var prompt userMessage
	readJSON(t, filepath.Join(dir, "prompt.json"), &prompt)
	assert.Equal(t, "user", prompt.Type)
	assert.Equal(t, "set up the repo", prompt.Message.Content[0].Text)

	var reply struct {
		Type     string `json:"type"`
		Response struct {
			Subtype   string           `json:"subtype"`
			RequestID string           `json:"request_id"`
			Response  permissionResult `json:"response"`
		} `json:"response"`
	}
	readJSON(t, filepath.Join(dir, "reply.json"), &reply)
	assert.Equal(t, "control_response", reply.Type)
	assert.Equal(t, "r1", reply.Response.RequestID)
	assert.Equal(t, "allow", reply.Response.Response.Behavior)
	assert.Equal(t, map[string]any{"command": "ls"}, reply.Response.Response.UpdatedInput)
}

func TestOpenDeniesWithoutHandler(t *testing.T) {
	bin, dir := fakeCLI(t, `
read -r prompt
echo '{"type":"control_request","request_id":"r9","request":{"subtype":"can_use_tool","tool_name":"Write","input":{}}}'
read -r reply
printf '%s\n' "$reply" > "$OUT_DIR/reply.json"
echo '{"type":"result","subtype":"success","session_id":"s1"}'
`)

	stream, err := New(Options{Binary: bin, Env: []string{"OUT_DIR=" + dir}}).Open(context.Background(), engine.OpenRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()
	drain(t, stream)

	raw, err := os.ReadFile(filepath.Join(dir, "reply.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"behavior":"deny"`)
	assert.Contains(t, string(raw), "No approval handler")
}

func TestInterruptSendsControlRequest(t *testing.T) {
	bin, dir := fakeCLI(t, `
read -r prompt
echo '{"type":"system","subtype":"init","session_id":"s1"}'
read -r ctl
printf '%s\n' "$ctl" > "$OUT_DIR/ctl.json"
echo '{"type":"result","subtype":"error_during_execution","is_error":true,"session_id":"s1"}'
`)

	stream, err := New(Options{Binary: bin, Env: []string{"OUT_DIR=" + dir}}).Open(context.Background(), engine.OpenRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	first := <-stream.Events()
	assert.Equal(t, engine.SessionStarted{SessionID: "s1"}, first)

	interrupter, ok := stream.(engine.Interrupter)
	require.True(t, ok)
	require.NoError(t, interrupter.Interrupt(context.Background()))
	drain(t, stream)
	require.NoError(t, stream.Err())

	var ctl controlRequest
	readJSON(t, filepath.Join(dir, "ctl.json"), &ctl)
	assert.Equal(t, "control_request", ctl.Type)
	assert.NotEmpty(t, ctl.RequestID)
	assert.JSONEq(t, `{"subtype":"interrupt"}`, string(ctl.Request))
}

func TestExitWithoutResultReportsStderr(t *testing.T) {
	bin, _ := fakeCLI(t, `
read -r prompt
echo 'warming up' >&2
echo 'Error: invalid API key' >&2
exit 3
`)

	stream, err := New(Options{Binary: bin}).Open(context.Background(), engine.OpenRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	assert.Empty(t, drain(t, stream))
	require.Error(t, stream.Err())
	assert.Contains(t, stream.Err().Error(), "exit status 3")
	assert.Contains(t, stream.Err().Error(), "invalid API key")
}

func TestOpenMissingBinary(t *testing.T) {
	_, err := New(Options{Binary: filepath.Join(t.TempDir(), "nope")}).Open(context.Background(), engine.OpenRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestCloseIsIdempotent(t *testing.T) {
	bin, _ := fakeCLI(t, "read -r prompt\nexec sleep 30\n")
	stream, err := New(Options{Binary: bin}).Open(context.Background(), engine.OpenRequest{Prompt: "x"})
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	drain(t, stream)
}

func TestPermissionResponseShapes(t *testing.T) {
	deny := newPermissionResponse("r1", engine.Deny("no"))
	body := deny.Response.Response.(permissionResult)
	assert.Equal(t, "deny", body.Behavior)
	assert.Equal(t, "no", body.Message)
	assert.Nil(t, body.UpdatedInput)

	allow := newPermissionResponse("r2", engine.Allow(nil))
	body = allow.Response.Response.(permissionResult)
	assert.Equal(t, "allow", body.Behavior)
	assert.NotNil(t, body.UpdatedInput)

	errResp := newErrorResponse("r3", "unsupported")
	assert.Equal(t, "error", errResp.Response.Subtype)
	assert.Equal(t, "unsupported", errResp.Response.Error)
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}
