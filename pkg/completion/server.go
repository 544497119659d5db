// Package completion serves the zero-argument tool the agent calls when the
// setup is done. The engine launches it as an MCP stdio server; the session
// loop recognises the call by name and never needs the tool's answer.
package completion

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/odvcencio/conductor/pkg/logging"
)

// Description tells the agent when to call the tool.
const Description = "Call this exactly once, with no arguments, when the environment setup is finished and verified. " +
	"Do not call it while anything is still failing or unverified."

// Reply is the text the tool answers with.
const Reply = "Setup marked complete. You can stop now."

// Server exposes the completion tool over MCP.
type Server struct {
	mcpServer *mcpsdk.Server
	toolName  string
	logger    *logging.Logger
}

// Params is empty: the tool takes no arguments.
type Params struct{}

// NewServer creates a server exposing toolName.
func NewServer(serverName, toolName, version string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		mcpServer: mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: version}, nil),
		toolName:  toolName,
		logger:    logger,
	}
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        toolName,
		Description: Description,
	}, s.handleComplete)
	return s
}

// Run serves over stdin/stdout until ctx ends or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, &mcpsdk.StdioTransport{})
}

// Serve runs the server on an arbitrary transport.
func (s *Server) Serve(ctx context.Context, t mcpsdk.Transport) error {
	if err := s.mcpServer.Run(ctx, t); err != nil {
		return fmt.Errorf("completion server: %w", err)
	}
	return nil
}

func (s *Server) handleComplete(_ context.Context, _ *mcpsdk.CallToolRequest, _ *Params) (*mcpsdk.CallToolResult, any, error) {
	s.logger.Info(logging.CategorySession, "completion.called", s.toolName, nil)
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: Reply}},
	}, nil, nil
}

type mcpConfig struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

type serverEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// EngineConfig returns the --mcp-config JSON that makes the engine launch
// `executable args...` as serverName.
func EngineConfig(serverName, executable string, args ...string) (string, error) {
	raw, err := json.Marshal(mcpConfig{MCPServers: map[string]serverEntry{
		serverName: {Command: executable, Args: append([]string{}, args...)},
	}})
	if err != nil {
		return "", fmt.Errorf("encode mcp config: %w", err)
	}
	return string(raw), nil
}
