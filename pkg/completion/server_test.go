package completion

import (
	"context"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, s *Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serverT, clientT := mcpsdk.NewInMemoryTransports()
	go func() { _ = s.Serve(ctx, serverT) }()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "0"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func TestListsCompletionTool(t *testing.T) {
	session := connect(t, NewServer("conductor", "complete_setup", "test", nil))

	tools, err := session.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "complete_setup", tools.Tools[0].Name)
	assert.Equal(t, Description, tools.Tools[0].Description)
}

func TestCallReturnsReply(t *testing.T) {
	session := connect(t, NewServer("conductor", "complete_setup", "test", nil))

	res, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "complete_setup",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	assert.Equal(t, Reply, text.Text)
}

func TestEngineConfig(t *testing.T) {
	raw, err := EngineConfig("conductor", "/usr/local/bin/conductor", "completion-server")
	require.NoError(t, err)
	assert.JSONEq(t, `{"mcpServers":{"conductor":{"command":"/usr/local/bin/conductor","args":["completion-server"]}}}`, raw)
}
