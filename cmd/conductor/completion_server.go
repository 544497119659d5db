package main

import (
	"github.com/spf13/cobra"

	"github.com/odvcencio/conductor/pkg/completion"
	"github.com/odvcencio/conductor/pkg/config"
	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/workspace"
)

const completionServerCmd = "completion-server"

// newCompletionServerCmd serves the completion tool over stdio. The engine
// starts it through the MCP config conductor hands it; people never run it.
func newCompletionServerCmd() *cobra.Command {
	var serverName, toolName string

	cmd := &cobra.Command{
		Use:    completionServerCmd,
		Short:  "Serve the setup completion tool over MCP stdio",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the protocol, so logs only go to a file.
			logger := logging.Nop()
			if cfg, err := config.Load(); err == nil {
				if l, err := logging.NewLogger(cfg.Logging.Dir, workspace.NewRunID(completionServerCmd)); err == nil {
					l.SetMinLevel(logging.ParseLevel(cfg.Logging.Level))
					logger = l
					defer l.Close()
				}
			}
			return completion.NewServer(serverName, toolName, version, logger).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&serverName, "server-name", config.DefaultMCPServerName, "MCP server name")
	cmd.Flags().StringVar(&toolName, "tool", config.DefaultCompletionTool, "completion tool name")
	return cmd
}
