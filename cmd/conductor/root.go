package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath   string
	resume       string
	continueLast bool
	script       string
	noColor      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "conductor [prompt]",
		Short: "Drive an agent engine through an interactive, resumable setup session",
		Long: `conductor hands a prompt to an agent engine and supervises the session in
the terminal: it shows what the agent does, asks before tools run, and lets
you interrupt and redirect the agent at any time.

Without a prompt conductor asks for one. --continue resumes the last
session recorded for this workspace.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.resume != "" && opts.continueLast {
				return withExitCode(fmt.Errorf("--resume and --continue are mutually exclusive"), exitUsage)
			}
			return runSession(cmd.Context(), *opts, strings.Join(args, " "), os.Stdin, os.Stdout)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a config file (default: ~/.conductor/config.yaml and ./.conductor/config.yaml)")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "resume the session with this token")
	cmd.Flags().BoolVar(&opts.continueLast, "continue", false, "resume the most recent session in this workspace")
	cmd.Flags().StringVar(&opts.script, "script", "", "drive the session with a scripted engine instead of the CLI")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colors")

	cmd.AddCommand(
		newSessionsCmd(opts),
		newCompletionServerCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), versionString())
		},
	}
}
