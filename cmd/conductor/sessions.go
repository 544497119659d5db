package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/odvcencio/conductor/pkg/config"
	apperrors "github.com/odvcencio/conductor/pkg/errors"
	"github.com/odvcencio/conductor/pkg/storage"
	"github.com/odvcencio/conductor/pkg/workspace"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List resumable sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*root)
			if err != nil {
				return err
			}
			store, err := openSessionStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			key := workspace.Current().Key
			if all {
				key = ""
			}
			sessions, err := store.ListSessions(cmd.Context(), key, limit)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "failed to list sessions")
			}
			return printSessions(cmd.OutOrStdout(), sessions, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list sessions from every workspace")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to list (0 for all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <session-id>",
		Short: "Forget a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*root)
			if err != nil {
				return err
			}
			store, err := openSessionStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteSessionToken(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, storage.ErrSessionNotFound) {
					return withExitCode(fmt.Errorf("no session %q", args[0]), exitUsage)
				}
				return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "failed to delete session")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func printSessions(w io.Writer, sessions []storage.SessionRecord, withWorkspace bool) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions recorded.")
		return err
	}

	headers := []string{"SESSION", "STATE", "TURNS", "BRANCH", "UPDATED"}
	if withWorkspace {
		headers = append(headers, "WORKSPACE")
	}
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers(headers...)
	for _, s := range sessions {
		row := []string{
			s.SessionID,
			s.State,
			strconv.Itoa(s.Iterations),
			s.GitBranch,
			s.UpdatedAt.Local().Format(time.DateTime),
		}
		if withWorkspace {
			row = append(row, s.WorkspaceRoot)
		}
		t.Row(row...)
	}
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func openSessionStore(cfg *config.Config) (*storage.Store, error) {
	store, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, withExitCode(errors.New("session storage is disabled"), exitUsage)
	}
	return store, nil
}
