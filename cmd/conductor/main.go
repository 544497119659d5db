// Command conductor drives an agent engine through an interactive setup
// session in the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	apperrors "github.com/odvcencio/conductor/pkg/errors"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		code := exitCodeForError(err)
		if code != exitInterrupted {
			fmt.Fprintln(os.Stderr, "error:", displayError(err))
		}
		os.Exit(code)
	}
}

func displayError(err error) string {
	appErr, ok := apperrors.As(err)
	if !ok {
		return err.Error()
	}
	msg := appErr.Display()
	if appErr.UserMessage == "" && appErr.Underlying != nil {
		msg += ": " + appErr.Underlying.Error()
	}
	return msg
}

func versionString() string {
	s := fmt.Sprintf("conductor %s\n", version)
	if commit != "unknown" {
		s += fmt.Sprintf("  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		s += fmt.Sprintf("  Built:      %s\n", buildDate)
	}
	return s + fmt.Sprintf("  Go version: %s\n", runtime.Version())
}
