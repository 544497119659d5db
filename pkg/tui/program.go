package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/uistate"
)

// Options configures a Program.
type Options struct {
	Input    io.Reader
	Output   io.Writer
	NoColor  bool
	Markdown bool
	Logger   *logging.Logger
	// OnQuit runs when the human quits with ctrl+d (or ctrl+c while idle).
	OnQuit func()
}

// Program runs the renderer for one store.
type Program struct {
	store   *uistate.Store
	program *tea.Program
	model   *Model
	out     io.Writer
	unsub   func()
}

// New builds a program. It subscribes to store immediately so no change
// made before Run is missed.
func New(store *uistate.Store, opts Options) *Program {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Input == nil {
		opts.Input = os.Stdin
	}

	styles := NewStyles(lipgloss.NewRenderer(opts.Output), opts.NoColor)
	mo := ModelOptions{
		Styles:         styles,
		RenderMarkdown: opts.Markdown,
		NoColor:        opts.NoColor,
		Logger:         opts.Logger,
		OnQuit:         opts.OnQuit,
	}
	if opts.Markdown {
		mo.Markdown = newMarkdown(0, opts.NoColor)
	}

	changes, unsub := store.Subscribe()
	model := NewModel(store, changes, mo)
	return &Program{
		store: store,
		model: model,
		out:   opts.Output,
		unsub: unsub,
		program: tea.NewProgram(model,
			tea.WithInput(opts.Input),
			tea.WithOutput(opts.Output),
		),
	}
}

// Run blocks until the session finishes (Done), the human quits, or ctx
// ends. History appended after the last frame is written out before
// returning.
func (p *Program) Run(ctx context.Context) error {
	defer p.unsub()

	stop := context.AfterFunc(ctx, p.Done)
	defer stop()

	_, err := p.program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("terminal UI: %w", err)
	}
	return p.flush()
}

// Done ends the program after the session loop returns.
func (p *Program) Done() {
	p.program.Send(doneMsg{})
}

func (p *Program) flush() error {
	for _, item := range p.store.HistorySince(p.model.printed) {
		if _, err := fmt.Fprintln(p.out, p.model.history.render(item)); err != nil {
			return err
		}
		p.model.printed = item.ID
	}
	return nil
}
