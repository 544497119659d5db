// Package tui renders a session in the terminal: history is printed once
// above the program and never redrawn, and the live region below it shows
// the single pending surface plus a status line.
package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/odvcencio/conductor/pkg/logging"
	"github.com/odvcencio/conductor/pkg/uistate"
)

type changedMsg struct{}

// doneMsg asks the model to quit because the session finished.
type doneMsg struct{}

// Model is the bubbletea model. It never mutates history; keystrokes reach
// the session only through the store.
type Model struct {
	store   *uistate.Store
	changes <-chan struct{}
	logger  *logging.Logger
	onQuit  func()

	keys    keyMap
	styles  Styles
	history historyRenderer
	spinner spinner.Model

	noColor  bool
	markdown bool

	printed  int64
	surface  *surface
	run      uistate.RunState
	width    int
	quitting bool
}

// ModelOptions configures a Model.
type ModelOptions struct {
	Styles   Styles
	Markdown *glamour.TermRenderer
	// RenderMarkdown rebuilds the markdown renderer on resize.
	RenderMarkdown bool
	NoColor        bool
	Logger         *logging.Logger
	// OnQuit runs when the human quits.
	OnQuit func()
}

// NewModel creates a model reading from store.
func NewModel(store *uistate.Store, changes <-chan struct{}, opts ModelOptions) *Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = opts.Styles.Info

	m := &Model{
		store:    store,
		changes:  changes,
		logger:   opts.Logger,
		onQuit:   opts.OnQuit,
		keys:     defaultKeyMap(),
		styles:   opts.Styles,
		history:  historyRenderer{styles: opts.Styles, markdown: opts.Markdown},
		spinner:  sp,
		noColor:  opts.NoColor,
		markdown: opts.RenderMarkdown,
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}
	return m
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		func() tea.Msg { return changedMsg{} },
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case changedMsg:
		cmd := m.sync()
		if wait := waitForChange(m.changes); wait != nil {
			return m, tea.Batch(cmd, wait)
		}
		return m, cmd

	case doneMsg:
		// Remaining history must print before the program stops.
		m.quitting = true
		return m, tea.Sequence(m.sync(), tea.Quit)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		if m.markdown && msg.Width > 0 {
			m.history.markdown = newMarkdown(msg.Width, m.noColor)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

// sync pulls new history and the live surface from the store. New history
// goes out as one Println so entries keep their order.
func (m *Model) sync() tea.Cmd {
	m.run = m.store.RunState()

	item, ok := m.store.Pending()
	switch {
	case !ok:
		m.surface = nil
	case m.surface == nil || m.surface.item.ID != item.ID:
		m.surface = newSurface(item)
	}

	items := m.store.HistorySince(m.printed)
	if len(items) == 0 {
		return nil
	}
	rendered := make([]string, 0, len(items))
	for _, it := range items {
		rendered = append(rendered, m.history.render(it))
	}
	m.printed = items[len(items)-1].ID
	return tea.Println(strings.Join(rendered, "\n"))
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()

	case key.Matches(msg, m.keys.Interrupt):
		if m.store.RequestInterrupt("") {
			m.logger.Info(logging.CategoryInterrupt, "interrupt.requested", "keyboard", nil)
			return m, nil
		}
		if msg.String() == "ctrl+c" {
			return m.quit()
		}
		return m, nil
	}

	s := m.surface
	if s == nil {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Submit):
		resp, done := s.submit()
		if done {
			m.store.ResolvePendingID(s.item.ID, resp)
		}
		return m, nil

	case !s.acceptsText() && key.Matches(msg, m.keys.Up):
		s.move(-1)
		return m, nil

	case !s.acceptsText() && key.Matches(msg, m.keys.Down):
		s.move(1)
		return m, nil

	case !s.acceptsText() && key.Matches(msg, m.keys.Toggle):
		s.toggle()
		return m, nil
	}

	if s.acceptsText() {
		var cmd tea.Cmd
		s.input, cmd = s.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) quit() (tea.Model, tea.Cmd) {
	m.quitting = true
	if m.onQuit != nil {
		m.onQuit()
	}
	return m, tea.Quit
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var parts []string
	if m.surface != nil {
		parts = append(parts, m.surface.view(m.styles, m.width))
	}
	if status := m.status(); status != "" {
		parts = append(parts, status)
	}
	return strings.Join(parts, "\n")
}

func (m *Model) status() string {
	if !m.run.Running {
		if m.surface == nil {
			return ""
		}
		return m.styles.Dim.Render("enter to submit · ctrl+d to quit")
	}
	line := m.spinner.View() + " Working… " + m.styles.Dim.Render("(esc to interrupt)")
	if m.run.SessionID != "" {
		line += m.styles.Dim.Render(" · session " + shortID(m.run.SessionID))
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
