package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/odvcencio/conductor/pkg/toolcall"
	"github.com/odvcencio/conductor/pkg/uistate"
)

const (
	toolMarker   = "●"
	resultMarker = "  ⎿  "
)

// historyRenderer turns history entries into the text printed above the
// live region. Each entry is rendered once and never redrawn.
type historyRenderer struct {
	styles   Styles
	markdown *glamour.TermRenderer
}

func newMarkdown(width int, noColor bool) *glamour.TermRenderer {
	if width <= 0 {
		width = 100
	}
	style := glamour.WithAutoStyle()
	if noColor {
		style = glamour.WithStandardStyle("notty")
	}
	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return nil
	}
	return renderer
}

func (h historyRenderer) render(item uistate.HistoryItem) string {
	switch item.Kind {
	case uistate.ItemUser:
		return h.styles.User.Render("> " + item.Text)

	case uistate.ItemAssistant:
		return h.assistant(item.Text)

	case uistate.ItemTool, uistate.ItemInterrupted:
		if item.Tool != nil {
			return h.tool(*item.Tool)
		}
		return h.styles.Interrupted.Render(resultMarker + item.Text)

	case uistate.ItemWarning:
		return h.styles.Warning.Render("warning: " + item.Text)

	case uistate.ItemError:
		return h.styles.Error.Render("error: " + item.Text)

	default:
		return h.styles.Info.Render(item.Text)
	}
}

func (h historyRenderer) assistant(text string) string {
	if h.markdown == nil {
		return text
	}
	rendered, err := h.markdown.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(rendered, "\n")
}

func (h historyRenderer) tool(rec toolcall.Record) string {
	header := h.styles.Tool
	summary := rec.Summary
	switch rec.Outcome {
	case toolcall.OutcomeError:
		header = h.styles.ToolError
	case toolcall.OutcomeDenied:
		header = h.styles.Denied
		if summary == "" {
			summary = "Denied"
		}
	case toolcall.OutcomeInterrupted:
		header = h.styles.Interrupted
		summary = "Interrupted"
	}

	var sb strings.Builder
	sb.WriteString(header.Render(toolMarker))
	sb.WriteString(" ")
	sb.WriteString(h.styles.Title.Render(rec.Call.Label()))
	if summary != "" {
		sb.WriteString("\n")
		sb.WriteString(h.styles.Summary.Render(resultMarker + firstLine(summary)))
	}
	return sb.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
