package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Styles holds every style the renderer uses. They are bound to one
// lipgloss renderer so a no-color run never emits escape codes.
type Styles struct {
	User        lipgloss.Style
	Tool        lipgloss.Style
	ToolError   lipgloss.Style
	Denied      lipgloss.Style
	Interrupted lipgloss.Style
	Summary     lipgloss.Style
	Info        lipgloss.Style
	Warning     lipgloss.Style
	Error       lipgloss.Style
	Title       lipgloss.Style
	Selected    lipgloss.Style
	Dim         lipgloss.Style
	Added       lipgloss.Style
	Removed     lipgloss.Style
	Hunk        lipgloss.Style
	Surface     lipgloss.Style
}

// NewStyles builds styles on r. noColor forces the ASCII profile.
func NewStyles(r *lipgloss.Renderer, noColor bool) Styles {
	if noColor {
		r.SetColorProfile(termenv.Ascii)
	}

	return Styles{
		User: r.NewStyle().Bold(true),

		// Green for finished tools
		Tool: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),

		// Red for errors
		ToolError: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}),
		Error: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}).
			Bold(true),

		// Yellow for anything the human stopped
		Denied: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),
		Interrupted: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),
		Warning: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),

		Info: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),

		Summary: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
		Dim: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),

		Title: r.NewStyle().Bold(true),
		Selected: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}).
			Bold(true),

		Added: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),
		Removed: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}),
		Hunk: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),

		Surface: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#CCCCCC", Dark: "#444444"}).
			PaddingLeft(1).
			PaddingRight(1),
	}
}
