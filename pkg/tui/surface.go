package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/mattn/go-runewidth"

	"github.com/odvcencio/conductor/pkg/uistate"
)

const maxDetailLines = 24

// surface is the local editing state of the live pending item. It is reset
// whenever the store presents a different item.
type surface struct {
	item uistate.Pending

	cursor int
	// typing is true once a choice needs a follow-up message.
	typing bool
	choice string
	input  textinput.Model

	// questions surface
	step     int
	selected map[int]bool
	answers  map[string]string
}

func newSurface(item uistate.Pending) *surface {
	s := &surface{
		item:    item,
		input:   textinput.New(),
		answers: make(map[string]string),
	}
	s.input.Prompt = "> "
	s.input.CharLimit = 0
	s.input.Placeholder = item.Placeholder
	if s.acceptsText() {
		s.input.Focus()
	}
	return s
}

// acceptsText reports whether keystrokes go to the text input.
func (s *surface) acceptsText() bool {
	switch s.item.Kind {
	case uistate.SurfaceText, uistate.SurfacePersistentInput:
		return true
	case uistate.SurfaceQuestions:
		q, ok := s.question()
		return ok && len(q.Options) == 0
	}
	return s.typing
}

// options lists what the cursor moves over.
func (s *surface) options() []uistate.Option {
	switch s.item.Kind {
	case uistate.SurfaceQuestions:
		if q, ok := s.question(); ok {
			return q.Options
		}
		return nil
	case uistate.SurfaceToolApproval:
		if len(s.item.Options) == 0 {
			return uistate.ApprovalOptions()
		}
	case uistate.SurfacePlan:
		if len(s.item.Options) == 0 {
			return uistate.PlanOptions()
		}
	}
	return s.item.Options
}

func (s *surface) question() (uistate.Question, bool) {
	if s.step < len(s.item.Questions) {
		return s.item.Questions[s.step], true
	}
	return uistate.Question{}, false
}

func (s *surface) move(delta int) {
	n := len(s.options())
	if n == 0 || s.typing {
		return
	}
	s.cursor = (s.cursor + delta + n) % n
}

func (s *surface) toggle() {
	q, ok := s.question()
	if !ok || !q.MultiSelect {
		return
	}
	if s.selected == nil {
		s.selected = make(map[int]bool)
	}
	s.selected[s.cursor] = !s.selected[s.cursor]
}

// submit handles Enter. It returns the response and true when the surface
// is finished.
func (s *surface) submit() (uistate.Response, bool) {
	text := strings.TrimSpace(s.input.Value())

	switch s.item.Kind {
	case uistate.SurfaceText, uistate.SurfacePersistentInput:
		if text == "" {
			return uistate.Response{}, false
		}
		return uistate.Response{Text: text}, true

	case uistate.SurfaceToolApproval, uistate.SurfacePlan:
		if s.typing {
			return uistate.Response{Choice: s.choice, Text: text}, true
		}
		opts := s.options()
		if s.cursor >= len(opts) {
			return uistate.Response{}, false
		}
		choice := opts[s.cursor].Value
		if choice == uistate.ChoiceDeny || choice == uistate.ChoiceReject {
			s.typing = true
			s.choice = choice
			s.input.Placeholder = s.followUpPlaceholder()
			s.input.Focus()
			return uistate.Response{}, false
		}
		return uistate.Response{Choice: choice}, true

	case uistate.SurfaceQuestions:
		return s.answer(text)

	default:
		opts := s.options()
		if s.cursor >= len(opts) {
			return uistate.Response{}, false
		}
		return uistate.Response{Choice: opts[s.cursor].Value}, true
	}
}

func (s *surface) followUpPlaceholder() string {
	if s.item.Kind == uistate.SurfacePlan {
		return "What should change in the plan? (optional)"
	}
	return "Tell the agent why (optional)"
}

func (s *surface) answer(text string) (uistate.Response, bool) {
	q, ok := s.question()
	if !ok {
		return uistate.Response{Answers: s.answers}, true
	}

	switch {
	case len(q.Options) == 0:
		if text == "" {
			return uistate.Response{}, false
		}
		s.answers[q.Prompt] = text
	case q.MultiSelect:
		var labels []string
		indexes := make([]int, 0, len(s.selected))
		for i, on := range s.selected {
			if on {
				indexes = append(indexes, i)
			}
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			labels = append(labels, q.Options[i].Label)
		}
		if len(labels) == 0 {
			labels = append(labels, q.Options[s.cursor].Label)
		}
		s.answers[q.Prompt] = strings.Join(labels, ", ")
	default:
		s.answers[q.Prompt] = q.Options[s.cursor].Label
	}

	s.step++
	s.cursor = 0
	s.selected = nil
	s.input.Reset()
	if s.step < len(s.item.Questions) {
		if s.acceptsText() {
			s.input.Focus()
		}
		return uistate.Response{}, false
	}
	return uistate.Response{Answers: s.answers}, true
}

func (s *surface) view(styles Styles, width int) string {
	var lines []string
	if s.item.Title != "" {
		lines = append(lines, styles.Title.Render(s.item.Title))
	}

	switch s.item.Kind {
	case uistate.SurfacePersistentInput:
		return s.input.View()

	case uistate.SurfaceQuestions:
		q, ok := s.question()
		if !ok {
			break
		}
		header := q.Prompt
		if q.Header != "" {
			header = q.Header + ": " + q.Prompt
		}
		if n := len(s.item.Questions); n > 1 {
			header = fmt.Sprintf("(%d/%d) %s", s.step+1, n, header)
		}
		lines = append(lines, header)

	default:
		if s.item.Prompt != "" {
			lines = append(lines, s.item.Prompt)
		}
	}

	if s.item.Detail != "" {
		lines = append(lines, renderDetail(s.item.Detail, styles, width)...)
	}

	if s.acceptsText() {
		lines = append(lines, s.input.View())
	} else {
		multi := false
		if q, ok := s.question(); ok && s.item.Kind == uistate.SurfaceQuestions {
			multi = q.MultiSelect
		}
		for i, opt := range s.options() {
			lines = append(lines, s.optionLine(i, opt, multi, styles, width))
		}
	}

	return styles.Surface.Render(strings.Join(lines, "\n"))
}

func (s *surface) optionLine(i int, opt uistate.Option, multi bool, styles Styles, width int) string {
	cursor := "  "
	if i == s.cursor {
		cursor = "❯ "
	}
	box := ""
	if multi {
		box = "[ ] "
		if s.selected[i] {
			box = "[x] "
		}
	}
	label := cursor + box + opt.Label
	if opt.Description != "" {
		label += " (" + opt.Description + ")"
	}
	label = truncate(label, width)
	if i == s.cursor {
		return styles.Selected.Render(label)
	}
	return label
}

// renderDetail colors diff lines and caps long details.
func renderDetail(detail string, styles Styles, width int) []string {
	raw := strings.Split(strings.TrimRight(detail, "\n"), "\n")
	extra := 0
	if len(raw) > maxDetailLines {
		extra = len(raw) - maxDetailLines
		raw = raw[:maxDetailLines]
	}

	out := make([]string, 0, len(raw)+1)
	for _, line := range raw {
		line = truncate(line, width)
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			out = append(out, styles.Dim.Render(line))
		case strings.HasPrefix(line, "+"):
			out = append(out, styles.Added.Render(line))
		case strings.HasPrefix(line, "-"):
			out = append(out, styles.Removed.Render(line))
		case strings.HasPrefix(line, "@@"):
			out = append(out, styles.Hunk.Render(line))
		default:
			out = append(out, line)
		}
	}
	if extra > 0 {
		out = append(out, styles.Dim.Render(fmt.Sprintf("… %d more lines", extra)))
	}
	return out
}

// truncate shortens s to fit width terminal cells. Widths under 8 are
// treated as unknown.
func truncate(s string, width int) string {
	if width < 8 {
		return s
	}
	// room for the surface border and padding
	return runewidth.Truncate(s, width-4, "…")
}
