package toolcall

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/pmezard/go-difflib/difflib"
)

const maxLabelWidth = 60

var foundPrefix = regexp.MustCompile(`^Found (\d+) (?:files?|lines?|matches)`)

// Summarize derives a one-line summary of a tool result. It never panics on
// unexpected input and returns "" when nothing sensible can be said.
func Summarize(name string, input map[string]any, content string, isError bool) (summary string) {
	defer func() {
		if recover() != nil {
			summary = ""
		}
	}()

	if isError {
		return firstLine(content)
	}

	switch name {
	case "Read":
		n := countLines(stripReminders(content))
		return fmt.Sprintf("Read %d %s", n, plural(n, "line", "lines"))
	case "Grep":
		if n, ok := foundCount(content); ok {
			return fmt.Sprintf("Found %d %s", n, plural(n, "match", "matches"))
		}
		n := countLines(content)
		return fmt.Sprintf("Found %d matching %s", n, plural(n, "line", "lines"))
	case "Glob":
		n := countLines(content)
		if strings.HasPrefix(strings.TrimSpace(content), "No files found") {
			n = 0
		}
		return fmt.Sprintf("Found %d %s", n, plural(n, "file", "files"))
	case "Write":
		text, ok := input["content"].(string)
		if !ok {
			return ""
		}
		n := countLines(text)
		return fmt.Sprintf("Wrote %d %s", n, plural(n, "line", "lines"))
	case "Edit":
		oldText, _ := input["old_string"].(string)
		newText, _ := input["new_string"].(string)
		added, removed := lineDelta(oldText, newText)
		return editSummary(added, removed)
	case "MultiEdit":
		edits, ok := input["edits"].([]any)
		if !ok {
			return ""
		}
		var added, removed int
		for _, e := range edits {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			oldText, _ := m["old_string"].(string)
			newText, _ := m["new_string"].(string)
			a, r := lineDelta(oldText, newText)
			added += a
			removed += r
		}
		return editSummary(added, removed)
	case "Bash":
		if cmd, ok := input["command"].(string); ok && cmd != "" {
			return "Ran " + truncate(firstLine(cmd), maxLabelWidth)
		}
		return ""
	case "WebSearch":
		if q, ok := input["query"].(string); ok {
			return fmt.Sprintf("Searched for %q", q)
		}
		return ""
	case "WebFetch":
		if u, ok := input["url"].(string); ok {
			return "Fetched " + u
		}
		return ""
	}
	return ""
}

// Describe renders a tool invocation as Name(primary argument).
func Describe(name string, input map[string]any) string {
	arg := primaryArg(name, input)
	if arg == "" {
		return name
	}
	return name + "(" + truncate(arg, maxLabelWidth) + ")"
}

func primaryArg(name string, input map[string]any) string {
	keys := []string{"file_path", "path", "pattern", "command", "url", "query", "description"}
	switch name {
	case "Bash":
		keys = []string{"command"}
	case "Grep", "Glob":
		keys = []string{"pattern"}
	}
	for _, key := range keys {
		if v, ok := input[key].(string); ok && strings.TrimSpace(v) != "" {
			v = firstLine(v)
			if key == "file_path" || key == "path" {
				v = filepath.ToSlash(v)
			}
			return v
		}
	}
	return ""
}

func editSummary(added, removed int) string {
	return fmt.Sprintf("Added %d %s, removed %d %s",
		added, plural(added, "line", "lines"),
		removed, plural(removed, "line", "lines"))
}

// lineDelta counts inserted and deleted lines between two texts.
func lineDelta(oldText, newText string) (added, removed int) {
	matcher := difflib.NewMatcher(splitLines(oldText), splitLines(newText))
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.SplitAfter(strings.TrimSuffix(s, "\n"), "\n")
}

func countLines(s string) int {
	s = strings.TrimRight(s, "\n")
	if strings.TrimSpace(s) == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

func foundCount(s string) (int, bool) {
	m := foundPrefix.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// stripReminders drops the trailing system reminder some engines append to
// file reads.
func stripReminders(s string) string {
	if i := strings.Index(s, "<system-reminder>"); i >= 0 {
		return s[:i]
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
