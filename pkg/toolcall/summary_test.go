package toolcall

import (
	"strings"
	"testing"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		input   map[string]any
		content string
		isError bool
		want    string
	}{
		{name: "read two lines", tool: "Read", content: "line1\nline2\n", want: "Read 2 lines"},
		{name: "read one line", tool: "Read", content: "only", want: "Read 1 line"},
		{name: "read empty", tool: "Read", content: "", want: "Read 0 lines"},
		{name: "read strips reminder", tool: "Read", content: "a\nb\n<system-reminder>\nx\ny\n</system-reminder>", want: "Read 2 lines"},
		{name: "grep lines", tool: "Grep", content: "a.go:1:x\nb.go:4:y\nc.go:9:z", want: "Found 3 matching lines"},
		{name: "grep found prefix", tool: "Grep", content: "Found 4 files\na\nb\nc\nd", want: "Found 4 matches"},
		{name: "glob files", tool: "Glob", content: "a.go\nb.go", want: "Found 2 files"},
		{name: "glob none", tool: "Glob", content: "No files found", want: "Found 0 files"},
		{name: "write", tool: "Write", input: map[string]any{"content": "a\nb\nc\n"}, want: "Wrote 3 lines"},
		{name: "write malformed", tool: "Write", input: map[string]any{"content": 42}, want: ""},
		{name: "edit", tool: "Edit", input: map[string]any{"old_string": "a\nb\n", "new_string": "a\nB\nc\n"}, want: "Added 2 lines, removed 1 line"},
		{name: "multi edit", tool: "MultiEdit", input: map[string]any{"edits": []any{
			map[string]any{"old_string": "x", "new_string": "y"},
			map[string]any{"old_string": "", "new_string": "z"},
			"garbage",
		}}, want: "Added 2 lines, removed 1 line"},
		{name: "multi edit malformed", tool: "MultiEdit", input: map[string]any{"edits": "nope"}, want: ""},
		{name: "bash", tool: "Bash", input: map[string]any{"command": "npm install\nnpm test"}, want: "Ran npm install"},
		{name: "bash missing command", tool: "Bash", input: nil, want: ""},
		{name: "web search", tool: "WebSearch", input: map[string]any{"query": "sdk setup"}, want: `Searched for "sdk setup"`},
		{name: "web fetch", tool: "WebFetch", input: map[string]any{"url": "https://example.com"}, want: "Fetched https://example.com"},
		{name: "unknown tool", tool: "mcp__x__y", content: "whatever", want: ""},
		{name: "error first line", tool: "Read", content: "\nENOENT: no such file\nstack", isError: true, want: "ENOENT: no such file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.tool, tt.input, tt.content, tt.isError); got != tt.want {
				t.Fatalf("Summarize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		tool  string
		input map[string]any
		want  string
	}{
		{"Read", map[string]any{"file_path": "src/a.py"}, "Read(src/a.py)"},
		{"Bash", map[string]any{"command": "npm install\necho done", "description": "install"}, "Bash(npm install)"},
		{"Grep", map[string]any{"pattern": "TODO", "path": "src"}, "Grep(TODO)"},
		{"TodoWrite", map[string]any{"todos": []any{}}, "TodoWrite"},
	}
	for _, tt := range tests {
		if got := Describe(tt.tool, tt.input); got != tt.want {
			t.Errorf("Describe(%s) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}

func TestDescribeTruncatesLongArguments(t *testing.T) {
	got := Describe("Bash", map[string]any{"command": strings.Repeat("x", 200)})
	if !strings.HasSuffix(got, "…)") {
		t.Fatalf("expected truncated label, got %q", got)
	}
	if len([]rune(got)) > maxLabelWidth+len("Bash()")+1 {
		t.Fatalf("label too long: %d", len([]rune(got)))
	}
}
