package approval

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// fileReader loads the current contents of a file for previews.
type fileReader func(path string) (string, error)

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// previewDetail renders what a tool is about to do. File-writing tools get a
// unified diff against the file on disk; everything else shows its input.
func previewDetail(tool string, input map[string]any, read fileReader) string {
	switch tool {
	case "Write", "Edit", "MultiEdit":
		if diff, ok := fileDiff(tool, input, read); ok {
			return diff
		}
	}
	return prettyInput(input)
}

func fileDiff(tool string, input map[string]any, read fileReader) (string, bool) {
	path, _ := input["file_path"].(string)
	if path == "" {
		return "", false
	}
	current, err := read(path)
	if err != nil {
		// New or unreadable file: diff against nothing.
		current = ""
	}

	var next string
	switch tool {
	case "Write":
		content, ok := input["content"].(string)
		if !ok {
			return "", false
		}
		next = content
	case "Edit":
		next = applyEdit(current, input)
		if err != nil {
			// Without the file, show the fragment being replaced.
			current, _ = input["old_string"].(string)
			next, _ = input["new_string"].(string)
		}
	case "MultiEdit":
		edits, ok := input["edits"].([]any)
		if !ok {
			return "", false
		}
		next = current
		for _, raw := range edits {
			edit, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			next = applyEdit(next, edit)
		}
	}

	diff, derr := buildUnifiedDiff(path, current, next)
	if derr != nil || diff == "" {
		return "", false
	}
	return diff, true
}

func applyEdit(content string, edit map[string]any) string {
	oldStr, _ := edit["old_string"].(string)
	newStr, _ := edit["new_string"].(string)
	if oldStr == "" {
		return content + newStr
	}
	if all, _ := edit["replace_all"].(bool); all {
		return strings.ReplaceAll(content, oldStr, newStr)
	}
	return strings.Replace(content, oldStr, newStr, 1)
}

func buildUnifiedDiff(path, from, to string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func prettyInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}
