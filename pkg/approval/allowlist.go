package approval

import (
	"strings"
	"sync/atomic"
)

// chainTokens make a shell command do more than its leading words suggest.
// Prefix and suffix patterns never match a command containing one.
var chainTokens = []string{";", "&", "|", ">", "`", "$(", "\n"}

// AllowList matches shell commands against the configured patterns:
//
//	"npm install*"  prefix
//	"*--version"    suffix
//	"go mod tidy"   exact
//
// The pattern set can be swapped at any time; matching always sees either
// the old or the new set in full.
type AllowList struct {
	patterns atomic.Pointer[[]string]
}

// NewAllowList builds a list from patterns.
func NewAllowList(patterns []string) *AllowList {
	l := &AllowList{}
	l.Set(patterns)
	return l
}

// Set replaces the pattern set.
func (l *AllowList) Set(patterns []string) {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.Trim(p, "*") == "" {
			continue
		}
		cleaned = append(cleaned, p)
	}
	l.patterns.Store(&cleaned)
}

// Patterns returns the current pattern set.
func (l *AllowList) Patterns() []string {
	p := l.patterns.Load()
	if p == nil {
		return nil
	}
	return append([]string(nil), (*p)...)
}

// Match reports whether command is allowed without asking.
func (l *AllowList) Match(command string) bool {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return false
	}
	p := l.patterns.Load()
	if p == nil {
		return false
	}
	for _, pattern := range *p {
		if matchPattern(pattern, cmd) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, cmd string) bool {
	switch {
	case strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*"):
		return !chained(cmd) && strings.HasPrefix(cmd, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*"):
		return !chained(cmd) && strings.HasSuffix(cmd, strings.TrimPrefix(pattern, "*"))
	case strings.Contains(pattern, "*"):
		// Wildcards elsewhere are not supported.
		return false
	default:
		return cmd == pattern
	}
}

func chained(cmd string) bool {
	for _, tok := range chainTokens {
		if strings.Contains(cmd, tok) {
			return true
		}
	}
	return false
}
