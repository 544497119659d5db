// Package scripted is an agent engine driven by a YAML script. It replays
// canned turns through the same event and approval contract as a real
// engine, which makes it useful for demos and for exercising the terminal
// UI without an API key.
package scripted

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Script is the on-disk format.
//
//	session_id: demo
//	turns:
//	  - steps:
//	      - say: "Looking at the repository."
//	      - tool: Bash
//	        input: {command: "npm install"}
//	        result: "added 12 packages"
//	      - complete: true
type Script struct {
	// SessionID is reported on the first turn; empty picks a random one.
	SessionID string `yaml:"session_id"`
	Model     string `yaml:"model"`
	// Delay is the default pause between steps.
	Delay time.Duration `yaml:"delay"`
	Turns []Turn        `yaml:"turns"`
}

// Turn is what the engine does for one prompt.
type Turn struct {
	Steps []Step `yaml:"steps"`
	// Subtype ends the turn; an "error_" prefix marks it as failed.
	Subtype string   `yaml:"subtype"`
	Errors  []string `yaml:"errors"`
	// Fail exits the turn with an engine error instead of a result.
	Fail string `yaml:"fail"`
}

// Step is exactly one of say, tool or complete.
type Step struct {
	Say string `yaml:"say"`

	Tool   string         `yaml:"tool"`
	ID     string         `yaml:"id"`
	Input  map[string]any `yaml:"input"`
	Result string         `yaml:"result"`
	Error  bool           `yaml:"error"`
	// NoResult leaves the call unanswered.
	NoResult bool `yaml:"no_result"`

	Complete bool `yaml:"complete"`

	Delay time.Duration `yaml:"delay"`
}

// Parse decodes and validates a script.
func Parse(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Script{}, err
	}
	return s, nil
}

// Load reads a script from path.
func Load(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	return Parse(data)
}

// Validate checks that every step does exactly one thing.
func (s Script) Validate() error {
	if len(s.Turns) == 0 {
		return fmt.Errorf("script has no turns")
	}
	for i, turn := range s.Turns {
		for j, step := range turn.Steps {
			kinds := 0
			if step.Say != "" {
				kinds++
			}
			if step.Tool != "" {
				kinds++
			}
			if step.Complete {
				kinds++
			}
			if kinds != 1 {
				return fmt.Errorf("turn %d step %d: exactly one of say, tool or complete is required", i+1, j+1)
			}
		}
		if turn.Subtype != "" && turn.Subtype != "success" && !strings.HasPrefix(turn.Subtype, "error_") {
			return fmt.Errorf("turn %d: invalid subtype %q", i+1, turn.Subtype)
		}
	}
	return nil
}
