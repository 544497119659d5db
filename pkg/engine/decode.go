package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WireMessage is one line of the engine's stream-json output.
type WireMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Model     string          `json:"model,omitempty"`
	Cwd       string          `json:"cwd,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Result    string          `json:"result,omitempty"`
	Errors    []string        `json:"errors,omitempty"`

	// Control protocol fields.
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`

	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}

type wireBody struct {
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Decode parses one stream-json line into zero or more events. A single
// assistant message can carry several content blocks, so one line can yield
// several events. Control-protocol lines are not events and must be handled
// by the caller before decoding.
func Decode(line []byte) ([]Event, error) {
	var msg WireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}
	return DecodeMessage(msg, line)
}

// DecodeMessage converts an already-parsed wire message. raw is preserved on
// Unknown events.
func DecodeMessage(msg WireMessage, raw []byte) ([]Event, error) {
	switch msg.Type {
	case "system":
		if msg.Subtype != "init" {
			return []Event{Unknown{Type: "system:" + msg.Subtype, Raw: cloneRaw(raw)}}, nil
		}
		var events []Event
		if msg.SessionID != "" {
			events = append(events, SessionStarted{SessionID: msg.SessionID})
		}
		return append(events, SystemInit{Model: msg.Model, Tools: msg.Tools, Cwd: msg.Cwd}), nil

	case "assistant":
		// Sub-agent chatter is reported through its parent tool call.
		if msg.ParentToolUseID != "" {
			return nil, nil
		}
		blocks, err := decodeBlocks(msg.Message)
		if err != nil {
			return nil, err
		}
		var events []Event
		for _, b := range blocks {
			switch b.Type {
			case "text":
				if strings.TrimSpace(b.Text) != "" {
					events = append(events, AssistantText{Text: b.Text})
				}
			case "tool_use":
				events = append(events, ToolRequest{CallID: b.ID, Name: b.Name, Input: b.Input})
			}
		}
		return events, nil

	case "user":
		if msg.ParentToolUseID != "" {
			return nil, nil
		}
		blocks, err := decodeBlocks(msg.Message)
		if err != nil {
			return nil, err
		}
		var events []Event
		for _, b := range blocks {
			if b.Type != "tool_result" {
				continue
			}
			events = append(events, ToolResult{
				CallID:  b.ToolUseID,
				IsError: b.IsError,
				Content: ContentText(b.Content),
			})
		}
		return events, nil

	case "result":
		return []Event{TurnResult{
			Subtype:   msg.Subtype,
			IsError:   msg.IsError,
			Errors:    msg.Errors,
			SessionID: msg.SessionID,
			Result:    msg.Result,
		}}, nil
	}

	return []Event{Unknown{Type: msg.Type, Raw: cloneRaw(raw)}}, nil
}

func decodeBlocks(message json.RawMessage) ([]wireBlock, error) {
	if len(message) == 0 {
		return nil, nil
	}
	var body wireBody
	if err := json.Unmarshal(message, &body); err != nil {
		return nil, fmt.Errorf("decode message body: %w", err)
	}
	if len(body.Content) == 0 {
		return nil, nil
	}
	// Plain string content carries no tool blocks.
	if body.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(body.Content, &text); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		return []wireBlock{{Type: "text", Text: text}}, nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(body.Content, &blocks); err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}
	return blocks, nil
}

// ContentText flattens tool-result content, which is either a JSON string or
// an array of typed blocks, into text. Non-text blocks are dropped and
// anything unparseable is returned verbatim.
func ContentText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func cloneRaw(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
