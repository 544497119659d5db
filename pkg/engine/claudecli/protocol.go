package claudecli

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/odvcencio/conductor/pkg/engine"
)

// userMessage is the stream-json input line that carries a prompt.
type userMessage struct {
	Type    string      `json:"type"`
	Message userContent `json:"message"`
}

type userContent struct {
	Role    string      `json:"role"`
	Content []textBlock `json:"content"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newUserMessage(prompt string) userMessage {
	return userMessage{
		Type: "user",
		Message: userContent{
			Role:    "user",
			Content: []textBlock{{Type: "text", Text: prompt}},
		},
	}
}

// controlRequest is sent by either side of the control channel.
type controlRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// permissionRequest is the body of a can_use_tool control request.
type permissionRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// permissionResult is what can_use_tool answers with.
type permissionResult struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

func newPermissionResponse(requestID string, d engine.Decision) controlResponse {
	result := permissionResult{Behavior: string(d.Behavior)}
	if d.Allowed() {
		result.UpdatedInput = d.UpdatedInput
		if result.UpdatedInput == nil {
			result.UpdatedInput = map[string]any{}
		}
	} else {
		result.Behavior = string(engine.BehaviorDeny)
		result.Message = d.Message
	}
	return controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  result,
		},
	}
}

func newErrorResponse(requestID, message string) controlResponse {
	return controlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
}

func newInterruptRequest() controlRequest {
	return controlRequest{
		Type:      "control_request",
		RequestID: uuid.NewString(),
		Request:   json.RawMessage(`{"subtype":"interrupt"}`),
	}
}
