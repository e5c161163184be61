package entities

import (
	"encoding/json"
)

// ToolCall is a model-issued function call with parsed arguments
type ToolCall struct {
	Name       string                 `json:"name"`
	CallID     string                 `json:"call_id"`
	ResponseID string                 `json:"response_id,omitempty"`
	Arguments  map[string]interface{} `json:"arguments"`
}

// ToolResult answers exactly one ToolCall
type ToolResult struct {
	CallID  string                 `json:"call_id"`
	Success bool                   `json:"success"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// NewToolSuccess builds a successful result
func NewToolSuccess(callID string, payload map[string]interface{}) ToolResult {
	return ToolResult{CallID: callID, Success: true, Payload: payload}
}

// NewToolFailure builds a failed result carrying a structured error
func NewToolFailure(callID string, message string) ToolResult {
	return ToolResult{CallID: callID, Success: false, Error: message}
}

// Output renders the result as the JSON string fed back to the model.
// Payload fields are flattened next to "success".
func (r ToolResult) Output() string {
	out := make(map[string]interface{}, len(r.Payload)+2)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["success"] = r.Success
	if !r.Success {
		out["error"] = r.Error
	}
	b, err := json.Marshal(out)
	if err != nil {
		b, _ = json.Marshal(map[string]interface{}{
			"success": false,
			"error":   "result could not be encoded",
		})
	}
	return string(b)
}
