// Package llm is the model-service client. A turn sends instructions,
// input items, and a tool catalog to the service and yields either a
// final natural-language answer or a batch of tool-call requests,
// plus a continuity handle for chaining the next turn.
package llm

import "errors"

// ErrContinuityRejected indicates the model service refused the
// supplied continuity handle. Callers recover by clearing the handle
// and retrying the turn once.
var ErrContinuityRejected = errors.New("continuity handle rejected")

// Tool describes one callable tool offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Item is one input item for a turn: a user message or the output of
// a previously requested tool call.
type Item struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Output  string `json:"output,omitempty"`
}

// UserMessage builds a user-authored input item.
func UserMessage(text string) Item {
	return Item{Type: "message", Role: "user", Content: text}
}

// ToolResult builds an input item carrying the output of a tool call
// the model requested on the previous turn.
func ToolResult(callID, output string) Item {
	return Item{Type: "function_call_output", CallID: callID, Output: output}
}

// TurnRequest is one model-service invocation.
type TurnRequest struct {
	// Instructions is the system prompt for this turn.
	Instructions string

	// Input is the new input since the previous turn.
	Input []Item

	// Tools is the active tool catalog.
	Tools []Tool

	// PreviousID chains this turn to a prior exchange so the service
	// keeps its own context. Empty starts fresh.
	PreviousID string
}

// TurnKind tags the two possible shapes of a model response.
type TurnKind int

const (
	// TurnAnswer is a final natural-language answer.
	TurnAnswer TurnKind = iota

	// TurnToolCalls is a batch of tool-call requests the caller must
	// execute and feed back.
	TurnToolCalls
)

// ToolCall is one tool-call request from the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Turn is the model's response to a TurnRequest.
type Turn struct {
	// ID is the continuity handle for chaining the next turn.
	ID string

	// Kind tags which of Answer or ToolCalls is populated.
	Kind TurnKind

	// Answer is the final natural-language content (TurnAnswer).
	Answer string

	// ToolCalls are the requested tool executions (TurnToolCalls).
	ToolCalls []ToolCall
}
