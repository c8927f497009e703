// Package agent implements the planner loop that turns a chat message
// into policy-checked sandbox runs, the SQL:/PYTHON: fast path, and the
// typed event stream consumed by the transport layer.
package agent

import (
	"encoding/json"

	"github.com/sift-analytics/sift/internal/domain"
)

// EventType tags one event of a turn's stream.
type EventType string

const (
	// EventToken carries a fragment of planner text.
	EventToken EventType = "token"
	// EventToolCall announces a tool dispatch (name + input).
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the tool's serialized output.
	EventToolResult EventType = "tool_result"
	// EventResult carries the full turn response. Emitted exactly once,
	// immediately before done.
	EventResult EventType = "result"
	// EventDone closes the stream.
	EventDone EventType = "done"
	// EventError reports a turn that failed before producing a response.
	EventError EventType = "error"
)

// Event is one element of the turn stream. Fields are populated by
// type: token→Text, tool_call→Tool+Input, tool_result→Tool+Output,
// result→Response, error→Error.
type Event struct {
	Type     EventType        `json:"type"`
	Text     string           `json:"text,omitempty"`
	Tool     string           `json:"tool,omitempty"`
	Input    json.RawMessage  `json:"input,omitempty"`
	Output   string           `json:"output,omitempty"`
	Response *TurnResponse    `json:"response,omitempty"`
	Error    *domain.RunError `json:"error,omitempty"`
}
