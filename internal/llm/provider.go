// Package llm provides a provider-agnostic chat-completion client with
// tool calling, retry, and transient/fatal error classification.
package llm

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the conversation. A tool result is a Message
// with Role "tool" and ToolCallID referencing the call it answers.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request defines a completion request.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition

	// Temperature is nil for the provider default, 0 for deterministic.
	Temperature *float64
	MaxTokens   int
}

// TokenUsage reports token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the completion result. When the model requests tools,
// ToolCalls is non-empty and Content may still carry interleaved text.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Model      string
	StopReason string
	Usage      TokenUsage
}

// Provider adapts one vendor API to the client.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// BuildURL constructs the full completion endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the vendor JSON request body.
	BuildRequestBody(model string, req Request) ([]byte, error)

	// ParseResponse extracts the completion from vendor-specific JSON.
	ParseResponse(body []byte) (*Response, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, or nil.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()
	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
