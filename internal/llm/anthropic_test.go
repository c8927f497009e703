package llm

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicBuildURL(t *testing.T) {
	p := &AnthropicProvider{}
	assert.Equal(t, "https://api.anthropic.com/v1/messages", p.BuildURL(""))
	assert.Equal(t, "http://localhost:9999/v1/messages", p.BuildURL("http://localhost:9999/"))
}

func TestAnthropicSetHeaders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	req, _ := http.NewRequest(http.MethodPost, "http://x", nil)
	(&AnthropicProvider{}).SetHeaders(req)
	assert.Equal(t, "sk-test", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestAnthropicBuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody("claude-sonnet-4-5", Request{
		System: "You are a data analyst.",
		Messages: []Message{
			{Role: RoleUser, Content: "how many tickets?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{
				ID: "toolu_1", Name: "execute_sql", Arguments: json.RawMessage(`{"sql":"SELECT 1"}`),
			}}},
			{Role: RoleTool, ToolCallID: "toolu_1", Content: `{"rows":[[1]]}`},
		},
		Tools: []ToolDefinition{{
			Name:        "execute_sql",
			Description: "Run a read-only SQL query",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "You are a data analyst.", req["system"])
	assert.Equal(t, float64(4096), req["max_tokens"])

	messages := req["messages"].([]any)
	require.Len(t, messages, 3)

	// tool call turn renders as a tool_use block
	call := messages[1].(map[string]any)
	blocks := call["content"].([]any)
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_use", blocks[0].(map[string]any)["type"])
	assert.Equal(t, "toolu_1", blocks[0].(map[string]any)["id"])

	// tool result becomes a user turn with a tool_result block
	result := messages[2].(map[string]any)
	assert.Equal(t, "user", result["role"])
	rblocks := result["content"].([]any)
	assert.Equal(t, "tool_result", rblocks[0].(map[string]any)["type"])
	assert.Equal(t, "toolu_1", rblocks[0].(map[string]any)["tool_use_id"])
}

func TestAnthropicParseResponse(t *testing.T) {
	p := &AnthropicProvider{}
	resp, err := p.ParseResponse([]byte(`{
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "toolu_9", "name": "execute_sql", "input": {"sql": "SELECT COUNT(*) FROM orders"}}
		],
		"model": "claude-sonnet-4-5",
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 120, "output_tokens": 40}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "Let me check.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "execute_sql", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"sql":"SELECT COUNT(*) FROM orders"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, 160, resp.Usage.TotalTokens)
}

func TestAnthropicParseResponse_Invalid(t *testing.T) {
	_, err := (&AnthropicProvider{}).ParseResponse([]byte("not json"))
	assert.Error(t, err)
}
