package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const anthropicTextDoc = `{
	"content": [{"type": "text", "text": "There are 6417 tickets."}],
	"model": "claude-sonnet-4-5",
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 10, "output_tokens": 8}
}`

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 2.0, MaxBackoff: 10 * time.Millisecond}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c, err := NewClient("anthropic", "claude-sonnet-4-5",
		WithBaseURL(ts.URL),
		WithRetryConfig(fastRetry()))
	require.NoError(t, err)
	return c
}

func TestClientComplete_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		_, _ = w.Write([]byte(anthropicTextDoc))
	})

	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "how many tickets?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "There are 6417 tickets.", resp.Content)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
}

func TestClientComplete_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(anthropicTextDoc))
	})

	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "There are 6417 tickets.", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientComplete_FatalNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientComplete_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientComplete_RequiresMessages(t *testing.T) {
	c, err := NewClient("anthropic", "")
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), Request{})
	assert.Error(t, err)
}

func TestNewClient_UnknownProvider(t *testing.T) {
	_, err := NewClient("llama-at-home", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown llm provider")
}

func TestResolveProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	assert.Equal(t, "anthropic", resolveProvider())

	t.Setenv("OPENAI_API_KEY", "sk-o")
	assert.Equal(t, "openai", resolveProvider())

	t.Setenv("ANTHROPIC_API_KEY", "sk-a")
	assert.Equal(t, "anthropic", resolveProvider(), "anthropic wins when both keys are set")
}

func TestDefaultModel(t *testing.T) {
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("ANTHROPIC_MODEL", "")
	assert.Equal(t, "gpt-4o", defaultModel("openai"))
	assert.Equal(t, "claude-sonnet-4-5", defaultModel("anthropic"))

	t.Setenv("ANTHROPIC_MODEL", "claude-opus-4")
	assert.Equal(t, "claude-opus-4", defaultModel("anthropic"))
}
