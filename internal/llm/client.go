package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"
)

// maxResponseSize bounds the completion response body.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is a provider-agnostic completion client with retry.
type Client struct {
	provider    Provider
	model       string
	baseURL     string
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) { client.retryConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// WithBaseURL overrides the provider's default endpoint base.
func WithBaseURL(baseURL string) ClientOption {
	return func(client *Client) { client.baseURL = baseURL }
}

// NewClient creates a completion client for the named provider. The
// name "auto" resolves by which vendor API key is present in the
// environment.
func NewClient(providerName, model string, opts ...ClientOption) (*Client, error) {
	if providerName == "" || providerName == "auto" {
		providerName = resolveProvider()
	}
	provider := GetProvider(providerName)
	if provider == nil {
		return nil, fmt.Errorf("unknown llm provider %q (registered: %v)", providerName, ListProviders())
	}
	if model == "" {
		model = defaultModel(providerName)
	}

	c := &Client{
		provider:    provider,
		model:       model,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // completions can be slow
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveProvider picks a provider by which API key is configured.
func resolveProvider() string {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return "anthropic"
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return "openai"
	}
	return "anthropic"
}

// defaultModel picks the model for a provider: the provider's model env
// var when set, otherwise a current general-purpose default.
func defaultModel(providerName string) string {
	switch providerName {
	case "openai":
		if m := os.Getenv("OPENAI_MODEL"); m != "" {
			return m
		}
		return "gpt-4o"
	default:
		if m := os.Getenv("ANTHROPIC_MODEL"); m != "" {
			return m
		}
		return "claude-sonnet-4-5"
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// ProviderName returns the resolved provider identifier.
func (c *Client) ProviderName() string { return c.provider.Name() }

// Complete sends a completion request, retrying transient failures with
// exponential backoff and jitter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if IsFatal(err) {
			return nil, err
		}
		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("completion request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("completion failed after %d attempts: %w", c.retryConfig.MaxAttempts, lastErr)
}

// calculateBackoff computes exponential backoff with +/-25% jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}
	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request against the provider.
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	url := c.provider.BuildURL(c.baseURL)
	body, err := c.provider.BuildRequestBody(c.model, req)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}
	return c.provider.ParseResponse(respBody)
}

// classifyHTTPError splits HTTP failures into transient and fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("llm API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}
