// Package llm provides a provider-agnostic chat completion client with retry
// and endpoint fallback. Endpoints and their health come from model.Registry.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/google/uuid"

	"github.com/shijie-nv/houseagent/model"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Completer is the single call the rest of the pipeline needs from a client.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	observe     AttemptObserver
}

// Attempt outcomes passed to an AttemptObserver.
const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomeFatal     = "fatal"
)

// AttemptObserver is told the outcome of every HTTP request to an endpoint.
type AttemptObserver func(endpoint, outcome string)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the endpoint's configured limit.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this call across retries and fallbacks.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the model that answered.
	Model string

	// Endpoint is the registry name of the endpoint that answered.
	Endpoint string

	// Usage contains token consumption, when the provider reports it.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string

	// Attempts is the number of HTTP requests made, across all endpoints.
	Attempts int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithAttemptObserver reports each endpoint request to fn.
func WithAttemptObserver(fn AttemptObserver) ClientOption {
	return func(client *Client) {
		client.observe = fn
	}
}

// NewClient creates a new LLM client over the registry's endpoints.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for local models
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.retryConfig.MaxAttempts < 1 {
		c.retryConfig.MaxAttempts = 1
	}

	return c
}

// Complete sends a completion request, walking the fallback chain with
// bounded retries per endpoint. A fatal error stops the walk.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()
	startedAt := time.Now()

	chain := c.registry.GetAvailableFallbackChain()
	if len(chain) == 0 {
		return nil, fmt.Errorf("no model endpoints configured")
	}

	var (
		lastErr  error
		attempts int
	)
	for _, name := range chain {
		endpoint := c.registry.GetEndpoint(name)
		if endpoint == nil {
			c.logger.Debug("No endpoint config, skipping", "endpoint", name)
			continue
		}

		resp, n, err := c.tryEndpointWithRetry(ctx, endpoint, req)
		attempts += n
		if err == nil {
			resp.RequestID = requestID
			resp.Endpoint = name
			resp.Attempts = attempts
			c.logger.Debug("LLM request complete",
				"request_id", requestID,
				"endpoint", name,
				"model", resp.Model,
				"attempts", attempts,
				"duration", time.Since(startedAt),
				"total_tokens", resp.Usage.TotalTokens)
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request %s cancelled: %w", requestID, err)
		}
		if IsFatal(err) {
			c.logger.Warn("Fatal error, not trying fallbacks",
				"request_id", requestID,
				"endpoint", name,
				"error", err)
			return nil, err
		}

		c.logger.Warn("Endpoint failed, trying fallback",
			"request_id", requestID,
			"endpoint", name,
			"provider", endpoint.Provider,
			"error", err)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no usable model endpoints")
	}
	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

// tryEndpointWithRetry attempts a request with retry logic and returns the attempt count.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, int, error) {
	var (
		resp     *Response
		lastErr  error
		attempts int
	)
	maxAttempts := c.retryConfig.MaxAttempts

	err := retry.Do(ctx, c.backoffConfig(), func() error {
		attempts++
		r, err := c.doRequest(ctx, ep, req)
		c.record(ep.Name, err)
		if err == nil {
			resp = r
			return nil
		}
		lastErr = err

		// Auth and bad-request errors say nothing about endpoint health.
		if IsFatal(err) {
			return retry.NonRetryable(err)
		}
		if attempts < maxAttempts {
			c.logger.Debug("Request failed, retrying",
				"endpoint", ep.Name,
				"attempt", attempts,
				"max_attempts", maxAttempts,
				"error", err)
			if wait := retryAfter(err); wait > 0 {
				if werr := sleepCtx(ctx, min(wait, c.retryConfig.MaxBackoff)); werr != nil {
					return retry.NonRetryable(werr)
				}
			}
		}
		return err
	})

	switch {
	case err == nil:
		c.registry.MarkEndpointSuccess(ep.Name)
		return resp, attempts, nil
	case ctx.Err() != nil:
		return nil, attempts, ctx.Err()
	case IsFatal(lastErr):
		return nil, attempts, lastErr
	}
	c.registry.MarkEndpointFailure(ep.Name)
	return nil, attempts, lastErr
}

// backoffConfig maps RetryConfig onto the shared retry policy. Delays are
// clamped so the policy always validates.
func (c *Client) backoffConfig() retry.Config {
	initial := max(c.retryConfig.BackoffBase, time.Millisecond)
	return retry.Config{
		MaxAttempts:  c.retryConfig.MaxAttempts,
		InitialDelay: initial,
		MaxDelay:     max(c.retryConfig.MaxBackoff, initial),
		Multiplier:   max(c.retryConfig.BackoffMultiplier, 1),
		AddJitter:    true,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) record(endpoint string, err error) {
	if c.observe == nil {
		return
	}
	outcome := OutcomeOK
	switch {
	case err == nil:
	case IsFatal(err):
		outcome = OutcomeFatal
	default:
		outcome = OutcomeTransient
	}
	c.observe(endpoint, outcome)
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	url := provider.BuildURL(ep.URL)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = ep.MaxTokens
	}
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

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
		return nil, classifyHTTPError(httpResp.StatusCode, httpResp.Header, respBody)
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		// Truncated bodies are retried.
		return nil, NewTransientError(err)
	}
	return resp, nil
}
