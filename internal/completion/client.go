// Package completion talks to the upstream chat-completions service, either
// directly or through the admission gateway.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the upstream API root used when none is configured.
const DefaultBaseURL = "https://api.openai.com/v1"

// Sentinel errors. Callers classify failures with errors.Is.
var (
	ErrMissingAPIKey       = errors.New("completion: api key is not configured")
	ErrMalformedResponse   = errors.New("completion: malformed upstream response")
	ErrUpstreamStatus      = errors.New("completion: upstream returned non-success status")
	ErrUpstreamUnavailable = errors.New("completion: upstream unavailable")
	ErrRateLimited         = errors.New("completion: rate limited")
)

// Analyzer runs one analysis call over a conversation.
type Analyzer interface {
	Analyze(ctx context.Context, history []Message, systemInstruction string) (json.RawMessage, error)
}

// Client calls the upstream chat-completions endpoint directly. It never
// retries; every failure surfaces to the caller exactly once.
type Client struct {
	httpClient      *http.Client
	apiKey          string
	baseURL         string
	model           string
	reasoningEffort string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the upstream API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithModel sets the model used by Analyze.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithReasoningEffort sets the reasoning effort used by Analyze.
func WithReasoningEffort(effort string) Option {
	return func(c *Client) { c.reasoningEffort = effort }
}

// WithTimeout bounds each upstream round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new Client for the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient:      &http.Client{Timeout: 120 * time.Second},
		apiKey:          apiKey,
		baseURL:         DefaultBaseURL,
		model:           DefaultModel,
		reasoningEffort: EffortNone,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze prepends the system instruction to history, sends the whole
// conversation and returns the reply parsed as a JSON object.
func (c *Client) Analyze(ctx context.Context, history []Message, systemInstruction string) (json.RawMessage, error) {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: systemInstruction})
	messages = append(messages, history...)

	return c.Complete(ctx, Request{
		Messages:        messages,
		Model:           c.model,
		ReasoningEffort: c.reasoningEffort,
	})
}

// Complete sends req as-is (after model shaping) and parses the first
// choice's content as a JSON object.
func (c *Client) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	body, err := json.Marshal(BuildChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("completion: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("completion: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamStatus, resp.StatusCode, upstreamMessage(respBody))
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrMalformedResponse, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	return ParseObject(chatResp.Choices[0].Message.Content)
}

// upstreamMessage extracts error.message from an upstream error body, falling
// back to a truncated raw body.
func upstreamMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	const maxLen = 200
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
