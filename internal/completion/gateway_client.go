package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GatewayClient runs analyses through the admission gateway's /analyze
// endpoint instead of calling the upstream directly.
type GatewayClient struct {
	httpClient      *http.Client
	baseURL         string
	origin          string
	model           string
	reasoningEffort string
}

// AnalyzeRequest is the body accepted by POST /analyze.
type AnalyzeRequest struct {
	Messages        []Message `json:"messages"`
	Model           string    `json:"model,omitempty"`
	ReasoningEffort string    `json:"reasoningEffort,omitempty"`
}

// NewGatewayClient creates a client for the gateway rooted at baseURL. origin
// is sent as the Origin header when non-empty.
func NewGatewayClient(baseURL, origin, model, reasoningEffort string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GatewayClient{
		httpClient:      &http.Client{Timeout: timeout},
		baseURL:         strings.TrimRight(baseURL, "/"),
		origin:          origin,
		model:           model,
		reasoningEffort: reasoningEffort,
	}
}

// Analyze sends the system instruction and history to the gateway.
func (g *GatewayClient) Analyze(ctx context.Context, history []Message, systemInstruction string) (json.RawMessage, error) {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: systemInstruction})
	messages = append(messages, history...)

	body, err := json.Marshal(AnalyzeRequest{
		Messages:        messages,
		Model:           g.model,
		ReasoningEffort: g.reasoningEffort,
	})
	if err != nil {
		return nil, fmt.Errorf("completion: encode gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("completion: build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.origin != "" {
		req.Header.Set("Origin", g.origin)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return ParseObject(string(respBody))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, gatewayMessage(respBody))
	case resp.StatusCode == http.StatusBadGateway:
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, gatewayMessage(respBody))
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamStatus, resp.StatusCode, gatewayMessage(respBody))
	}
}

func gatewayMessage(body []byte) string {
	var payload struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return strings.TrimSpace(string(body))
	}
	if len(payload.Details) > 0 {
		return payload.Error + ": " + strings.Join(payload.Details, "; ")
	}
	return payload.Error
}
