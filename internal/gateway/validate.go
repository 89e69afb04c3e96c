package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/magi/internal/completion"
)

// Limits bound the shape of an /analyze request.
type Limits struct {
	MaxMessages     int
	MaxPayloadBytes int
}

// DefaultLimits are the gateway's admission bounds.
var DefaultLimits = Limits{MaxMessages: 50, MaxPayloadBytes: 50 * 1024}

// ValidationError lists every problem found in a request body.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Details, "; ")
}

// analyzeBody is decoded loosely so type mismatches become validation
// details rather than a decode failure.
type analyzeBody struct {
	Messages        json.RawMessage `json:"messages"`
	Model           any             `json:"model"`
	ReasoningEffort any             `json:"reasoningEffort"`
}

var allowedRoles = map[string]bool{
	completion.RoleSystem:    true,
	completion.RoleUser:      true,
	completion.RoleAssistant: true,
}

// Validate decodes body into a completion request, applying defaultModel when
// the caller omitted the model.
func Validate(body []byte, limits Limits, defaultModel string) (completion.Request, error) {
	var raw analyzeBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return completion.Request{}, &ValidationError{Details: []string{"Invalid JSON body"}}
	}

	var details []string
	messages, msgDetails := validateMessages(raw.Messages, limits)
	details = append(details, msgDetails...)

	model := defaultModel
	switch v := raw.Model.(type) {
	case nil:
	case string:
		if v != "" {
			model = v
		}
	default:
		model = ""
	}
	if !completion.IsAllowedModel(model) {
		details = append(details, "Invalid model")
	}

	effort := ""
	switch v := raw.ReasoningEffort.(type) {
	case nil:
	case string:
		effort = v
		if !completion.IsValidEffort(v) {
			details = append(details, "Invalid reasoningEffort")
		}
	default:
		details = append(details, "Invalid reasoningEffort")
	}

	if len(details) > 0 {
		return completion.Request{}, &ValidationError{Details: details}
	}
	return completion.Request{Messages: messages, Model: model, ReasoningEffort: effort}, nil
}

func validateMessages(raw json.RawMessage, limits Limits) ([]completion.Message, []string) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, []string{"messages is required"}
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, []string{"messages must be an array of {role, content} objects"}
	}
	if len(items) == 0 {
		return nil, []string{"messages must not be empty"}
	}
	if limits.MaxMessages > 0 && len(items) > limits.MaxMessages {
		return nil, []string{fmt.Sprintf("Too many messages (max %d)", limits.MaxMessages)}
	}

	var details []string
	messages := make([]completion.Message, 0, len(items))
	for i, item := range items {
		role, ok := item["role"].(string)
		if !ok || !allowedRoles[role] {
			details = append(details, fmt.Sprintf("messages[%d].role must be one of system, user, assistant", i))
		}
		content, ok := item["content"].(string)
		if !ok {
			details = append(details, fmt.Sprintf("messages[%d].content must be a string", i))
		}
		messages = append(messages, completion.Message{Role: role, Content: content})
	}
	if len(details) > 0 {
		return nil, details
	}

	if limits.MaxPayloadBytes > 0 {
		size, err := encodedSize(messages)
		if err != nil || size > limits.MaxPayloadBytes {
			return nil, []string{"Payload too large"}
		}
	}
	return messages, nil
}

// encodedSize is the compact JSON length of messages without HTML escaping,
// so <, > and & count as one byte each.
func encodedSize(messages []completion.Message) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(messages); err != nil {
		return 0, err
	}
	return len(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}
