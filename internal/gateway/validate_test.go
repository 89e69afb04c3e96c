package gateway

import (
	"errors"
	"strings"
	"testing"
)

// envelope is the compact encoding of one user message minus its content.
const envelope = len(`[{"role":"user","content":""}]`)

func userBody(content string) []byte {
	return []byte(`{"messages":[{"role":"user","content":"` + content + `"}]}`)
}

func TestValidate_MarkupCountsAsWritten(t *testing.T) {
	// About 10 KB of markup; escaped as \u003c and friends it would be 60 KB.
	content := strings.Repeat("<&>", 3400)

	req, err := Validate(userBody(content), DefaultLimits, "gpt-5.1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != content {
		t.Errorf("content not preserved (%d messages)", len(req.Messages))
	}
}

func TestValidate_PayloadBoundary(t *testing.T) {
	limit := DefaultLimits.MaxPayloadBytes

	atLimit := strings.Repeat("<", limit-envelope)
	if _, err := Validate(userBody(atLimit), DefaultLimits, "gpt-5.1"); err != nil {
		t.Errorf("payload at the limit rejected: %v", err)
	}

	overLimit := strings.Repeat("<", limit-envelope+1)
	_, err := Validate(userBody(overLimit), DefaultLimits, "gpt-5.1")
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Details) != 1 || verr.Details[0] != "Payload too large" {
		t.Errorf("expected Payload too large, got %v", err)
	}
}
