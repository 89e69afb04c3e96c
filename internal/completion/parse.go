package completion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ParseObject validates that content is a single JSON object and returns it
// compacted. A fenced ```json block is unwrapped first. Anything else fails
// with ErrMalformedResponse; partial data is never returned.
func ParseObject(content string) (json.RawMessage, error) {
	raw := strings.TrimSpace(content)
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 && !strings.HasPrefix(raw, "{") {
		raw = strings.TrimSpace(m[1])
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: content is not an object", ErrMalformedResponse)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
