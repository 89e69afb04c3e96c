package completion

// Roles accepted in a message sequence.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a role-tagged chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat selects the upstream structured-output mode.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model           string          `json:"model"`
	Messages        []Message       `json:"messages"`
	ResponseFormat  *ResponseFormat `json:"response_format,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
}

// ChatResponse represents a response from the chat completions endpoint.
type ChatResponse struct {
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice.
type Choice struct {
	Message Message `json:"message"`
}

// Request is one completion call as seen by callers: the full message
// sequence plus the model selection.
type Request struct {
	Messages        []Message
	Model           string
	ReasoningEffort string
}
