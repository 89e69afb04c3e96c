package completion

import "slices"

// DefaultModel is used when a request does not name one.
const DefaultModel = "gpt-5.1"

// EffortNone is the sentinel reasoning effort meaning "do not send the parameter".
const EffortNone = "none"

const (
	reasoningTemperature = 1.0
	creativeTemperature  = 0.7
)

type modelProfile struct {
	// reasoning models only accept the neutral temperature.
	reasoning bool
	// acceptsEffort models take an optional reasoning_effort hint.
	acceptsEffort bool
}

var modelProfiles = map[string]modelProfile{
	"gpt-5.1":      {reasoning: true, acceptsEffort: true},
	"gpt-5-mini":   {reasoning: true},
	"gpt-4.1":      {},
	"gpt-4.1-mini": {},
	"gpt-4o":       {},
	"gpt-4o-mini":  {},
}

// ReasoningEfforts lists the accepted reasoning effort values.
var ReasoningEfforts = []string{EffortNone, "low", "medium", "high"}

// AllowedModels returns the model allow-list in a stable order.
func AllowedModels() []string {
	models := make([]string, 0, len(modelProfiles))
	for m := range modelProfiles {
		models = append(models, m)
	}
	slices.Sort(models)
	return models
}

// IsAllowedModel reports whether model is on the allow-list.
func IsAllowedModel(model string) bool {
	_, ok := modelProfiles[model]
	return ok
}

// IsValidEffort reports whether effort is an accepted reasoning effort value.
func IsValidEffort(effort string) bool {
	return slices.Contains(ReasoningEfforts, effort)
}

// BuildChatRequest shapes an upstream request for the given model. Reasoning
// models get the neutral temperature; only effort-capable models receive
// reasoning_effort, and never when it is EffortNone. This mirrors a hard
// constraint of the upstream API family.
func BuildChatRequest(req Request) ChatRequest {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	profile := modelProfiles[model]

	temperature := creativeTemperature
	if profile.reasoning {
		temperature = reasoningTemperature
	}

	out := ChatRequest{
		Model:          model,
		Messages:       req.Messages,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
		Temperature:    &temperature,
	}
	if profile.acceptsEffort && req.ReasoningEffort != "" && req.ReasoningEffort != EffortNone {
		out.ReasoningEffort = req.ReasoningEffort
	}
	return out
}
