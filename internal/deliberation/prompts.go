package deliberation

import (
	"fmt"
	"strings"
)

const verdictFormat = `Respond ONLY with a JSON object of the form {"decision": "APPROVE" | "DENY", "reason": "..."}.`

const consensusSystemPrompt = `You are the MAGI consensus synthesizer. You receive the final decisions of every council member on one topic.
Write a neutral synthesis of their positions. Respond ONLY with a JSON object of the form
{"summary": "...", "reason": "...", "action": "..."} where summary condenses the council's view, reason explains
the collective outcome and action recommends the next concrete step.`

// systemInstruction is the persona prompt plus the structured output contract.
func systemInstruction(p Persona) string {
	return p.SystemPrompt + "\n\n" + verdictFormat
}

// analysisPrompt carries the topic plus a length limit that is sent upstream
// but never shown as the topic itself.
func analysisPrompt(topic string, charLimit int) string {
	if charLimit <= 0 {
		return topic
	}
	return fmt.Sprintf("%s\n\n(Keep the reason under %d characters.)", topic, charLimit)
}

// crossReviewPrompt embeds every other agent's analysis reason, excluding self.
func crossReviewPrompt(self int, analysis []AgentResult, charLimit int) string {
	var sb strings.Builder
	sb.WriteString("The other council members gave these opinions:\n")
	n := 0
	for _, r := range analysis {
		if r.AgentID == self || r.Failed() || r.Verdict == nil {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", personaName(r.PersonaID), r.Verdict.Reason)
		n++
	}
	if n == 0 {
		sb.WriteString("- (no other opinions are available)\n")
	}
	sb.WriteString("\nReact to their opinions from your own perspective. Do not finalize your decision yet; " +
		"put your reaction in \"reason\" and your current leaning in \"decision\".")
	if charLimit > 0 {
		fmt.Fprintf(&sb, " Keep the reason under %d characters.", charLimit)
	}
	return sb.String()
}

func judgmentPrompt(charLimit int) string {
	p := "Considering the whole discussion so far, commit to your FINAL decision on the topic."
	if charLimit > 0 {
		p += fmt.Sprintf(" Keep the reason under %d characters.", charLimit)
	}
	return p
}

func consensusPrompt(topic string, judgment []AgentResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s\n\nFinal decisions:\n", topic)
	for _, r := range judgment {
		fmt.Fprintf(&sb, "- %s: %s (%s)\n", personaName(r.PersonaID), r.DecisionLabel(), r.Text())
	}
	return sb.String()
}
