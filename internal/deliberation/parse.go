package deliberation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// errorRecord is appended as the assistant turn when an agent call fails, so
// history never ends with an unanswered user turn.
const errorRecord = `{"decision":"ERROR","reason":"response unavailable"}`

// ParseDecision normalizes an upstream decision label. Japanese council
// labels are accepted alongside the English ones; anything else is ERROR.
func ParseDecision(label string) Decision {
	l := strings.ToUpper(strings.TrimSpace(label))
	switch {
	case strings.Contains(l, "承認"), strings.HasPrefix(l, "APPROVE"):
		return DecisionApprove
	case strings.Contains(l, "否定"), strings.HasPrefix(l, "DENY"), strings.HasPrefix(l, "DENIE"), strings.HasPrefix(l, "REJECT"):
		return DecisionDeny
	default:
		return DecisionError
	}
}

type rawVerdict struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Opinion  string `json:"opinion"`
}

func parseVerdict(raw json.RawMessage) (Verdict, error) {
	var rv rawVerdict
	if err := json.Unmarshal(raw, &rv); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	reason := rv.Reason
	if reason == "" {
		reason = rv.Opinion
	}
	return Verdict{Decision: ParseDecision(rv.Decision), Reason: reason}, nil
}

func parseOpinion(raw json.RawMessage) (string, error) {
	v, err := parseVerdict(raw)
	if err != nil {
		return "", err
	}
	if v.Reason == "" {
		return "", fmt.Errorf("decode opinion: empty reason")
	}
	return v.Reason, nil
}

func parseConsensus(raw json.RawMessage) (ConsensusReport, error) {
	var r ConsensusReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return ConsensusReport{}, fmt.Errorf("decode consensus: %w", err)
	}
	if r.Summary == "" && r.Reason == "" && r.Action == "" {
		return ConsensusReport{}, fmt.Errorf("decode consensus: empty report")
	}
	return r, nil
}
