package deliberation

// Tally counts approve and deny decisions; ERROR and empty labels count as neither.
func Tally(decisions []Decision) (approve, deny int) {
	for _, d := range decisions {
		switch d {
		case DecisionApprove:
			approve++
		case DecisionDeny:
			deny++
		}
	}
	return approve, deny
}

// Aggregate maps per-agent decisions to the collective outcome by simple
// majority. Ties, the empty set and all-ERROR sets yield PENDING. The result
// does not depend on input order.
func Aggregate(decisions []Decision) Outcome {
	approve, deny := Tally(decisions)
	switch {
	case approve > deny:
		return OutcomeApproved
	case deny > approve:
		return OutcomeDenied
	default:
		return OutcomePending
	}
}

func decisionsOf(results []AgentResult) []Decision {
	out := make([]Decision, 0, len(results))
	for _, r := range results {
		out = append(out, r.DecisionLabel())
	}
	return out
}
