package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ashureev/magi/internal/deliberation"
	"github.com/ashureev/magi/internal/domain"
	"github.com/ashureev/magi/internal/event"
)

var phaseTitles = map[string]string{
	string(deliberation.PhaseAnalysis):       "Phase 1: Analysis",
	string(deliberation.PhaseCrossReview):    "Phase 2: Cross-review",
	string(deliberation.PhaseJudgment):       "Phase 3: Judgment",
	string(deliberation.PhaseConsensus):      "Phase 4: Consensus",
	string(deliberation.PhaseSimpleAnalysis): "Analysis",
}

// printer renders bus events as terminal output.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	prompt bool
}

func newPrinter(w io.Writer, prompt bool) *printer {
	return &printer{w: w, prompt: prompt}
}

func (p *printer) handle(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev := e.(type) {
	case event.PhaseChangedEvent:
		if title, ok := phaseTitles[ev.Phase]; ok {
			fmt.Fprintf(p.w, "\n=== %s ===\n", title)
		}
	case event.AgentResultEvent:
		fmt.Fprintf(p.w, "[%d %s]", ev.AgentID, agentName(ev.PersonaID))
		if ev.Decision != "" {
			fmt.Fprintf(p.w, " %s", ev.Decision)
		}
		fmt.Fprintf(p.w, ": %s\n", ev.Content)
	case event.PhaseCompletedEvent:
		if ev.Failures > 0 {
			fmt.Fprintf(p.w, "(%d of %d agents failed)\n", ev.Failures, ev.Agents)
		}
	case event.AwaitingProceedEvent:
		if p.prompt {
			fmt.Fprintf(p.w, "\nPress Enter to continue to %s...\n", ev.NextPhase)
		}
	case event.OutcomeEvent:
		fmt.Fprintf(p.w, "\nDecision: %s (approve %d, deny %d)\n", ev.Outcome, ev.Approve, ev.Deny)
	case event.ConsensusEvent:
		if ev.Err != "" {
			fmt.Fprintln(p.w, "Consensus unavailable; the decision above stands.")
			return
		}
		fmt.Fprintf(p.w, "Summary: %s\nReason:  %s\nAction:  %s\n", ev.Summary, ev.Reason, ev.Action)
	case event.HistoryPersistedEvent:
		if ev.Err != "" {
			fmt.Fprintln(p.w, "Warning: failed to save history entry.")
		}
	}
}

func agentName(personaID string) string {
	if persona, ok := deliberation.LookupPersona(personaID); ok {
		return persona.Name
	}
	return personaID
}

// printHistory renders persisted entries, newest first.
func printHistory(w io.Writer, entries []domain.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No deliberations recorded.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-8s  %s\n", e.Timestamp.Local().Format("2006-01-02 15:04"), e.Result, oneLine(e.Topic, 72))
	}
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return s
}
