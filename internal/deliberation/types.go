package deliberation

import (
	"errors"

	"github.com/ashureev/magi/internal/completion"
)

// Sentinel errors returned by the orchestrator and session.
var (
	ErrSessionBusy     = errors.New("deliberation: session already has a deliberation in flight")
	ErrNoEnabledAgents = errors.New("deliberation: no enabled agents")
	ErrEmptyTopic      = errors.New("deliberation: topic is empty")
	ErrStaleSession    = errors.New("deliberation: session was reset while calls were in flight")
	ErrUnknownAgent    = errors.New("deliberation: unknown agent")
	ErrUnknownPersona  = errors.New("deliberation: unknown persona")
)

// Decision is one agent's verdict label.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionDeny    Decision = "DENY"
	DecisionError   Decision = "ERROR"
)

// Outcome is the collective decision of the council.
type Outcome string

const (
	OutcomeApproved Outcome = "APPROVED"
	OutcomeDenied   Outcome = "DENIED"
	OutcomePending  Outcome = "PENDING"
)

// Phase is a state of the deliberation state machine.
type Phase string

const (
	PhaseIdle           Phase = "IDLE"
	PhaseAnalysis       Phase = "ANALYSIS"
	PhaseSimpleAnalysis Phase = "SIMPLE_ANALYSIS"
	PhaseCrossReview    Phase = "CROSS_REVIEW"
	PhaseJudgment       Phase = "JUDGMENT"
	PhaseConsensus      Phase = "CONSENSUS"
	PhaseDone           Phase = "DONE"
)

// recordsVerdict reports whether results of p update an agent's LastVerdict.
func (p Phase) recordsVerdict() bool {
	return p == PhaseAnalysis || p == PhaseJudgment || p == PhaseSimpleAnalysis
}

// Verdict is a structured decision with its reasoning.
type Verdict struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// Agent is one council member. History is append-only for the lifetime of
// the session and is re-sent on every call.
type Agent struct {
	ID          int
	PersonaID   string
	Enabled     bool
	History     []completion.Message
	LastVerdict *Verdict
}

// AgentResult is one agent's settled output for a phase. Verdict is nil for
// CROSS_REVIEW, where only Opinion is produced.
type AgentResult struct {
	AgentID   int      `json:"agentId"`
	PersonaID string   `json:"personaId"`
	Phase     Phase    `json:"phase"`
	Verdict   *Verdict `json:"verdict,omitempty"`
	Opinion   string   `json:"opinion,omitempty"`
	Err       error    `json:"-"`
}

// Failed reports whether the call behind this result did not produce a usable answer.
func (r AgentResult) Failed() bool {
	return r.Err != nil
}

// Text returns the human-readable content of the result.
func (r AgentResult) Text() string {
	if r.Verdict != nil {
		return r.Verdict.Reason
	}
	return r.Opinion
}

// DecisionLabel returns the verdict decision, or empty for opinion-only results.
func (r AgentResult) DecisionLabel() Decision {
	if r.Verdict == nil {
		if r.Err != nil {
			return DecisionError
		}
		return ""
	}
	return r.Verdict.Decision
}

// ConsensusReport is the single synthesized summary produced after judgment.
type ConsensusReport struct {
	Summary string `json:"summary"`
	Reason  string `json:"reason"`
	Action  string `json:"action"`
}

// Result is everything one deliberation produced. Per-phase slices are
// ordered by ascending agent ID.
type Result struct {
	SessionID    string
	Topic        string
	Outcome      Outcome
	Analysis     []AgentResult
	CrossReview  []AgentResult
	Judgment     []AgentResult
	Consensus    *ConsensusReport
	ConsensusErr error
	HistoryID    string
	PersistErr   error
}
