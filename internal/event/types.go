package event

import "time"

// Event types published by the orchestrator.
const (
	TypePhaseChanged     = "phase.changed"
	TypeAgentResult      = "agent.result"
	TypePhaseCompleted   = "phase.completed"
	TypeAwaitingProceed  = "session.awaiting_proceed"
	TypeOutcome          = "deliberation.decided"
	TypeConsensus        = "consensus.completed"
	TypeSessionReset     = "session.reset"
	TypeHistoryPersisted = "history.persisted"
)

// Event is implemented by everything published on a Bus.
type Event interface {
	EventType() string
	Timestamp() time.Time
	// Source returns the ID of the session the event belongs to.
	Source() string
}

type baseEvent struct {
	eventType string
	at        time.Time
	SessionID string `json:"sessionId"`
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.at }
func (e baseEvent) Source() string       { return e.SessionID }

func newBase(eventType, sessionID string) baseEvent {
	return baseEvent{eventType: eventType, at: time.Now(), SessionID: sessionID}
}

// PhaseChangedEvent is published when a session enters a new phase.
type PhaseChangedEvent struct {
	baseEvent
	Phase string `json:"phase"`
	Topic string `json:"topic,omitempty"`
}

// NewPhaseChangedEvent creates a PhaseChangedEvent.
func NewPhaseChangedEvent(sessionID, phase, topic string) PhaseChangedEvent {
	return PhaseChangedEvent{baseEvent: newBase(TypePhaseChanged, sessionID), Phase: phase, Topic: topic}
}

// AgentResultEvent carries one agent's settled result for a phase. Within a
// phase these are published in ascending AgentID order.
type AgentResultEvent struct {
	baseEvent
	Phase     string `json:"phase"`
	AgentID   int    `json:"agentId"`
	PersonaID string `json:"personaId"`
	Decision  string `json:"decision,omitempty"`
	Content   string `json:"content"`
	Failed    bool   `json:"failed,omitempty"`
}

// NewAgentResultEvent creates an AgentResultEvent.
func NewAgentResultEvent(sessionID, phase string, agentID int, personaID, decision, content string, failed bool) AgentResultEvent {
	return AgentResultEvent{
		baseEvent: newBase(TypeAgentResult, sessionID),
		Phase:     phase,
		AgentID:   agentID,
		PersonaID: personaID,
		Decision:  decision,
		Content:   content,
		Failed:    failed,
	}
}

// PhaseCompletedEvent is published once every call of a phase has settled.
type PhaseCompletedEvent struct {
	baseEvent
	Phase    string        `json:"phase"`
	Agents   int           `json:"agents"`
	Failures int           `json:"failures"`
	Duration time.Duration `json:"durationNs"`
}

// NewPhaseCompletedEvent creates a PhaseCompletedEvent.
func NewPhaseCompletedEvent(sessionID, phase string, agents, failures int, d time.Duration) PhaseCompletedEvent {
	return PhaseCompletedEvent{
		baseEvent: newBase(TypePhaseCompleted, sessionID),
		Phase:     phase,
		Agents:    agents,
		Failures:  failures,
		Duration:  d,
	}
}

// AwaitingProceedEvent is published when a session suspends before NextPhase.
type AwaitingProceedEvent struct {
	baseEvent
	NextPhase string `json:"nextPhase"`
}

// NewAwaitingProceedEvent creates an AwaitingProceedEvent.
func NewAwaitingProceedEvent(sessionID, nextPhase string) AwaitingProceedEvent {
	return AwaitingProceedEvent{baseEvent: newBase(TypeAwaitingProceed, sessionID), NextPhase: nextPhase}
}

// OutcomeEvent carries the collective decision of a deliberation.
type OutcomeEvent struct {
	baseEvent
	Topic   string `json:"topic"`
	Outcome string `json:"outcome"`
	Approve int    `json:"approve"`
	Deny    int    `json:"deny"`
}

// NewOutcomeEvent creates an OutcomeEvent.
func NewOutcomeEvent(sessionID, topic, outcome string, approve, deny int) OutcomeEvent {
	return OutcomeEvent{
		baseEvent: newBase(TypeOutcome, sessionID),
		Topic:     topic,
		Outcome:   outcome,
		Approve:   approve,
		Deny:      deny,
	}
}

// HistoryPersistedEvent reports the outcome of writing the history entry.
type HistoryPersistedEvent struct {
	baseEvent
	EntryID string `json:"entryId"`
	Err     string `json:"error,omitempty"`
}

// NewHistoryPersistedEvent creates a HistoryPersistedEvent.
func NewHistoryPersistedEvent(sessionID, entryID string, err error) HistoryPersistedEvent {
	e := HistoryPersistedEvent{baseEvent: newBase(TypeHistoryPersisted, sessionID), EntryID: entryID}
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

// ConsensusEvent carries the synthesized consensus report, or the reason it
// could not be produced.
type ConsensusEvent struct {
	baseEvent
	Summary string `json:"summary,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Action  string `json:"action,omitempty"`
	Err     string `json:"error,omitempty"`
}

// NewConsensusEvent creates a ConsensusEvent.
func NewConsensusEvent(sessionID, summary, reason, action string, err error) ConsensusEvent {
	e := ConsensusEvent{
		baseEvent: newBase(TypeConsensus, sessionID),
		Summary:   summary,
		Reason:    reason,
		Action:    action,
	}
	if err != nil {
		e.Err = err.Error()
	}
	return e
}

// SessionResetEvent is published after a session has been reset.
type SessionResetEvent struct {
	baseEvent
}

// NewSessionResetEvent creates a SessionResetEvent.
func NewSessionResetEvent(sessionID string) SessionResetEvent {
	return SessionResetEvent{baseEvent: newBase(TypeSessionReset, sessionID)}
}
