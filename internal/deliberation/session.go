package deliberation

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/ashureev/magi/internal/completion"
	"github.com/google/uuid"
)

// Session is the state of one council: its agents, the topic in flight and
// the current phase. All state is guarded by mu; agent histories are only
// mutated at phase join points.
type Session struct {
	ID string

	mu            sync.Mutex
	agents        []*Agent // ascending ID
	topic         string
	phase         Phase
	phaseResults  map[int]AgentResult
	finalDecision Outcome
	report        *ConsensusReport

	// generation is bumped by Reset; joins under an older value are discarded.
	generation uint64
	busy       bool
	cancelRun  context.CancelFunc
}

// NewSession creates a session with agentCount enabled agents (IDs 1..n),
// assigning personaIDs in order and cycling the default catalog for the rest.
func NewSession(agentCount int, personaIDs ...string) *Session {
	if agentCount < 1 {
		agentCount = 1
	}
	agents := make([]Agent, agentCount)
	for i := range agentCount {
		persona := defaultPersonas[i%len(defaultPersonas)].ID
		if i < len(personaIDs) && personaIDs[i] != "" {
			persona = personaIDs[i]
		}
		agents[i] = Agent{ID: i + 1, PersonaID: persona, Enabled: true}
	}
	return NewSessionWithAgents(agents)
}

// NewSessionWithAgents creates a session from explicit agents. IDs must be unique.
func NewSessionWithAgents(agents []Agent) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		phase:        PhaseIdle,
		phaseResults: make(map[int]AgentResult),
	}
	for i := range agents {
		a := agents[i]
		a.History = slices.Clone(a.History)
		s.agents = append(s.agents, &a)
	}
	slices.SortFunc(s.agents, func(a, b *Agent) int { return a.ID - b.ID })
	return s
}

// AgentView is a read-only copy of an agent.
type AgentView struct {
	ID          int      `json:"id"`
	PersonaID   string   `json:"personaId"`
	Enabled     bool     `json:"enabled"`
	HistoryLen  int      `json:"historyLen"`
	LastVerdict *Verdict `json:"lastVerdict,omitempty"`
}

// Snapshot is a consistent read-only copy of the session state.
type Snapshot struct {
	ID            string           `json:"id"`
	Topic         string           `json:"topic"`
	Phase         Phase            `json:"phase"`
	Busy          bool             `json:"busy"`
	Agents        []AgentView      `json:"agents"`
	PhaseResults  []AgentResult    `json:"phaseResults"`
	FinalDecision Outcome          `json:"finalDecision,omitempty"`
	Consensus     *ConsensusReport `json:"consensus,omitempty"`
}

// Snapshot returns the current state. PhaseResults are sorted by agent ID.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:            s.ID,
		Topic:         s.topic,
		Phase:         s.phase,
		Busy:          s.busy,
		FinalDecision: s.finalDecision,
		PhaseResults:  sortedResults(s.phaseResults),
	}
	if s.report != nil {
		r := *s.report
		snap.Consensus = &r
	}
	for _, a := range s.agents {
		v := AgentView{ID: a.ID, PersonaID: a.PersonaID, Enabled: a.Enabled, HistoryLen: len(a.History)}
		if a.LastVerdict != nil {
			lv := *a.LastVerdict
			v.LastVerdict = &lv
		}
		snap.Agents = append(snap.Agents, v)
	}
	return snap
}

// History returns a copy of one agent's conversation.
func (s *Session) History(agentID int) ([]completion.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.agentLocked(agentID)
	if a == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAgent, agentID)
	}
	return slices.Clone(a.History), nil
}

// SetEnabled includes or excludes an agent from future phases.
func (s *Session) SetEnabled(agentID int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return ErrSessionBusy
	}
	a := s.agentLocked(agentID)
	if a == nil {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, agentID)
	}
	a.Enabled = enabled
	return nil
}

// SetPersona binds an agent to a persona from the catalog.
func (s *Session) SetPersona(agentID int, personaID string) error {
	if _, ok := LookupPersona(personaID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPersona, personaID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return ErrSessionBusy
	}
	a := s.agentLocked(agentID)
	if a == nil {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, agentID)
	}
	a.PersonaID = personaID
	return nil
}

// Reset clears every agent's memory and the session state. A deliberation in
// flight is orphaned: its gate wait is cancelled and its late results are
// discarded, but its upstream calls are not interrupted.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	s.busy = false
	s.topic = ""
	s.phase = PhaseIdle
	s.phaseResults = make(map[int]AgentResult)
	s.finalDecision = ""
	s.report = nil
	for _, a := range s.agents {
		a.History = nil
		a.LastVerdict = nil
	}
}

func (s *Session) agentLocked(id int) *Agent {
	for _, a := range s.agents {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// begin claims the session for one deliberation and returns its generation
// and a context that Reset cancels.
func (s *Session) begin(ctx context.Context, topic string) (uint64, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return 0, nil, ErrSessionBusy
	}
	enabled := 0
	for _, a := range s.agents {
		if a.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return 0, nil, ErrNoEnabledAgents
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancelRun = cancel
	s.topic = topic
	s.finalDecision = ""
	s.report = nil
	return s.generation, runCtx, nil
}

// end releases the session if gen is still current.
func (s *Session) end(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return
	}
	s.busy = false
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

func (s *Session) enterPhase(gen uint64, phase Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return ErrStaleSession
	}
	s.phase = phase
	s.phaseResults = make(map[int]AgentResult)
	return nil
}

// agentCall is one dispatched upstream call and the user turn it carries.
type agentCall struct {
	agentID   int
	personaID string
	prompt    string
	system    string
	history   []completion.Message
}

// prepareCalls snapshots every enabled agent's history with promptFor's user
// turn appended. Nothing is written to the agents until commit.
func (s *Session) prepareCalls(gen uint64, promptFor func(agentID int) string) ([]agentCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return nil, ErrStaleSession
	}
	var calls []agentCall
	for _, a := range s.agents {
		if !a.Enabled {
			continue
		}
		persona, ok := LookupPersona(a.PersonaID)
		if !ok {
			persona = defaultPersonas[0]
		}
		prompt := promptFor(a.ID)
		history := make([]completion.Message, 0, len(a.History)+1)
		history = append(history, a.History...)
		history = append(history, completion.Message{Role: completion.RoleUser, Content: prompt})
		calls = append(calls, agentCall{
			agentID:   a.ID,
			personaID: a.PersonaID,
			prompt:    prompt,
			system:    systemInstruction(persona),
			history:   history,
		})
	}
	if len(calls) == 0 {
		return nil, ErrNoEnabledAgents
	}
	return calls, nil
}

type callOutcome struct {
	raw json.RawMessage
	err error
}

// commit applies settled calls to agent histories and phase results. Every
// dispatched user turn gets a matching assistant turn, the response or an
// explicit error record.
func (s *Session) commit(gen uint64, phase Phase, calls []agentCall, outcomes map[int]callOutcome) ([]AgentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return nil, ErrStaleSession
	}

	for _, c := range calls {
		a := s.agentLocked(c.agentID)
		if a == nil {
			continue
		}
		out := outcomes[c.agentID]
		res := AgentResult{AgentID: c.agentID, PersonaID: c.personaID, Phase: phase}
		assistant := errorRecord

		if out.err == nil {
			assistant = string(out.raw)
			if phase.recordsVerdict() {
				v, err := parseVerdict(out.raw)
				if err != nil {
					res.Err = err
				} else {
					res.Verdict = &v
				}
			} else {
				opinion, err := parseOpinion(out.raw)
				res.Opinion, res.Err = opinion, err
			}
		} else {
			res.Err = out.err
		}

		if res.Err != nil && phase.recordsVerdict() {
			res.Verdict = &Verdict{Decision: DecisionError, Reason: "response unavailable"}
		}
		if res.Err != nil && !phase.recordsVerdict() {
			res.Opinion = "response unavailable"
		}

		a.History = append(a.History,
			completion.Message{Role: completion.RoleUser, Content: c.prompt},
			completion.Message{Role: completion.RoleAssistant, Content: assistant},
		)
		if phase.recordsVerdict() {
			v := *res.Verdict
			a.LastVerdict = &v
		}
		s.phaseResults[c.agentID] = res
	}

	return sortedResults(s.phaseResults), nil
}

func (s *Session) decide(gen uint64, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return ErrStaleSession
	}
	s.finalDecision = outcome
	return nil
}

func (s *Session) finish(gen uint64, report *ConsensusReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen {
		return ErrStaleSession
	}
	s.report = report
	s.phase = PhaseDone
	return nil
}

func sortedResults(m map[int]AgentResult) []AgentResult {
	out := make([]AgentResult, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b AgentResult) int { return a.AgentID - b.AgentID })
	return out
}
