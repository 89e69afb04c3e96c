package deliberation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/magi/internal/completion"
	"github.com/ashureev/magi/internal/domain"
	"github.com/ashureev/magi/internal/event"
)

// fakeCall is one recorded Analyze invocation.
type fakeCall struct {
	persona string
	phase   Phase
	history []completion.Message
}

// fakeAnalyzer answers by persona and phase and records a start/end timeline.
type fakeAnalyzer struct {
	mu       sync.Mutex
	calls    []fakeCall
	timeline []string
	respond  func(c fakeCall) (json.RawMessage, error)
}

func personaOf(system string) string {
	for _, p := range defaultPersonas {
		if strings.HasPrefix(system, p.SystemPrompt) {
			return p.ID
		}
	}
	return ""
}

func phaseOf(system string, history []completion.Message) Phase {
	if system == consensusSystemPrompt {
		return PhaseConsensus
	}
	last := history[len(history)-1].Content
	switch {
	case strings.HasPrefix(last, "The other council members"):
		return PhaseCrossReview
	case strings.HasPrefix(last, "Considering the whole discussion"):
		return PhaseJudgment
	default:
		return PhaseAnalysis
	}
}

func (f *fakeAnalyzer) Analyze(_ context.Context, history []completion.Message, system string) (json.RawMessage, error) {
	c := fakeCall{persona: personaOf(system), phase: phaseOf(system, history), history: history}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.timeline = append(f.timeline, "start:"+string(c.phase)+":"+c.persona)
	f.mu.Unlock()

	raw, err := f.respond(c)

	f.mu.Lock()
	f.timeline = append(f.timeline, "end:"+string(c.phase)+":"+c.persona)
	f.mu.Unlock()
	return raw, err
}

func (f *fakeAnalyzer) callsIn(phase Phase) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.phase == phase {
			out = append(out, c)
		}
	}
	return out
}

func verdictJSON(decision, reason string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"decision":%q,"reason":%q}`, decision, reason))
}

var consensusJSON = json.RawMessage(`{"summary":"council agrees","reason":"majority approved","action":"ship it"}`)

// votes answers with a fixed decision per persona in every phase.
func votes(byPersona map[string]string) func(fakeCall) (json.RawMessage, error) {
	return func(c fakeCall) (json.RawMessage, error) {
		if c.phase == PhaseConsensus {
			return consensusJSON, nil
		}
		return verdictJSON(byPersona[c.persona], c.persona+" thinks so"), nil
	}
}

type fakeSink struct {
	mu      sync.Mutex
	entries []domain.HistoryEntry
	err     error
}

func (f *fakeSink) AppendHistory(_ context.Context, e domain.HistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestDeliberate_FullRun(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: votes(map[string]string{
		"scientist": "APPROVE", "mother": "承認", "woman": "DENY",
	})}
	sink := &fakeSink{}
	o := NewOrchestrator(analyzer, WithHistorySink(sink))
	s := NewSession(3)

	res, err := o.Deliberate(context.Background(), s, "  Should we build it?  ", AutoGate{})
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}

	if res.Topic != "Should we build it?" {
		t.Errorf("topic = %q, want trimmed", res.Topic)
	}
	if res.Outcome != OutcomeApproved {
		t.Errorf("outcome = %s, want APPROVED", res.Outcome)
	}
	if res.Consensus == nil || res.Consensus.Action != "ship it" {
		t.Errorf("unexpected consensus: %+v", res.Consensus)
	}
	if len(res.Analysis) != 3 || len(res.CrossReview) != 3 || len(res.Judgment) != 3 {
		t.Fatalf("unexpected result sizes: %d/%d/%d", len(res.Analysis), len(res.CrossReview), len(res.Judgment))
	}
	for _, r := range res.CrossReview {
		if r.Verdict != nil {
			t.Errorf("cross review must not record a verdict: %+v", r)
		}
		if r.Opinion == "" {
			t.Errorf("cross review opinion missing for agent %d", r.AgentID)
		}
	}

	snap := s.Snapshot()
	if snap.Phase != PhaseDone || snap.FinalDecision != OutcomeApproved || snap.Busy {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	for _, a := range snap.Agents {
		if a.HistoryLen != 6 {
			t.Errorf("agent %d history length = %d, want 6", a.ID, a.HistoryLen)
		}
	}

	if sink.count() != 1 {
		t.Fatalf("expected 1 history entry, got %d", sink.count())
	}
	entry := sink.entries[0]
	if entry.Result != "APPROVED" || entry.ID != res.HistoryID {
		t.Errorf("unexpected history entry: %+v", entry)
	}
	last := entry.Logs[len(entry.Logs)-1]
	if last.Type != domain.LogTypeFinalReport || last.Decision != "APPROVED" {
		t.Errorf("last log record = %+v, want final report", last)
	}

	if n := len(analyzer.callsIn(PhaseConsensus)); n != 1 {
		t.Errorf("expected a single consensus call, got %d", n)
	}
}

func TestDeliberate_AnalysisPromptCarriesLimitButHistoryIsPerAgent(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: votes(map[string]string{"scientist": "APPROVE", "mother": "DENY"})}
	o := NewOrchestrator(analyzer, WithCharLimit(120))
	s := NewSession(2)

	if _, err := o.Deliberate(context.Background(), s, "topic", AutoGate{}); err != nil {
		t.Fatalf("Deliberate: %v", err)
	}

	for _, c := range analyzer.callsIn(PhaseAnalysis) {
		if len(c.history) != 1 {
			t.Fatalf("first analysis call should carry only the topic, got %d messages", len(c.history))
		}
		if !strings.HasPrefix(c.history[0].Content, "topic") || !strings.Contains(c.history[0].Content, "120 characters") {
			t.Errorf("unexpected analysis prompt %q", c.history[0].Content)
		}
	}

	for _, c := range analyzer.callsIn(PhaseCrossReview) {
		prompt := c.history[len(c.history)-1].Content
		own := c.persona + " thinks so"
		if strings.Contains(prompt, own) {
			t.Errorf("cross review prompt for %s includes its own reason", c.persona)
		}
		for _, other := range []string{"scientist", "mother"} {
			if other != c.persona && !strings.Contains(prompt, other+" thinks so") {
				t.Errorf("cross review prompt for %s misses %s's reason", c.persona, other)
			}
		}
	}
}

func TestDeliberate_IsolatesAgentFailure(t *testing.T) {
	upstreamErr := errors.New("boom")
	analyzer := &fakeAnalyzer{respond: func(c fakeCall) (json.RawMessage, error) {
		if c.phase == PhaseConsensus {
			return consensusJSON, nil
		}
		if c.persona == "mother" && c.phase == PhaseAnalysis {
			return nil, upstreamErr
		}
		return verdictJSON("APPROVE", "fine"), nil
	}}
	o := NewOrchestrator(analyzer)
	s := NewSession(3)

	res, err := o.Deliberate(context.Background(), s, "topic", AutoGate{})
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}

	for _, r := range res.Analysis {
		if r.AgentID == 2 {
			if r.DecisionLabel() != DecisionError || !errors.Is(r.Err, upstreamErr) {
				t.Errorf("agent 2 should be ERROR, got %+v", r)
			}
			continue
		}
		if r.DecisionLabel() != DecisionApprove || r.Failed() {
			t.Errorf("agent %d should be unaffected, got %+v", r.AgentID, r)
		}
	}

	history, err := s.History(2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history[0].Role != completion.RoleUser || history[1].Role != completion.RoleAssistant || history[1].Content != errorRecord {
		t.Errorf("failed turn must be answered by an error record, got %+v", history[:2])
	}
	if len(history)%2 != 0 {
		t.Errorf("history has an orphaned user turn: %d messages", len(history))
	}
}

func TestDeliberate_ResultsOrderedByAgentID(t *testing.T) {
	delays := map[string]time.Duration{"woman": 0, "scientist": 20 * time.Millisecond, "mother": 40 * time.Millisecond}
	analyzer := &fakeAnalyzer{respond: func(c fakeCall) (json.RawMessage, error) {
		if c.phase == PhaseConsensus {
			return consensusJSON, nil
		}
		time.Sleep(delays[c.persona])
		return verdictJSON("DENY", c.persona), nil
	}}

	bus := event.NewBus()
	var mu sync.Mutex
	var emitted []int
	bus.Subscribe(event.TypeAgentResult, func(e event.Event) {
		ev := e.(event.AgentResultEvent)
		if ev.Phase == string(PhaseAnalysis) {
			mu.Lock()
			emitted = append(emitted, ev.AgentID)
			mu.Unlock()
		}
	})

	// Agent 3 finishes first, then 1, then 2.
	s := NewSessionWithAgents([]Agent{
		{ID: 3, PersonaID: "woman", Enabled: true},
		{ID: 1, PersonaID: "scientist", Enabled: true},
		{ID: 2, PersonaID: "mother", Enabled: true},
	})
	o := NewOrchestrator(analyzer, WithBus(bus))

	res, err := o.Deliberate(context.Background(), s, "topic", AutoGate{})
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}

	for i, r := range res.Analysis {
		if r.AgentID != i+1 {
			t.Errorf("analysis[%d].AgentID = %d, want %d", i, r.AgentID, i+1)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(emitted) != "[1 2 3]" {
		t.Errorf("emitted order = %v, want [1 2 3]", emitted)
	}
}

func TestDeliberate_PhaseBarrier(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: func(c fakeCall) (json.RawMessage, error) {
		if c.phase == PhaseConsensus {
			return consensusJSON, nil
		}
		if c.persona == "scientist" {
			time.Sleep(30 * time.Millisecond)
			if c.phase == PhaseAnalysis {
				return nil, errors.New("slow failure")
			}
		}
		return verdictJSON("APPROVE", "ok"), nil
	}}
	o := NewOrchestrator(analyzer)

	if _, err := o.Deliberate(context.Background(), NewSession(3), "topic", AutoGate{}); err != nil {
		t.Fatalf("Deliberate: %v", err)
	}

	order := []Phase{PhaseAnalysis, PhaseCrossReview, PhaseJudgment, PhaseConsensus}
	rank := map[Phase]int{}
	for i, p := range order {
		rank[p] = i
	}

	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()
	settled := map[Phase]int{}
	for _, step := range analyzer.timeline {
		parts := strings.SplitN(step, ":", 3)
		phase := Phase(parts[1])
		if parts[0] == "end" {
			settled[phase]++
			continue
		}
		for _, earlier := range order[:rank[phase]] {
			want := 3
			if earlier == PhaseConsensus {
				want = 1
			}
			if settled[earlier] != want {
				t.Fatalf("%s dispatched before %s settled (%d/%d): %v", phase, earlier, settled[earlier], want, analyzer.timeline)
			}
		}
	}
}

func TestDeliberate_ManualGateSuspends(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: votes(map[string]string{"scientist": "APPROVE", "mother": "APPROVE", "woman": "APPROVE"})}
	gate := NewManualGate()
	o := NewOrchestrator(analyzer)
	s := NewSession(3)

	done := make(chan error, 1)
	go func() {
		_, err := o.Deliberate(context.Background(), s, "topic", gate)
		done <- err
	}()

	for _, next := range []Phase{PhaseCrossReview, PhaseJudgment, PhaseConsensus} {
		waitForGate(t, gate, next)
		if n := len(analyzer.callsIn(next)); n != 0 {
			t.Fatalf("%s calls dispatched before proceed: %d", next, n)
		}
		if _, err := o.Deliberate(context.Background(), s, "other", AutoGate{}); !errors.Is(err, ErrSessionBusy) {
			t.Errorf("expected ErrSessionBusy while suspended, got %v", err)
		}
		if err := gate.Proceed(); err != nil {
			t.Fatalf("Proceed: %v", err)
		}
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Deliberate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deliberation did not finish")
	}
	if err := gate.Proceed(); !errors.Is(err, ErrNotAwaiting) {
		t.Errorf("expected ErrNotAwaiting after completion, got %v", err)
	}
}

func waitForGate(t *testing.T, gate *ManualGate, next Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if phase, ok := gate.Awaiting(); ok && phase == next {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("gate never awaited %s", next)
}

func TestDeliberate_PersistsDecisionWhenConsensusFails(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: func(c fakeCall) (json.RawMessage, error) {
		if c.phase == PhaseConsensus {
			return nil, completion.ErrUpstreamUnavailable
		}
		return verdictJSON("DENY", "no"), nil
	}}
	sink := &fakeSink{}
	o := NewOrchestrator(analyzer, WithHistorySink(sink))
	s := NewSession(3)

	res, err := o.Deliberate(context.Background(), s, "topic", AutoGate{})
	if err != nil {
		t.Fatalf("consensus failure must not fail the deliberation: %v", err)
	}
	if !errors.Is(res.ConsensusErr, completion.ErrUpstreamUnavailable) {
		t.Errorf("ConsensusErr = %v, want upstream unavailable", res.ConsensusErr)
	}
	if res.Outcome != OutcomeDenied {
		t.Errorf("outcome = %s, want DENIED", res.Outcome)
	}
	if sink.count() != 1 || sink.entries[0].Result != "DENIED" {
		t.Errorf("decision must be persisted before consensus: %+v", sink.entries)
	}
	if snap := s.Snapshot(); snap.FinalDecision != OutcomeDenied || snap.Consensus != nil || snap.Phase != PhaseDone {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestDeliberate_SinkFailureIsNotFatal(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: votes(map[string]string{"scientist": "APPROVE"})}
	sink := &fakeSink{err: errors.New("disk full")}
	o := NewOrchestrator(analyzer, WithHistorySink(sink))

	res, err := o.Deliberate(context.Background(), NewSession(1), "topic", AutoGate{})
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}
	if res.PersistErr == nil || res.Consensus == nil {
		t.Errorf("expected persist error and a consensus report, got %+v", res)
	}
}

func TestDeliberate_ResetDiscardsLateResults(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	analyzer := &fakeAnalyzer{respond: func(c fakeCall) (json.RawMessage, error) {
		started <- struct{}{}
		<-release
		return verdictJSON("APPROVE", "late"), nil
	}}
	o := NewOrchestrator(analyzer)
	s := NewSession(3)

	done := make(chan error, 1)
	go func() {
		_, err := o.Deliberate(context.Background(), s, "topic", AutoGate{})
		done <- err
	}()

	for range 3 {
		<-started
	}
	o.Reset(s)
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrStaleSession) {
			t.Fatalf("expected ErrStaleSession, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deliberation did not return")
	}

	snap := s.Snapshot()
	if snap.Phase != PhaseIdle || snap.Busy || len(snap.PhaseResults) != 0 {
		t.Errorf("late results leaked into reset session: %+v", snap)
	}
	for _, a := range snap.Agents {
		if a.HistoryLen != 0 || a.LastVerdict != nil {
			t.Errorf("agent %d kept state after reset: %+v", a.ID, a)
		}
	}
}

func TestDeliberate_ResetWhileSuspended(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: votes(map[string]string{"scientist": "APPROVE"})}
	gate := NewManualGate()
	o := NewOrchestrator(analyzer)
	s := NewSession(1)

	done := make(chan error, 1)
	go func() {
		_, err := o.Deliberate(context.Background(), s, "topic", gate)
		done <- err
	}()

	waitForGate(t, gate, PhaseCrossReview)
	s.Reset()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStaleSession) {
			t.Fatalf("expected ErrStaleSession, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gate wait was not released by reset")
	}

	if _, err := o.Deliberate(context.Background(), s, "again", AutoGate{}); err != nil {
		t.Fatalf("session should accept a new topic after reset: %v", err)
	}
}

func TestDeliberate_ResetThenResubmitOnSameGate(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: votes(map[string]string{"scientist": "APPROVE"})}
	gate := NewManualGate()
	o := NewOrchestrator(analyzer)
	s := NewSession(1)

	first := make(chan error, 1)
	go func() {
		_, err := o.Deliberate(context.Background(), s, "topic", gate)
		first <- err
	}()
	waitForGate(t, gate, PhaseCrossReview)

	// Resubmit without waiting for the reset run to unwind.
	s.Reset()
	second := make(chan error, 1)
	go func() {
		_, err := o.Deliberate(context.Background(), s, "again", gate)
		second <- err
	}()

	for _, next := range []Phase{PhaseCrossReview, PhaseJudgment, PhaseConsensus} {
		waitForGate(t, gate, next)
		if err := gate.Proceed(); err != nil {
			t.Fatalf("Proceed before %s: %v", next, err)
		}
	}

	for name, ch := range map[string]chan error{"second": second, "first": first} {
		select {
		case err := <-ch:
			if name == "second" && err != nil {
				t.Errorf("resubmitted run failed: %v", err)
			}
			if name == "first" && !errors.Is(err, ErrStaleSession) {
				t.Errorf("reset run: expected ErrStaleSession, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s run did not finish", name)
		}
	}
}

func TestDeliberate_MemoryCarriesAcrossTopics(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: votes(map[string]string{"scientist": "APPROVE"})}
	o := NewOrchestrator(analyzer)
	s := NewSession(1)

	for _, topic := range []string{"first", "second"} {
		if _, err := o.Deliberate(context.Background(), s, topic, AutoGate{}); err != nil {
			t.Fatalf("Deliberate(%s): %v", topic, err)
		}
	}

	calls := analyzer.callsIn(PhaseAnalysis)
	if len(calls) != 2 {
		t.Fatalf("expected 2 analysis calls, got %d", len(calls))
	}
	if len(calls[1].history) != 7 {
		t.Errorf("second topic should carry 6 prior turns plus the prompt, got %d", len(calls[1].history))
	}
}

func TestDeliberate_Preconditions(t *testing.T) {
	o := NewOrchestrator(&fakeAnalyzer{respond: votes(nil)})

	if _, err := o.Deliberate(context.Background(), NewSession(3), "   ", nil); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("expected ErrEmptyTopic, got %v", err)
	}

	s := NewSession(2)
	for _, id := range []int{1, 2} {
		if err := s.SetEnabled(id, false); err != nil {
			t.Fatalf("SetEnabled: %v", err)
		}
	}
	if _, err := o.Deliberate(context.Background(), s, "topic", nil); !errors.Is(err, ErrNoEnabledAgents) {
		t.Errorf("expected ErrNoEnabledAgents, got %v", err)
	}
}

func TestDeliberate_DisabledAgentsExcluded(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: votes(map[string]string{"scientist": "DENY", "mother": "APPROVE", "woman": "APPROVE"})}
	o := NewOrchestrator(analyzer)
	s := NewSession(3)
	if err := s.SetEnabled(2, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	res, err := o.Deliberate(context.Background(), s, "topic", AutoGate{})
	if err != nil {
		t.Fatalf("Deliberate: %v", err)
	}
	if len(res.Judgment) != 2 || res.Outcome != OutcomePending {
		t.Errorf("expected 2 judges and a PENDING tie, got %d judges and %s", len(res.Judgment), res.Outcome)
	}
	if h, _ := s.History(2); len(h) != 0 {
		t.Errorf("disabled agent history should stay empty, got %d", len(h))
	}
}

func TestAnalyze_SimplePath(t *testing.T) {
	analyzer := &fakeAnalyzer{respond: votes(map[string]string{"scientist": "APPROVE", "mother": "DENY", "woman": "DENY"})}
	sink := &fakeSink{}
	o := NewOrchestrator(analyzer, WithHistorySink(sink))
	s := NewSession(3)

	res, err := o.Analyze(context.Background(), s, "raw topic")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Outcome != OutcomeDenied {
		t.Errorf("outcome = %s, want DENIED", res.Outcome)
	}
	for _, c := range analyzer.callsIn(PhaseAnalysis) {
		if c.history[0].Content != "raw topic" {
			t.Errorf("simple path must send the raw topic, got %q", c.history[0].Content)
		}
	}
	if len(analyzer.callsIn(PhaseConsensus)) != 0 {
		t.Error("simple path must not synthesize consensus")
	}
	if sink.count() != 1 || sink.entries[0].Logs[0].Phase != string(PhaseSimpleAnalysis) {
		t.Errorf("unexpected history: %+v", sink.entries)
	}
	if snap := s.Snapshot(); snap.Phase != PhaseDone {
		t.Errorf("phase = %s, want DONE", snap.Phase)
	}
}
