// Package deliberation runs the MAGI council: a phase state machine that fans
// a topic out to independent agents, joins their answers behind a barrier,
// aggregates their verdicts and synthesizes a consensus report.
package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/magi/internal/completion"
	"github.com/ashureev/magi/internal/domain"
	"github.com/ashureev/magi/internal/event"
	"github.com/ashureev/magi/internal/logging"
	"github.com/ashureev/magi/internal/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultCharLimit bounds the reason length requested from each agent.
const DefaultCharLimit = 400

// HistorySink receives one entry per completed judgment.
type HistorySink interface {
	AppendHistory(ctx context.Context, entry domain.HistoryEntry) error
}

// Orchestrator drives sessions through the deliberation phases. It holds no
// per-session state and may serve many sessions concurrently.
type Orchestrator struct {
	analyzer    completion.Analyzer
	sink        HistorySink
	bus         *event.Bus
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxParallel int
	charLimit   int
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistorySink persists a history entry after every judgment.
func WithHistorySink(sink HistorySink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithBus publishes progress events on bus.
func WithBus(bus *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithMetrics records phase timings and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMaxParallel caps concurrent agent calls per phase; 0 means unbounded.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) { o.maxParallel = n }
}

// WithCharLimit sets the reason length requested from agents; 0 disables it.
func WithCharLimit(n int) Option {
	return func(o *Orchestrator) { o.charLimit = n }
}

// NewOrchestrator creates an orchestrator that calls analyzer for every agent turn.
func NewOrchestrator(analyzer completion.Analyzer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		analyzer:  analyzer,
		logger:    slog.Default(),
		charLimit: DefaultCharLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Bus returns the event bus, which may be nil.
func (o *Orchestrator) Bus() *event.Bus {
	return o.bus
}

// Reset resets s and announces it.
func (o *Orchestrator) Reset(s *Session) {
	s.Reset()
	o.bus.Publish(event.NewSessionResetEvent(s.ID))
}

// Deliberate runs topic through ANALYSIS, CROSS_REVIEW, JUDGMENT and
// CONSENSUS, waiting on gate before each phase after the first. The judgment
// outcome is persisted before consensus is attempted; a consensus failure is
// reported in Result.ConsensusErr and is not an error. If the session is reset
// mid-flight, ErrStaleSession is returned and late results are dropped.
func (o *Orchestrator) Deliberate(ctx context.Context, s *Session, topic string, gate Gate) (*Result, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if gate == nil {
		gate = AutoGate{}
	}

	gen, runCtx, err := s.begin(ctx, topic)
	if err != nil {
		return nil, err
	}
	defer s.end(gen)

	logger := logging.WithSession(o.logger, s.ID)
	logger.Info("Deliberation started", "topic_len", len(topic))

	res := &Result{SessionID: s.ID, Topic: topic}

	res.Analysis, err = o.runPhase(runCtx, s, gen, PhaseAnalysis, topic, func(int) string {
		return analysisPrompt(topic, o.charLimit)
	})
	if err != nil {
		return nil, err
	}

	if err := o.await(runCtx, s, gen, gate, PhaseCrossReview); err != nil {
		return nil, err
	}
	analysis := res.Analysis
	res.CrossReview, err = o.runPhase(runCtx, s, gen, PhaseCrossReview, "", func(id int) string {
		return crossReviewPrompt(id, analysis, o.charLimit)
	})
	if err != nil {
		return nil, err
	}

	if err := o.await(runCtx, s, gen, gate, PhaseJudgment); err != nil {
		return nil, err
	}
	res.Judgment, err = o.runPhase(runCtx, s, gen, PhaseJudgment, "", func(int) string {
		return judgmentPrompt(o.charLimit)
	})
	if err != nil {
		return nil, err
	}

	if err := o.conclude(runCtx, s, gen, res, PhaseJudgment, res.Judgment); err != nil {
		return nil, err
	}

	if err := o.await(runCtx, s, gen, gate, PhaseConsensus); err != nil {
		// The decision is already durable; report it alongside the interruption.
		return res, err
	}
	if err := o.synthesize(runCtx, s, gen, res); err != nil {
		return res, err
	}

	logger.Info("Deliberation completed", "outcome", res.Outcome, "consensus_failed", res.ConsensusErr != nil)
	return res, nil
}

// Analyze is the single-round path: the raw topic goes to every enabled agent
// once, verdicts are aggregated and persisted and the session moves to DONE.
func (o *Orchestrator) Analyze(ctx context.Context, s *Session, topic string) (*Result, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	gen, runCtx, err := s.begin(ctx, topic)
	if err != nil {
		return nil, err
	}
	defer s.end(gen)

	res := &Result{SessionID: s.ID, Topic: topic}
	res.Analysis, err = o.runPhase(runCtx, s, gen, PhaseSimpleAnalysis, topic, func(int) string {
		return topic
	})
	if err != nil {
		return nil, err
	}

	if err := o.conclude(runCtx, s, gen, res, PhaseSimpleAnalysis, res.Analysis); err != nil {
		return nil, err
	}
	if err := s.finish(gen, nil); err != nil {
		return nil, err
	}
	o.bus.Publish(event.NewPhaseChangedEvent(s.ID, string(PhaseDone), ""))
	return res, nil
}

// runPhase enters phase, fans out one call per enabled agent, waits for all
// of them to settle and commits the results. Calls run detached from ctx:
// once dispatched they are never cancelled.
func (o *Orchestrator) runPhase(ctx context.Context, s *Session, gen uint64, phase Phase, topic string, promptFor func(agentID int) string) ([]AgentResult, error) {
	if err := s.enterPhase(gen, phase); err != nil {
		return nil, err
	}
	o.bus.Publish(event.NewPhaseChangedEvent(s.ID, string(phase), topic))

	calls, err := s.prepareCalls(gen, promptFor)
	if err != nil {
		return nil, err
	}

	logger := logging.WithPhase(logging.WithSession(o.logger, s.ID), string(phase), len(calls))
	logger.Debug("Phase dispatched")

	start := o.now()
	outcomes := o.fanOut(context.WithoutCancel(ctx), calls)
	elapsed := o.now().Sub(start)

	results, err := s.commit(gen, phase, calls, outcomes)
	if err != nil {
		logger.Warn("Discarding phase results for reset session")
		return nil, err
	}

	failures := 0
	for _, r := range results {
		if r.Failed() {
			failures++
			logger.Warn("Agent call failed", "agent_id", r.AgentID, "error", r.Err)
		}
		o.bus.Publish(event.NewAgentResultEvent(s.ID, string(phase), r.AgentID, r.PersonaID,
			string(r.DecisionLabel()), r.Text(), r.Failed()))
	}
	o.metrics.RecordPhase(string(phase), elapsed, failures)
	o.bus.Publish(event.NewPhaseCompletedEvent(s.ID, string(phase), len(results), failures, elapsed))
	logger.Info("Phase settled", "failures", failures, "duration", elapsed)

	return results, nil
}

// fanOut runs every call concurrently and gathers all outcomes. Per-call
// errors are values in the map; the group itself never fails.
func (o *Orchestrator) fanOut(ctx context.Context, calls []agentCall) map[int]callOutcome {
	var (
		mu  sync.Mutex
		out = make(map[int]callOutcome, len(calls))
		g   errgroup.Group
	)
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}

	for _, c := range calls {
		g.Go(func() error {
			raw, err := o.analyzer.Analyze(ctx, c.history, c.system)
			mu.Lock()
			out[c.agentID] = callOutcome{raw: raw, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) await(ctx context.Context, s *Session, gen uint64, gate Gate, next Phase) error {
	if !s.isCurrent(gen) {
		return ErrStaleSession
	}
	ready := func() { o.bus.Publish(event.NewAwaitingProceedEvent(s.ID, string(next))) }
	var err error
	if rg, ok := gate.(readyGate); ok {
		err = rg.WaitReady(ctx, next, ready)
	} else {
		ready()
		err = gate.Wait(ctx, next)
	}
	if err != nil {
		if !s.isCurrent(gen) {
			return ErrStaleSession
		}
		return err
	}
	return nil
}

// conclude aggregates the deciding phase and persists the history entry.
// A persistence failure is logged and kept on the result, never fatal.
func (o *Orchestrator) conclude(ctx context.Context, s *Session, gen uint64, res *Result, phase Phase, deciding []AgentResult) error {
	decisions := decisionsOf(deciding)
	res.Outcome = Aggregate(decisions)
	if err := s.decide(gen, res.Outcome); err != nil {
		return err
	}
	approve, deny := Tally(decisions)
	o.metrics.RecordOutcome(string(res.Outcome))
	o.bus.Publish(event.NewOutcomeEvent(s.ID, res.Topic, string(res.Outcome), approve, deny))

	if o.sink == nil {
		return nil
	}
	entry := o.historyEntry(res, phase)
	res.HistoryID = entry.ID
	if err := o.sink.AppendHistory(context.WithoutCancel(ctx), entry); err != nil {
		res.PersistErr = err
		logging.WithSession(o.logger, s.ID).Error("Failed to persist history entry", "entry_id", entry.ID, "error", err)
	}
	o.bus.Publish(event.NewHistoryPersistedEvent(s.ID, entry.ID, res.PersistErr))
	return nil
}

// synthesize runs the single consensus call. Its failure does not touch the
// already decided outcome.
func (o *Orchestrator) synthesize(ctx context.Context, s *Session, gen uint64, res *Result) error {
	if err := s.enterPhase(gen, PhaseConsensus); err != nil {
		return err
	}
	o.bus.Publish(event.NewPhaseChangedEvent(s.ID, string(PhaseConsensus), ""))

	history := []completion.Message{{Role: completion.RoleUser, Content: consensusPrompt(res.Topic, res.Judgment)}}
	raw, err := o.analyzer.Analyze(context.WithoutCancel(ctx), history, consensusSystemPrompt)
	if !s.isCurrent(gen) {
		return ErrStaleSession
	}

	var report *ConsensusReport
	if err == nil {
		var r ConsensusReport
		r, err = parseConsensus(raw)
		if err == nil {
			report = &r
		}
	}
	if err != nil {
		res.ConsensusErr = fmt.Errorf("deliberation: consensus synthesis: %w", err)
		o.metrics.RecordConsensusFailure()
		logging.WithSession(o.logger, s.ID).Warn("Consensus synthesis failed", "error", err)
		o.bus.Publish(event.NewConsensusEvent(s.ID, "", "", "", res.ConsensusErr))
	} else {
		res.Consensus = report
		o.bus.Publish(event.NewConsensusEvent(s.ID, report.Summary, report.Reason, report.Action, nil))
	}

	if err := s.finish(gen, report); err != nil {
		return err
	}
	o.bus.Publish(event.NewPhaseChangedEvent(s.ID, string(PhaseDone), ""))
	return nil
}

func (o *Orchestrator) historyEntry(res *Result, deciding Phase) domain.HistoryEntry {
	entry := domain.HistoryEntry{
		ID:        uuid.NewString(),
		Timestamp: o.now().UTC(),
		Topic:     res.Topic,
		Result:    string(res.Outcome),
	}
	appendPhase := func(phase Phase, results []AgentResult) {
		if len(results) == 0 {
			return
		}
		entry.Logs = append(entry.Logs, domain.LogRecord{Type: domain.LogTypePhase, Phase: string(phase)})
		for _, r := range results {
			entry.Logs = append(entry.Logs, domain.LogRecord{
				Type:     domain.LogTypeEntry,
				Phase:    string(phase),
				AgentID:  r.AgentID,
				Persona:  r.PersonaID,
				Decision: string(r.DecisionLabel()),
				Content:  r.Text(),
			})
		}
	}

	if deciding == PhaseSimpleAnalysis {
		appendPhase(PhaseSimpleAnalysis, res.Analysis)
	} else {
		appendPhase(PhaseAnalysis, res.Analysis)
		appendPhase(PhaseCrossReview, res.CrossReview)
		appendPhase(PhaseJudgment, res.Judgment)
	}
	entry.Logs = append(entry.Logs, domain.LogRecord{Type: domain.LogTypeFinalReport, Decision: string(res.Outcome)})
	return entry
}

// IsStale reports whether err means the session was reset underneath a run.
func IsStale(err error) bool {
	return errors.Is(err, ErrStaleSession)
}
