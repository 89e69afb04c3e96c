// Package metrics holds the Prometheus collectors for the gateway, the rate
// limiter, the deliberation council and the live channel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	GatewayRequests *prometheus.CounterVec
	GatewayLatency  prometheus.Histogram
	RateLimitDenied prometheus.Counter
	LimiterFailOpen prometheus.Counter
	PhaseDuration   *prometheus.HistogramVec
	AgentFailures   *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	ConsensusErrors prometheus.Counter
	LiveConnections prometheus.Gauge
	LiveMessages    *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_gateway_requests_total",
			Help: "Admission gateway requests by response status",
		}, []string{"status"}),

		GatewayLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "magi_gateway_upstream_duration_seconds",
			Help:    "Latency of upstream completion calls made by the gateway",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		RateLimitDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "magi_ratelimit_denied_total",
			Help: "Requests rejected by the sliding-window rate limiter",
		}),

		LimiterFailOpen: factory.NewCounter(prometheus.CounterOpts{
			Name: "magi_ratelimit_fail_open_total",
			Help: "Requests admitted because the limiter backend failed",
		}),

		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magi_phase_duration_seconds",
			Help:    "Wall-clock duration of a deliberation phase fan-out",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"phase"}),

		AgentFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_agent_failures_total",
			Help: "Agent calls that settled as ERROR, by phase",
		}, []string{"phase"}),

		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_outcomes_total",
			Help: "Collective decisions by outcome",
		}, []string{"outcome"}),

		ConsensusErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "magi_consensus_failures_total",
			Help: "Consensus synthesis calls that failed",
		}),

		LiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "magi_live_connections_active",
			Help: "Open live deliberation websocket connections",
		}),

		LiveMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "magi_live_messages_total",
			Help: "Live channel messages by type and direction",
		}, []string{"type", "direction"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordGatewayResponse counts one gateway response by status code.
func (m *Metrics) RecordGatewayResponse(status int) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(http.StatusText(status)).Inc()
}

// RecordUpstreamLatency observes one upstream round trip.
func (m *Metrics) RecordUpstreamLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayLatency.Observe(d.Seconds())
}

// RecordRateLimited counts one rejected request.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitDenied.Inc()
}

// RecordFailOpen counts one request admitted despite a limiter error.
func (m *Metrics) RecordFailOpen() {
	if m == nil {
		return
	}
	m.LimiterFailOpen.Inc()
}

// RecordPhase observes one phase fan-out and its failed calls.
func (m *Metrics) RecordPhase(phase string, d time.Duration, failures int) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	if failures > 0 {
		m.AgentFailures.WithLabelValues(phase).Add(float64(failures))
	}
}

// RecordOutcome counts one collective decision.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

// RecordConsensusFailure counts one failed synthesis call.
func (m *Metrics) RecordConsensusFailure() {
	if m == nil {
		return
	}
	m.ConsensusErrors.Inc()
}

// RecordLiveConnect records a new live connection.
func (m *Metrics) RecordLiveConnect() {
	if m == nil {
		return
	}
	m.LiveConnections.Inc()
}

// RecordLiveDisconnect records a closed live connection.
func (m *Metrics) RecordLiveDisconnect() {
	if m == nil {
		return
	}
	m.LiveConnections.Dec()
}

// RecordLiveMessage records a live channel message; direction is "inbound" or "outbound".
func (m *Metrics) RecordLiveMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.LiveMessages.WithLabelValues(msgType, direction).Inc()
}
