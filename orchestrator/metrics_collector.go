// Copyright 2025 Squadron Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// HealthSink receives circuit transitions and per-dispatch samples.
// It is a write-only collaborator: the orchestrator never reads it back
// for routing decisions.
type HealthSink interface {
	CircuitTransition(event HealthEvent)
	DispatchSample(att DispatchAttempt, cost decimal.Decimal)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) CircuitTransition(HealthEvent) {}

func (NopSink) DispatchSample(DispatchAttempt, decimal.Decimal) {}

// AgentMetrics aggregates per-agent dispatch statistics.
type AgentMetrics struct {
	DispatchCount   int64           `json:"dispatch_count"`
	SuccessCount    int64           `json:"success_count"`
	ErrorCount      int64           `json:"error_count"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	AvgLatencyMs    float64         `json:"avg_latency_ms"`
	LastTransition  string          `json:"last_transition,omitempty"`
	TransitionCount int64           `json:"transition_count"`

	totalLatency time.Duration
}

// MetricsCollector is an in-memory HealthSink used for the JSON metrics
// endpoint and for tests.
type MetricsCollector struct {
	mu                sync.RWMutex
	agents            map[string]*AgentMetrics
	events            []HealthEvent
	collectionStarted time.Time
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		agents:            make(map[string]*AgentMetrics),
		collectionStarted: time.Now(),
	}
}

// CircuitTransition records a breaker transition.
func (m *MetricsCollector) CircuitTransition(event HealthEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent := m.ensure(event.AgentID)
	agent.LastTransition = event.From.String() + "->" + event.To.String()
	agent.TransitionCount++
	m.events = append(m.events, event)
}

// DispatchSample records one dispatch attempt's latency and cost.
func (m *MetricsCollector) DispatchSample(att DispatchAttempt, cost decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent := m.ensure(att.AgentID)
	agent.DispatchCount++
	if att.Err != nil {
		agent.ErrorCount++
	} else {
		agent.SuccessCount++
	}
	agent.TotalCost = agent.TotalCost.Add(cost)
	agent.totalLatency += att.Duration()
	agent.AvgLatencyMs = float64(agent.totalLatency.Milliseconds()) / float64(agent.DispatchCount)
}

func (m *MetricsCollector) ensure(agentID string) *AgentMetrics {
	agent, exists := m.agents[agentID]
	if !exists {
		agent = &AgentMetrics{TotalCost: decimal.Zero}
		m.agents[agentID] = agent
	}
	return agent
}

// Snapshot returns a copy of all per-agent metrics.
func (m *MetricsCollector) Snapshot() map[string]AgentMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]AgentMetrics, len(m.agents))
	for id, agent := range m.agents {
		out[id] = *agent
	}
	return out
}

// Events returns all recorded health events in order.
func (m *MetricsCollector) Events() []HealthEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]HealthEvent(nil), m.events...)
}

// CollectionStarted returns when this collector began recording.
func (m *MetricsCollector) CollectionStarted() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectionStarted
}

// PrometheusSink publishes health events and dispatch samples as
// Prometheus metrics.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	dispatches  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	cost        *prometheus.CounterVec
}

// NewPrometheusSink registers the squadron metrics on the given
// registerer. Passing a fresh registry keeps test instances independent.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squadron_circuit_transitions_total",
				Help: "Circuit breaker transitions by agent and target state",
			},
			[]string{"agent", "to"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squadron_dispatches_total",
				Help: "Dispatch attempts by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "squadron_dispatch_duration_seconds",
				Help:    "Dispatch attempt duration by agent",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squadron_dispatch_cost_total",
				Help: "Accumulated dispatch cost by agent",
			},
			[]string{"agent"},
		),
	}

	reg.MustRegister(s.transitions, s.dispatches, s.latency, s.cost)
	return s
}

// CircuitTransition implements HealthSink.
func (s *PrometheusSink) CircuitTransition(event HealthEvent) {
	s.transitions.WithLabelValues(event.AgentID, event.To.String()).Inc()
}

// DispatchSample implements HealthSink.
func (s *PrometheusSink) DispatchSample(att DispatchAttempt, cost decimal.Decimal) {
	outcome := "success"
	if att.Err != nil {
		outcome = ErrorCode(att.Err)
	}
	s.dispatches.WithLabelValues(att.AgentID, outcome).Inc()
	s.latency.WithLabelValues(att.AgentID).Observe(att.Duration().Seconds())
	costF, _ := cost.Float64()
	s.cost.WithLabelValues(att.AgentID).Add(costF)
}

// FanoutSink forwards every event to each wrapped sink.
type FanoutSink []HealthSink

// CircuitTransition implements HealthSink.
func (f FanoutSink) CircuitTransition(event HealthEvent) {
	for _, s := range f {
		s.CircuitTransition(event)
	}
}

// DispatchSample implements HealthSink.
func (f FanoutSink) DispatchSample(att DispatchAttempt, cost decimal.Decimal) {
	for _, s := range f {
		s.DispatchSample(att, cost)
	}
}
