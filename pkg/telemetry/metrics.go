package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/conductor/pkg/toolcall"
)

const namespace = "conductor"

// Metrics holds the Prometheus collectors for one process. They register on
// the registry passed to NewMetrics rather than the global default, so tests
// and the diagnostics server see only conductor's series.
type Metrics struct {
	Iterations        *prometheus.CounterVec
	ApprovalDecisions *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	Interrupts        prometheus.Counter
	EngineEvents      *prometheus.CounterVec
	OpenToolCalls     prometheus.Gauge
}

// NewMetrics creates and registers the collectors on reg. A nil reg creates
// a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "iterations_total",
				Help:      "Session loop iterations by the state they ended in",
			},
			[]string{"state"},
		),
		ApprovalDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_decisions_total",
				Help:      "Tool approval decisions",
			},
			[]string{"tool", "decision", "source"},
		),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tool",
				Name:      "calls_total",
				Help:      "Terminal tool-call records by outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "tool",
				Name:      "duration_seconds",
				Help:      "Time between a tool request and its terminal record",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"tool"},
		),
		Interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "interrupts_total",
			Help:      "Interrupts applied to a running turn",
		}),
		EngineEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "events_total",
				Help:      "Decoded engine events by kind",
			},
			[]string{"kind"},
		),
		OpenToolCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "open_calls",
			Help:      "Tool calls requested but not yet resolved",
		}),
	}
	reg.MustRegister(
		m.Iterations,
		m.ApprovalDecisions,
		m.ToolCalls,
		m.ToolDuration,
		m.Interrupts,
		m.EngineEvents,
		m.OpenToolCalls,
	)
	return m
}

// ObserveIteration counts a finished loop iteration.
func (m *Metrics) ObserveIteration(state string) {
	if m == nil {
		return
	}
	m.Iterations.WithLabelValues(state).Inc()
}

// ObserveApproval counts an approval decision.
func (m *Metrics) ObserveApproval(tool, decision, source string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(tool, decision, source).Inc()
}

// ObserveToolCall counts a terminal tool-call record.
func (m *Metrics) ObserveToolCall(rec toolcall.Record) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(rec.Call.Name, string(rec.Outcome)).Inc()
	if rec.Duration > 0 {
		m.ToolDuration.WithLabelValues(rec.Call.Name).Observe(rec.Duration.Seconds())
	}
}

// ObserveInterrupt counts an applied interrupt.
func (m *Metrics) ObserveInterrupt() {
	if m == nil {
		return
	}
	m.Interrupts.Inc()
}

// ObserveEngineEvent counts a decoded engine event.
func (m *Metrics) ObserveEngineEvent(kind string) {
	if m == nil {
		return
	}
	m.EngineEvents.WithLabelValues(kind).Inc()
}

// SetOpenToolCalls reports the registry size.
func (m *Metrics) SetOpenToolCalls(n int) {
	if m == nil {
		return
	}
	m.OpenToolCalls.Set(float64(n))
}
