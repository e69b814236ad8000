package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RuntimeMetrics aggregates the marketplace runtime's Prometheus series.
type RuntimeMetrics struct {
	operations        *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	matchingRuns      *prometheus.CounterVec
	proposalsProduced prometheus.Counter
	cycleTransitions  *prometheus.CounterVec
	receiptsIssued    prometheus.Counter
	outboxDepth       prometheus.Gauge
	rollbackActive    prometheus.Gauge
	exportPages       *prometheus.CounterVec
	policyDecisions   *prometheus.CounterVec
}

var (
	runtimeOnce     sync.Once
	runtimeRegistry *RuntimeMetrics
)

// Runtime returns the process-wide metrics registry, registering it on first
// use.
func Runtime() *RuntimeMetrics {
	runtimeOnce.Do(func() {
		runtimeRegistry = &RuntimeMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapmesh_operations_total",
				Help: "Count of API operations by operation id and result code.",
			}, []string{"operation", "code"}),
			operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "swapmesh_operation_duration_seconds",
				Help:    "Latency of API operations by operation id.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			matchingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapmesh_matching_runs_total",
				Help: "Count of matching runs by engine version.",
			}, []string{"engine"}),
			proposalsProduced: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "swapmesh_proposals_total",
				Help: "Count of proposals produced by matching runs.",
			}),
			cycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapmesh_cycle_transitions_total",
				Help: "Count of settlement timeline transitions by target state.",
			}, []string{"state"}),
			receiptsIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "swapmesh_receipts_total",
				Help: "Count of signed receipts issued.",
			}),
			outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "swapmesh_outbox_depth",
				Help: "Number of envelopes in the event outbox.",
			}),
			rollbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "swapmesh_matching_rollback_active",
				Help: "1 while the matching canary rollback is active.",
			}),
			exportPages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapmesh_export_pages_total",
				Help: "Count of signed export pages by stream.",
			}, []string{"stream"}),
			policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "swapmesh_policy_decisions_total",
				Help: "Count of delegation policy decisions by outcome.",
			}, []string{"decision"}),
		}
		prometheus.MustRegister(
			runtimeRegistry.operations,
			runtimeRegistry.operationLatency,
			runtimeRegistry.matchingRuns,
			runtimeRegistry.proposalsProduced,
			runtimeRegistry.cycleTransitions,
			runtimeRegistry.receiptsIssued,
			runtimeRegistry.outboxDepth,
			runtimeRegistry.rollbackActive,
			runtimeRegistry.exportPages,
			runtimeRegistry.policyDecisions,
		)
	})
	return runtimeRegistry
}

func (m *RuntimeMetrics) ObserveOperation(operation, code string, seconds float64) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.operations.WithLabelValues(operation, code).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *RuntimeMetrics) ObserveMatchingRun(engine string, proposals int) {
	if m == nil {
		return
	}
	if engine == "" {
		engine = "v1"
	}
	m.matchingRuns.WithLabelValues(engine).Inc()
	m.proposalsProduced.Add(float64(proposals))
}

func (m *RuntimeMetrics) ObserveCycleTransition(state string) {
	if m == nil {
		return
	}
	m.cycleTransitions.WithLabelValues(state).Inc()
}

func (m *RuntimeMetrics) ObserveReceipt() {
	if m == nil {
		return
	}
	m.receiptsIssued.Inc()
}

func (m *RuntimeMetrics) SetOutboxDepth(depth int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(depth))
}

func (m *RuntimeMetrics) SetRollbackActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.rollbackActive.Set(1)
		return
	}
	m.rollbackActive.Set(0)
}

func (m *RuntimeMetrics) ObserveExportPage(stream string) {
	if m == nil {
		return
	}
	if stream == "" {
		stream = "unknown"
	}
	m.exportPages.WithLabelValues(stream).Inc()
}

func (m *RuntimeMetrics) ObservePolicyDecision(decision string) {
	if m == nil {
		return
	}
	if decision == "" {
		decision = "unknown"
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}
