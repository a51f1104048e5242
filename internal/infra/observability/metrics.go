// Package observability holds the Prometheus collectors and OpenTelemetry
// tracer used across foreman.
package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "foreman"

// Metrics exposes the coordination collectors. A nil *Metrics is a no-op.
type Metrics struct {
	routes        *prometheus.CounterVec
	routeLatency  *prometheus.HistogramVec
	gateChecks    *prometheus.CounterVec
	gateDuration  *prometheus.HistogramVec
	scaling       *prometheus.CounterVec
	provisioning  *prometheus.CounterVec
	dlqMoves      *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	auditFailures *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	workers       *prometheus.GaugeVec
	sweeperRuns   *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg. Collectors already
// registered under the same name are reused; any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		routes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "routes_total",
			Help: "Routing attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"})),
		routeLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "route_latency_seconds",
			Help:    "Time spent selecting and assigning a worker.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"strategy"})),
		gateChecks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "checks_total",
			Help: "Gate evaluations by gate type and outcome.",
		}, []string{"gate_type", "outcome"})),
		gateDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gate", Name: "check_duration_seconds",
			Help:    "Gate evaluation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"gate_type"})),
		scaling: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "autoscaler", Name: "decisions_total",
			Help: "Scaling decisions by action.",
		}, []string{"action"})),
		provisioning: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "autoscaler", Name: "provisioning_total",
			Help: "Spawn and terminate attempts by operation and outcome.",
		}, []string{"operation", "outcome"})),
		dlqMoves: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recovery", Name: "dlq_transitions_total",
			Help: "Dead-letter entries by resulting status.",
		}, []string{"status"})),
		escalations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recovery", Name: "escalations_total",
			Help: "Escalation events by level and event.",
		}, []string{"level", "event"})),
		auditFailures: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_write_failures_total",
			Help: "Best-effort audit writes that failed.",
		}, []string{"log"})),
		queueDepth: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "tasks",
			Help: "Tasks by coarse status at the last scaling cycle.",
		}, []string{"status"})),
		workers: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "workers",
			Help: "Workers by health state at the last scaling cycle.",
		}, []string{"state"})),
		sweeperRuns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "runs_total",
			Help: "Background loop executions by job and outcome.",
		}, []string{"job", "outcome"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveRoute records one routing attempt.
func (m *Metrics) ObserveRoute(strategy string, ok bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.routes.WithLabelValues(strategy, outcome(ok)).Inc()
	m.routeLatency.WithLabelValues(strategy).Observe(latency.Seconds())
}

// ObserveGateCheck records one gate evaluation.
func (m *Metrics) ObserveGateCheck(gateType string, passed bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "passed"
	if !passed {
		result = "failed"
	}
	m.gateChecks.WithLabelValues(gateType, result).Inc()
	m.gateDuration.WithLabelValues(gateType).Observe(duration.Seconds())
}

func (m *Metrics) ObserveScalingDecision(action string) {
	if m == nil {
		return
	}
	m.scaling.WithLabelValues(action).Inc()
}

// ObserveProvisioning records a spawn or terminate attempt.
func (m *Metrics) ObserveProvisioning(operation string, ok bool) {
	if m == nil {
		return
	}
	m.provisioning.WithLabelValues(operation, outcome(ok)).Inc()
}

func (m *Metrics) ObserveDLQ(status string) {
	if m == nil {
		return
	}
	m.dlqMoves.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveEscalation(level, event string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(level, event).Inc()
}

func (m *Metrics) IncAuditFailure(log string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(log).Inc()
}

// SetQueueDepth publishes the task counts seen by the scaler.
func (m *Metrics) SetQueueDepth(pending, inProgress, waitingApproval int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("in_progress").Set(float64(inProgress))
	m.queueDepth.WithLabelValues("waiting_approval").Set(float64(waitingApproval))
}

// SetWorkers publishes registry counts seen by the scaler.
func (m *Metrics) SetWorkers(active, idle, busy, stale int) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues("active").Set(float64(active))
	m.workers.WithLabelValues("idle").Set(float64(idle))
	m.workers.WithLabelValues("busy").Set(float64(busy))
	m.workers.WithLabelValues("stale").Set(float64(stale))
}

func (m *Metrics) ObserveSweep(job string, ok bool) {
	if m == nil {
		return
	}
	m.sweeperRuns.WithLabelValues(job, outcome(ok)).Inc()
}
