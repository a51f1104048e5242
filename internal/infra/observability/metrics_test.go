package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.ObserveRoute("least_loaded", true, 2*time.Millisecond)
	m.ObserveRoute("least_loaded", false, time.Millisecond)
	m.ObserveGateCheck("health_check", false, time.Second)
	m.ObserveScalingDecision("SCALE_UP")
	m.ObserveProvisioning("spawn", true)
	m.ObserveDLQ("pending")
	m.ObserveEscalation("worker", "opened")
	m.IncAuditFailure("gate_transitions")
	m.SetQueueDepth(12, 3, 1)
	m.SetWorkers(2, 1, 1, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.routes.WithLabelValues("least_loaded", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routes.WithLabelValues("least_loaded", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateChecks.WithLabelValues("health_check", "failed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditFailures.WithLabelValues("gate_transitions")))
}

func TestMustNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	second.ObserveScalingDecision("NO_ACTION")
	assert.Equal(t, 1.0, testutil.ToFloat64(first.scaling.WithLabelValues("NO_ACTION")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRoute("round_robin", true, time.Millisecond)
		m.SetWorkers(1, 1, 0, 0)
	})
}

func TestDisabledTracerIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{})
	require.NoError(t, err)
	_, span := tp.StartSpan(context.Background(), SpanGateCheck)
	span.End()
	assert.NoError(t, tp.Shutdown(context.Background()))

	var nilTP *TracerProvider
	_, span = nilTP.StartSpan(context.Background(), SpanRouteTask)
	span.End()
}
