package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerProviderDisabledIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{})
	require.NoError(t, err)
	_, span := tp.StartSpan(context.Background(), SpanRouteTask)
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracerProviderNilSafe(t *testing.T) {
	var tp *TracerProvider
	_, span := tp.StartSpan(context.Background(), SpanGateCheck)
	span.End()
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracerProviderZipkin(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "zipkin", ZipkinEndpoint: "http://127.0.0.1:1/api/v2/spans"})
	require.NoError(t, err)
	_, span := tp.StartSpan(context.Background(), SpanScaleCycle)
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tp.Shutdown(ctx)
}

func TestTracerProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter")
}
