package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newTestEngine builds an engine with in-memory providers (no exporter, no
// network).
func newTestEngine(maxBackendIDs int) *engine {
	mp := sdkmetric.NewMeterProvider()
	tp := sdktrace.NewTracerProvider()
	return &engine{
		meterProvider: mp,
		traceProvider: tp,
		meter:         mp.Meter("nexus-test"),
		tracer:        tp.Tracer("nexus-test"),
		counters:      make(map[string]metric.Int64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
		backendIDs:    make(map[string]struct{}),
		maxBackendIDs: maxBackendIDs,
	}
}

func TestUseProfile_Presets(t *testing.T) {
	dev := UseProfile(ProfileDevelopment)
	assert.True(t, dev.Enabled)
	assert.Equal(t, 1.0, dev.TraceSampleRatio)

	prod := UseProfile(ProfileProduction)
	assert.True(t, prod.Enabled)
	assert.Less(t, prod.TraceSampleRatio, dev.TraceSampleRatio)
	assert.Less(t, prod.MaxBackendLabels, dev.MaxBackendLabels)
}

func TestEvents_NoOpBeforeInit(t *testing.T) {
	require.Nil(t, active.Load())

	// None of these may panic or block with no engine installed.
	RoutingDecision("smart", false, time.Millisecond)
	RoutingFailure("smart", "model_not_found")
	ProbeObserved("b1", true, 5*time.Millisecond)
	StatusTransition("b1", "unknown", "healthy")
	LifecycleOutcome("load", "completed")
	WatchdogTimeout("b1", "load")
	PreWarmRecommended("llama3:8b")
	BreakerOutcome("b1", true)
	BreakerTransition("b1", "closed", "open")
	BreakerRejection("b1")
	RequestCompleted(200, false, time.Millisecond)

	ctx, finish := StartAgentSpan(context.Background(), "ollama.ChatCompletion", "b1")
	assert.Equal(t, context.Background(), ctx)
	finish(nil)

	assert.False(t, Enabled())
}

func TestInit_DisabledConfigIsNoOp(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{Enabled: false}))
	assert.False(t, Enabled())
	require.NoError(t, Shutdown(context.Background()))
}

func TestBackendAttr_CollapsesAfterCap(t *testing.T) {
	e := newTestEngine(3)

	for i := 0; i < 3; i++ {
		attr := e.backendAttr(fmt.Sprintf("backend-%d", i))
		assert.Equal(t, fmt.Sprintf("backend-%d", i), attr.Value.AsString())
	}

	// The fourth distinct id collapses; ids seen before the cap keep their
	// own series.
	assert.Equal(t, "overflow", e.backendAttr("backend-99").Value.AsString())
	assert.Equal(t, "backend-1", e.backendAttr("backend-1").Value.AsString())
}

func TestInstrumentCache_ReusesByName(t *testing.T) {
	e := newTestEngine(8)

	c1 := e.counter("nexus.test.counter")
	c2 := e.counter("nexus.test.counter")
	assert.Equal(t, c1, c2)
	assert.Len(t, e.counters, 1)

	h1 := e.histogram("nexus.test.duration", "ms")
	h2 := e.histogram("nexus.test.duration", "ms")
	assert.Equal(t, h1, h2)
	assert.Len(t, e.histograms, 1)
}

func TestStartAgentSpan_FinishRecordsError(t *testing.T) {
	e := newTestEngine(8)
	active.Store(e)
	defer active.Store(nil)

	ctx, finish := StartAgentSpan(context.Background(), "openai.ChatCompletion", "b1")
	assert.NotEqual(t, context.Background(), ctx)
	finish(fmt.Errorf("upstream 502"))

	_, finishOK := StartAgentSpan(context.Background(), "openai.ChatCompletion", "b1")
	finishOK(nil)
}
