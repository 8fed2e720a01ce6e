// Package telemetry exports the engine's operational signals over
// OpenTelemetry: counters and histograms for routing decisions, discovery
// probes, lifecycle operations, and circuit breaker activity, plus spans
// around agent HTTP calls. The API is domain-shaped (see events.go) rather
// than a generic metrics facade; every function is safe to call before
// Init and becomes a no-op when telemetry is disabled, so leaf packages
// never need to know whether an exporter is configured.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Profile selects a deployment-appropriate preset. Development samples
// everything; production samples traces down and caps backend-id label
// growth harder, since a fleet with churning Discovered backends can mint
// label values far faster than a metrics backend wants to ingest them.
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileStaging     Profile = "staging"
	ProfileProduction  Profile = "production"
)

// Config is the telemetry section of the process configuration.
type Config struct {
	ServiceName string
	Endpoint    string // OTLP/HTTP collector endpoint, host:port
	Enabled     bool

	// TraceSampleRatio is the fraction of request traces exported, 0..1.
	TraceSampleRatio float64

	// MaxBackendLabels caps how many distinct backend_id label values are
	// emitted before further ids collapse into a single "overflow" value.
	// Statically configured fleets never hit this; it exists for the
	// Discovered path, where short-lived backends would otherwise create
	// unbounded metric series.
	MaxBackendLabels int
}

// UseProfile returns the preset Config for a deployment profile.
func UseProfile(p Profile) Config {
	switch p {
	case ProfileProduction:
		return Config{Endpoint: "localhost:4318", Enabled: true, TraceSampleRatio: 0.05, MaxBackendLabels: 32}
	case ProfileStaging:
		return Config{Endpoint: "localhost:4318", Enabled: true, TraceSampleRatio: 0.25, MaxBackendLabels: 64}
	default:
		return Config{Endpoint: "localhost:4318", Enabled: true, TraceSampleRatio: 1.0, MaxBackendLabels: 128}
	}
}

// engine holds the initialized providers and the instrument cache. One per
// process, published through the atomic pointer below.
type engine struct {
	meterProvider *sdkmetric.MeterProvider
	traceProvider *sdktrace.TracerProvider
	meter         metric.Meter
	tracer        trace.Tracer

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram

	backendIDs    map[string]struct{}
	maxBackendIDs int
}

var active atomic.Pointer[engine]

// Init wires the OTLP/HTTP metric and trace exporters and publishes the
// engine. Calling it twice returns an error; a Config with Enabled=false
// leaves everything a no-op and returns nil.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if active.Load() != nil {
		return errors.New("telemetry: already initialized")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nexus"
	}
	if cfg.MaxBackendLabels <= 0 {
		cfg.MaxBackendLabels = 64
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
	))
	if err != nil {
		return err
	}

	metricExp, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.Endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return err
	}
	traceExp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	)

	e := &engine{
		meterProvider: mp,
		traceProvider: tp,
		meter:         mp.Meter("nexus"),
		tracer:        tp.Tracer("nexus"),
		counters:      make(map[string]metric.Int64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
		backendIDs:    make(map[string]struct{}),
		maxBackendIDs: cfg.MaxBackendLabels,
	}
	active.Store(e)
	return nil
}

// Shutdown flushes and stops the providers. Safe to call when Init never
// ran.
func Shutdown(ctx context.Context) error {
	e := active.Swap(nil)
	if e == nil {
		return nil
	}
	mErr := e.meterProvider.Shutdown(ctx)
	tErr := e.traceProvider.Shutdown(ctx)
	if mErr != nil {
		return mErr
	}
	return tErr
}

// Enabled reports whether Init has installed an exporter.
func Enabled() bool { return active.Load() != nil }

func (e *engine) counter(name string) metric.Int64Counter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.counters[name]; ok {
		return c
	}
	c, err := e.meter.Int64Counter(name)
	if err != nil {
		c, _ = e.meter.Int64Counter("nexus.invalid_instrument")
	}
	e.counters[name] = c
	return c
}

func (e *engine) histogram(name, unit string) metric.Float64Histogram {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.histograms[name]; ok {
		return h
	}
	h, err := e.meter.Float64Histogram(name, metric.WithUnit(unit))
	if err != nil {
		h, _ = e.meter.Float64Histogram("nexus.invalid_instrument", metric.WithUnit(unit))
	}
	e.histograms[name] = h
	return h
}

// backendAttr returns the backend_id attribute for id, collapsing to
// "overflow" once the distinct-id cap is reached. Ids seen before the cap
// keep their own series for the life of the process.
func (e *engine) backendAttr(id string) attribute.KeyValue {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.backendIDs[id]; ok {
		return attribute.String("backend_id", id)
	}
	if len(e.backendIDs) >= e.maxBackendIDs {
		return attribute.String("backend_id", "overflow")
	}
	e.backendIDs[id] = struct{}{}
	return attribute.String("backend_id", id)
}

func count(name string, attrs ...attribute.KeyValue) {
	e := active.Load()
	if e == nil {
		return
	}
	e.counter(name).Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func observe(name, unit string, value float64, attrs ...attribute.KeyValue) {
	e := active.Load()
	if e == nil {
		return
	}
	e.histogram(name, unit).Record(context.Background(), value, metric.WithAttributes(attrs...))
}
