package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// The functions below are the engine's metric vocabulary. Each one maps a
// domain event to a fixed instrument name and label set, so call sites
// stay free of metric-naming decisions and the full catalog is readable in
// one place.

// RoutingDecision records one successful backend selection.
func RoutingDecision(strategy string, fallbackUsed bool, elapsed time.Duration) {
	count("nexus.router.decisions",
		attribute.String("strategy", strategy),
		attribute.Bool("fallback_used", fallbackUsed),
	)
	observe("nexus.router.decision.duration", "us", float64(elapsed.Microseconds()),
		attribute.String("strategy", strategy),
	)
}

// RoutingFailure records a routing error by its closed taxonomy kind
// (model_not_found, no_healthy_backend, capability_mismatch,
// fallback_chain_exhausted, budget_exceeded).
func RoutingFailure(strategy, kind string) {
	count("nexus.router.errors",
		attribute.String("strategy", strategy),
		attribute.String("kind", kind),
	)
}

// ProbeObserved records one discovery health probe and its latency.
func ProbeObserved(backendID string, healthy bool, latency time.Duration) {
	e := active.Load()
	if e == nil {
		return
	}
	id := e.backendAttr(backendID)
	count("nexus.discovery.probes", id, attribute.Bool("healthy", healthy))
	observe("nexus.discovery.probe.duration", "ms", float64(latency.Milliseconds()), id)
}

// StatusTransition records a backend health-state change driven by the
// discovery loop or the lifecycle controller.
func StatusTransition(backendID, from, to string) {
	e := active.Load()
	if e == nil {
		return
	}
	count("nexus.backend.status_transitions",
		e.backendAttr(backendID),
		attribute.String("from", from),
		attribute.String("to", to),
	)
}

// LifecycleOutcome records a finished Load/Unload/Migrate operation.
func LifecycleOutcome(opType, status string) {
	count("nexus.lifecycle.operations",
		attribute.String("type", opType),
		attribute.String("status", status),
	)
}

// WatchdogTimeout records an InProgress operation the watchdog had to fail.
func WatchdogTimeout(backendID, opType string) {
	e := active.Load()
	if e == nil {
		return
	}
	count("nexus.lifecycle.watchdog.timeouts",
		e.backendAttr(backendID),
		attribute.String("type", opType),
	)
}

// PreWarmRecommended records one advisory recommendation emitted by the
// fleet analyzer.
func PreWarmRecommended(model string) {
	count("nexus.fleet.recommendations", attribute.String("model", model))
}

// BreakerOutcome records a circuit-breaker-mediated agent call.
func BreakerOutcome(backendID string, success bool) {
	e := active.Load()
	if e == nil {
		return
	}
	count("nexus.breaker.calls", e.backendAttr(backendID), attribute.Bool("success", success))
}

// BreakerTransition records a circuit breaker state change for a backend.
func BreakerTransition(backendID, from, to string) {
	e := active.Load()
	if e == nil {
		return
	}
	count("nexus.breaker.transitions",
		e.backendAttr(backendID),
		attribute.String("from", from),
		attribute.String("to", to),
	)
}

// BreakerRejection records an agent call short-circuited by an open breaker.
func BreakerRejection(backendID string) {
	e := active.Load()
	if e == nil {
		return
	}
	count("nexus.breaker.rejections", e.backendAttr(backendID))
}

// StartAgentSpan opens a span around one agent HTTP call (op is the
// dialect-qualified operation, e.g. "ollama.ChatCompletion"). The returned
// finish func records the call's error, if any, and ends the span. When
// telemetry is disabled the original ctx and a no-op finish come back.
func StartAgentSpan(ctx context.Context, op, backendID string) (context.Context, func(error)) {
	e := active.Load()
	if e == nil {
		return ctx, func(error) {}
	}
	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("nexus.backend_id", backendID),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// RequestCompleted records one finished HTTP request (the logging
// middleware calls it for every route), labeled by its HTTP status code and
// whether the response was streamed.
func RequestCompleted(status int, streamed bool, elapsed time.Duration) {
	count("nexus.requests",
		attribute.String("status", strconv.Itoa(status)),
		attribute.Bool("streamed", streamed),
	)
	observe("nexus.request.duration", "ms", float64(elapsed.Milliseconds()),
		attribute.Bool("streamed", streamed),
	)
}
