package resilience

import (
	"github.com/nexus-proxy/nexus/telemetry"
)

// breakerTelemetry implements MetricsCollector by forwarding circuit
// breaker events to the telemetry package's domain API. Breakers are named
// after the backend id they guard, so the name flows through as the
// backend_id label (subject to telemetry's cardinality cap).
type breakerTelemetry struct{}

func (breakerTelemetry) RecordSuccess(name string) {
	telemetry.BreakerOutcome(name, true)
}

func (breakerTelemetry) RecordFailure(name string, errorType string) {
	telemetry.BreakerOutcome(name, false)
}

func (breakerTelemetry) RecordStateChange(name string, from, to string) {
	telemetry.BreakerTransition(name, from, to)
}

func (breakerTelemetry) RecordRejection(name string) {
	telemetry.BreakerRejection(name)
}
