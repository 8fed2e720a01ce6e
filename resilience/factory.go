package resilience

import (
	"github.com/nexus-proxy/nexus/core"
)

// ResilienceDependencies holds the optional collaborators a breaker needs
// beyond its own config.
type ResilienceDependencies struct {
	Logger core.Logger
}

// CreateCircuitBreaker builds a per-backend circuit breaker (one per agent,
// named after the backend id) with default thresholds, the caller's logger,
// and breaker events forwarded to the telemetry package. Telemetry events
// are no-ops until telemetry.Init runs, so this wiring is unconditional.
func CreateCircuitBreaker(name string, deps ResilienceDependencies) (*CircuitBreaker, error) {
	config := DefaultConfig()
	config.Name = name
	config.Metrics = breakerTelemetry{}

	if deps.Logger != nil {
		config.Logger = deps.Logger
	}

	return NewCircuitBreaker(config)
}
