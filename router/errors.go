package router

import (
	"fmt"
	"strings"

	"github.com/nexus-proxy/nexus/core"
)

// ErrorKind is the closed taxonomy of synchronous routing failures
// (spec.md §4.4 step 4, §7).
type ErrorKind string

const (
	ErrModelNotFound          ErrorKind = "model_not_found"
	ErrNoHealthyBackend       ErrorKind = "no_healthy_backend"
	ErrCapabilityMismatch     ErrorKind = "capability_mismatch"
	ErrFallbackChainExhausted ErrorKind = "fallback_chain_exhausted"
	// ErrBudgetExceeded is not named in spec.md §4.4's error table but is
	// required to realize §4.5's Budget reconciler "reject" action and §6's
	// 429/503 budget mapping.
	ErrBudgetExceeded ErrorKind = "budget_exceeded"
)

// RoutingError carries enough detail for the HTTP layer's per-kind status
// mapping (spec.md §6) and for errors.Is/As against the core sentinels.
type RoutingError struct {
	Kind       ErrorKind
	Model      string
	Missing    []string // unmet capability names, set for CapabilityMismatch
	Chain      []string // attempted substitute names, set for FallbackChainExhausted
	RetryAfter bool     // set for ErrBudgetExceeded when the configured action is "queue"
}

func (e *RoutingError) Error() string {
	switch e.Kind {
	case ErrModelNotFound:
		return fmt.Sprintf("model not found: %s", e.Model)
	case ErrNoHealthyBackend:
		return fmt.Sprintf("no healthy backend for model: %s", e.Model)
	case ErrCapabilityMismatch:
		return fmt.Sprintf("capability mismatch for model %s: missing %s", e.Model, strings.Join(e.Missing, ","))
	case ErrFallbackChainExhausted:
		return fmt.Sprintf("fallback chain exhausted for model %s: tried %s", e.Model, strings.Join(e.Chain, ","))
	case ErrBudgetExceeded:
		return fmt.Sprintf("budget limit reached, rejecting request for model %s", e.Model)
	default:
		return "routing error"
	}
}

// Unwrap lets callers use errors.Is against the core sentinel errors.
func (e *RoutingError) Unwrap() error {
	switch e.Kind {
	case ErrModelNotFound:
		return core.ErrModelNotFound
	case ErrNoHealthyBackend:
		return core.ErrNoHealthyBackend
	case ErrCapabilityMismatch:
		return core.ErrCapabilityMismatch
	case ErrFallbackChainExhausted:
		return core.ErrFallbackChainExhausted
	default:
		return nil
	}
}
