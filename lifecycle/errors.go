package lifecycle

import (
	"fmt"

	"github.com/nexus-proxy/nexus/core"
)

// ErrorKind is the closed taxonomy of lifecycle failures (spec.md §4.7, §7).
type ErrorKind string

const (
	ErrBackendNotFound       ErrorKind = "backend_not_found"
	ErrVRAMInsufficient      ErrorKind = "vram_insufficient"
	ErrAlreadyInProgress     ErrorKind = "already_in_progress"
	ErrModelAlreadyLoaded    ErrorKind = "model_already_loaded"
	ErrActiveRequestsPresent ErrorKind = "active_requests_present"
	ErrUnsupported           ErrorKind = "unsupported"
	ErrTimeout               ErrorKind = "timeout"
)

// Error carries a closed error kind plus enough detail for the HTTP layer's
// per-kind status mapping (VRAMInsufficient -> 400, AlreadyInProgress -> 409,
// Unsupported -> 501, Timeout -> 504, per spec.md §4.7).
type Error struct {
	Kind      ErrorKind
	BackendID core.BackendId
	ModelID   string
	Message   string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: backend=%s model=%s", e.Kind, e.BackendID, e.ModelID)
}

// Unwrap maps onto the shared core sentinels so callers can use errors.Is
// against core.ErrVRAMInsufficient etc. regardless of which package raised
// the error. Model-already-loaded reuses the AlreadyInProgress sentinel: both
// represent the same class of conflict (409) even though this package
// distinguishes them for logging.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case ErrVRAMInsufficient:
		return core.ErrVRAMInsufficient
	case ErrAlreadyInProgress, ErrModelAlreadyLoaded:
		return core.ErrAlreadyInProgress
	case ErrActiveRequestsPresent:
		return core.ErrActiveRequestsPresent
	case ErrUnsupported:
		return core.ErrAgentUnsupported
	case ErrTimeout:
		return core.ErrLifecycleTimeout
	case ErrBackendNotFound:
		return core.ErrBackendNotFound
	default:
		return nil
	}
}
