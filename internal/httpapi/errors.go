package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/nexus-proxy/nexus/lifecycle"
	"github.com/nexus-proxy/nexus/registry"
	"github.com/nexus-proxy/nexus/router"
)

// wireError is the OpenAI-format error envelope every failure response
// carries (spec.md §7: "{error: {message, type, code}}").
type wireError struct {
	Error wireErrorBody `json:"error"`
}

type wireErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wireError{Error: wireErrorBody{Message: message, Type: errType, Code: code}})
}

// routingErrorStatus maps the router's closed error taxonomy onto HTTP
// status per spec.md §6's "Routing errors -> HTTP" table.
func routingErrorStatus(kind router.ErrorKind) int {
	switch kind {
	case router.ErrModelNotFound:
		return http.StatusNotFound
	case router.ErrNoHealthyBackend, router.ErrFallbackChainExhausted:
		return http.StatusServiceUnavailable
	case router.ErrCapabilityMismatch:
		return http.StatusBadRequest
	case router.ErrBudgetExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// agentErrorStatus maps the agent's closed error taxonomy onto HTTP status
// per spec.md §6's "AgentError -> HTTP mapping" table.
func agentErrorStatus(kind registry.AgentErrorKind) int {
	switch kind {
	case registry.AgentErrNetwork:
		return http.StatusBadGateway
	case registry.AgentErrTimeout:
		return http.StatusGatewayTimeout
	case registry.AgentErrUpstream:
		return http.StatusBadGateway
	case registry.AgentErrUnsupported:
		return http.StatusNotImplemented
	case registry.AgentErrInvalidResponse:
		return http.StatusBadGateway
	case registry.AgentErrConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// lifecycleErrorStatus maps lifecycle.Error's closed kind onto HTTP status
// per spec.md §4.7.
func lifecycleErrorStatus(kind lifecycle.ErrorKind) int {
	switch kind {
	case lifecycle.ErrVRAMInsufficient:
		return http.StatusBadRequest
	case lifecycle.ErrAlreadyInProgress, lifecycle.ErrModelAlreadyLoaded, lifecycle.ErrActiveRequestsPresent:
		return http.StatusConflict
	case lifecycle.ErrBackendNotFound:
		return http.StatusNotFound
	case lifecycle.ErrUnsupported:
		return http.StatusNotImplemented
	case lifecycle.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError inspects err's concrete type and writes the matching
// OpenAI-format error response. Unrecognized errors fall back to 500.
func writeEngineError(w http.ResponseWriter, err error) {
	switch e := err.(type) {
	case *router.RoutingError:
		if e.RetryAfter {
			// Budget hard-limit "queue" rejects with Retry-After in lieu of
			// an actual request queue (spec.md §9 Open Questions).
			w.Header().Set("Retry-After", "60")
		}
		writeError(w, routingErrorStatus(e.Kind), "routing_error", string(e.Kind), e.Error())
	case *registry.AgentError:
		writeError(w, agentErrorStatus(e.Kind), "agent_error", string(e.Kind), e.Error())
	case *lifecycle.Error:
		writeError(w, lifecycleErrorStatus(e.Kind), "lifecycle_error", string(e.Kind), e.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal", err.Error())
	}
}

// isRetryableAgentError reports whether err is a Network/Timeout AgentError,
// the only kinds spec.md §7's retry policy allows a retry for.
func isRetryableAgentError(err error) bool {
	ae, ok := err.(*registry.AgentError)
	if !ok {
		return false
	}
	return ae.Kind == registry.AgentErrNetwork || ae.Kind == registry.AgentErrTimeout
}
