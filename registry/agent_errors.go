package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/nexus-proxy/nexus/core"
)

// AgentErrorKind is the closed taxonomy of failure modes an Agent can
// surface, per spec.md §4.1/§7.
type AgentErrorKind string

const (
	AgentErrNetwork         AgentErrorKind = "network"
	AgentErrTimeout         AgentErrorKind = "timeout"
	AgentErrUpstream        AgentErrorKind = "upstream"
	AgentErrUnsupported     AgentErrorKind = "unsupported"
	AgentErrInvalidResponse AgentErrorKind = "invalid_response"
	AgentErrConfiguration   AgentErrorKind = "configuration"
)

// AgentError carries a closed error kind plus enough detail for the HTTP
// layer's per-kind status mapping (§6) and for errors.Is/As against the
// core sentinels.
type AgentError struct {
	Kind       AgentErrorKind
	Op         string // e.g. "ollama.ChatCompletion"
	TimeoutMs  int64  // set when Kind == AgentErrTimeout
	UpstreamStatus int
	Message    string
	Err        error
}

func (e *AgentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *AgentError) Unwrap() error {
	switch e.Kind {
	case AgentErrNetwork:
		return joinErr(core.ErrAgentNetwork, e.Err)
	case AgentErrTimeout:
		return joinErr(core.ErrAgentTimeout, e.Err)
	case AgentErrUpstream:
		return joinErr(core.ErrAgentUpstream, e.Err)
	case AgentErrUnsupported:
		return joinErr(core.ErrAgentUnsupported, e.Err)
	case AgentErrInvalidResponse:
		return joinErr(core.ErrAgentInvalidResponse, e.Err)
	case AgentErrConfiguration:
		return joinErr(core.ErrAgentConfiguration, e.Err)
	default:
		return e.Err
	}
}

func joinErr(sentinel, wrapped error) error {
	if wrapped == nil {
		return sentinel
	}
	return errors.Join(sentinel, wrapped)
}

func NewNetworkError(op string, err error) *AgentError {
	return &AgentError{Kind: AgentErrNetwork, Op: op, Err: err, Message: errMsg(err)}
}

func NewTimeoutError(op string, timeout time.Duration) *AgentError {
	return &AgentError{Kind: AgentErrTimeout, Op: op, TimeoutMs: timeout.Milliseconds(), Message: fmt.Sprintf("exceeded %s", timeout)}
}

func NewUpstreamError(op string, status int, message string) *AgentError {
	return &AgentError{Kind: AgentErrUpstream, Op: op, UpstreamStatus: status, Message: message}
}

func NewUnsupportedError(op string) *AgentError {
	return &AgentError{Kind: AgentErrUnsupported, Op: op, Message: "operation not supported by this agent"}
}

func NewInvalidResponseError(op, message string) *AgentError {
	return &AgentError{Kind: AgentErrInvalidResponse, Op: op, Message: message}
}

func NewConfigurationError(op, message string) *AgentError {
	return &AgentError{Kind: AgentErrConfiguration, Op: op, Message: message}
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
