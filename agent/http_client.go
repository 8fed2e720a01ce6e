// Package agent implements the polymorphic Agent contract (registry.Agent)
// for each backend dialect the engine fronts: Ollama, an OpenAI-compatible
// family (OpenAI, LM Studio, vLLM, llama.cpp, Exo), a Generic fallback for
// unknown types, and AWS Bedrock. Every implementation shares one HTTP
// client instance so connection pools, DNS caches, and TLS sessions are
// reused across the whole fleet (spec.md §4.1).
package agent

import (
	"net"
	"net/http"
	"time"
)

// Default per-operation deadlines, per spec.md §5.
const (
	HealthTimeout     = 5 * time.Second
	ListModelsTimeout = 5 * time.Second
	DefaultChatTimeout = 120 * time.Second
	DefaultLoadTimeout = 300 * time.Second
)

// NewSharedHTTPClient builds the single process-wide *http.Client every
// agent constructor receives. A generous idle-connection pool avoids
// reconnect overhead against a small, stable fleet of backends; the
// per-call timeout is applied via context deadlines (agents never set
// http.Client.Timeout, since that would apply uniformly across calls with
// very different budgets - health vs. chat vs. load).
func NewSharedHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}
