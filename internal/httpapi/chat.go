package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
	"github.com/nexus-proxy/nexus/resilience"
	"github.com/nexus-proxy/nexus/router"
)

// forwardedHeaders are copied verbatim onto the upstream agent call (spec.md
// §4.1: "forwards the Authorization header if present").
func forwardedHeaders(r *http.Request) map[string]string {
	out := map[string]string{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		out["Authorization"] = auth
	}
	return out
}

func setRouteHeaders(w http.ResponseWriter, result router.RoutingResult) {
	w.Header().Set("X-Nexus-Backend-Id", string(result.Backend.ID))
	w.Header().Set("X-Nexus-Backend-Name", result.Backend.Name)
	w.Header().Set("X-Nexus-Route-Reason", result.RouteReason)
	w.Header().Set("X-Nexus-Actual-Model", result.ActualModel)
	w.Header().Set("X-Nexus-Fallback-Used", strconv.FormatBool(result.FallbackUsed))
}

// routeAndGetAgent resolves reqs through the router and fetches the chosen
// backend's agent handle. Called once per retry attempt.
func (h *handler) routeAndGetAgent(reqs router.RequestRequirements) (router.RoutingResult, registry.Agent, error) {
	result, err := h.deps.Router.Route(reqs)
	if err != nil {
		return router.RoutingResult{}, nil, err
	}
	ag, ok := h.deps.Registry.GetAgent(result.Backend.ID)
	if !ok {
		return router.RoutingResult{}, nil, &router.RoutingError{Kind: router.ErrNoHealthyBackend, Model: reqs.Model}
	}
	return result, ag, nil
}

// retryConfig builds the per-request retry policy: up to max_retries extra
// attempts on a Network/Timeout AgentError (spec.md §7), each re-running the
// router with the failed backend excluded. Routing errors and Upstream
// responses are terminal, which RetryIf enforces via isRetryableAgentError.
func (h *handler) retryConfig() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:   h.deps.MaxRetries + 1,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// recordCompletion folds one finished request into the per-backend latency
// EMA, the quality tracker, and the fleet analyzer's demand histogram
// (spec.md §2: "Counters ... are updated on entry and completion").
func (h *handler) recordCompletion(result router.RoutingResult, elapsed time.Duration, success bool) {
	if success {
		h.deps.Registry.RecordLatency(result.Backend.ID, elapsed.Milliseconds())
	}
	if h.deps.Quality != nil {
		h.deps.Quality.RecordOutcome(result.Backend.ID, result.ActualModel, success)
	}
	if success && h.deps.Fleet != nil {
		h.deps.Fleet.Record(result.ActualModel, time.Now())
	}
}

// chatCompletions implements POST /v1/chat/completions (spec.md §6): routes
// the request, dispatches to the chosen backend's agent, and retries up to
// max_retries on a Network/Timeout AgentError by re-running the router with
// the offending backend excluded (spec.md §7). Upstream 4xx is never
// retried.
func (h *handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	var wireReq wireChatRequest
	if err := json.NewDecoder(r.Body).Decode(&wireReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", err.Error())
		return
	}
	chatReq, err := wireReq.toChatRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_message", err.Error())
		return
	}

	reqs := router.ExtractRequirements(chatReq, callerZone(r), tierHint(r))
	headers := forwardedHeaders(r)

	if chatReq.Stream {
		h.streamChatCompletion(w, r, chatReq, reqs, headers)
		return
	}

	excluded := map[core.BackendId]bool{}
	var result router.RoutingResult
	var res registry.ChatResponse
	var lastErr error

	err = resilience.RetryIf(r.Context(), h.retryConfig(), isRetryableAgentError, func() error {
		reqs.Excluded = excluded
		var ag registry.Agent
		var attemptErr error
		result, ag, attemptErr = h.routeAndGetAgent(reqs)
		if attemptErr != nil {
			lastErr = attemptErr
			return attemptErr
		}

		h.deps.Registry.IncrementPending(result.Backend.ID)
		start := time.Now()
		res, attemptErr = ag.ChatCompletion(r.Context(), chatReq, headers)
		elapsed := time.Since(start)
		h.deps.Registry.DecrementPending(result.Backend.ID)

		if attemptErr != nil {
			h.recordCompletion(result, elapsed, false)
			if isRetryableAgentError(attemptErr) {
				excluded[result.Backend.ID] = true
			}
			lastErr = attemptErr
			return attemptErr
		}

		h.recordCompletion(result, elapsed, true)
		return nil
	})
	if err != nil {
		writeEngineError(w, lastErr)
		return
	}

	if h.deps.Budget != nil {
		cost := h.deps.Budget.EstimateCost(result.ActualModel, res.Usage.PromptTokens, res.Usage.CompletionTokens, true)
		h.deps.Budget.RecordCost(cost)
	}

	setRouteHeaders(w, result)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(fromChatResponse(res))
}

func (h *handler) streamChatCompletion(w http.ResponseWriter, r *http.Request, chatReq registry.ChatRequest, reqs router.RequestRequirements, headers map[string]string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming_unsupported", "response writer does not support streaming")
		return
	}

	excluded := map[core.BackendId]bool{}
	var result router.RoutingResult
	var stream registry.ChunkStream
	var ag registry.Agent
	var lastErr error

	err := resilience.RetryIf(r.Context(), h.retryConfig(), isRetryableAgentError, func() error {
		reqs.Excluded = excluded
		var attemptErr error
		result, ag, attemptErr = h.routeAndGetAgent(reqs)
		if attemptErr != nil {
			lastErr = attemptErr
			return attemptErr
		}

		h.deps.Registry.IncrementPending(result.Backend.ID)
		stream, attemptErr = ag.ChatCompletionStream(r.Context(), chatReq, headers)
		if attemptErr != nil {
			h.deps.Registry.DecrementPending(result.Backend.ID)
			if h.deps.Quality != nil {
				h.deps.Quality.RecordOutcome(result.Backend.ID, result.ActualModel, false)
			}
			if isRetryableAgentError(attemptErr) {
				excluded[result.Backend.ID] = true
			}
			lastErr = attemptErr
			return attemptErr
		}
		return nil
	})
	if err != nil {
		writeEngineError(w, lastErr)
		return
	}
	defer stream.Close()
	defer h.deps.Registry.DecrementPending(result.Backend.ID)

	setRouteHeaders(w, result)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	start := time.Now()
	var completion strings.Builder
	streamErr := error(nil)
	for {
		chunk, err := stream.Next(r.Context())
		if err != nil {
			streamErr = err
			break
		}
		if chunk.Done {
			break
		}
		completion.WriteString(chunk.DeltaContent)
		data, _ := json.Marshal(fromChatChunk(chunk))
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	success := streamErr == nil
	h.recordCompletion(result, time.Since(start), success)
	if success && h.deps.Budget != nil {
		// Streaming responses carry no Usage object, so completion tokens
		// come from the agent's own counter (spec.md §4.5: "tokens come
		// from agent.count_tokens which may be exact or heuristic").
		completionTokens := ag.CountTokens(result.ActualModel, completion.String())
		cost := h.deps.Budget.EstimateCost(result.ActualModel, reqs.EstimatedTokens, completionTokens.Count, completionTokens.Kind == registry.TokenCountExact)
		h.deps.Budget.RecordCost(cost)
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
