package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
	"github.com/nexus-proxy/nexus/resilience"
	"github.com/nexus-proxy/nexus/telemetry"
)

// baseClient is embedded by every dialect implementation. It owns the
// shared *http.Client, structured logging, and the JSON request/response
// plumbing common to every HTTP-speaking backend, mirroring
// ai/providers/base.go's BaseClient for this package's concerns.
type baseClient struct {
	id          core.BackendId
	name        string
	baseURL     string
	backendType core.BackendType
	privacyZone core.PrivacyZone
	apiKey      string // empty for backends that need none (Ollama, local OpenAI-compat)

	httpClient *http.Client
	logger     core.Logger
	breaker    *resilience.CircuitBreaker
}

func newBaseClient(id core.BackendId, name, baseURL string, backendType core.BackendType, apiKey string, client *http.Client, logger core.Logger) baseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	breaker, err := resilience.CreateCircuitBreaker(string(id), resilience.ResilienceDependencies{Logger: logger})
	if err != nil {
		// DefaultConfig() is always valid, so CreateCircuitBreaker only
		// fails on a programmer error in this constructor's arguments.
		panic(fmt.Sprintf("agent: circuit breaker for %s: %v", id, err))
	}
	return baseClient{
		id:          id,
		name:        name,
		baseURL:     baseURL,
		backendType: backendType,
		privacyZone: core.ZoneForBackendType(backendType),
		apiKey:      apiKey,
		httpClient:  client,
		logger:      logger,
		breaker:     breaker,
	}
}

func (b baseClient) ID() core.BackendId { return b.id }
func (b baseClient) Name() string       { return b.name }

func (b baseClient) Profile() registry.AgentProfile {
	return registry.AgentProfile{
		BackendType: b.backendType,
		PrivacyZone: b.privacyZone,
	}
}

// doJSON executes an HTTP request with a JSON body (if any), decodes a JSON
// response into out, and maps transport/status failures into the AgentError
// taxonomy §4.1/§7 requires. headers are forwarded verbatim (used to pass
// the caller's Authorization header through, per §4.1).
func (b baseClient) doJSON(ctx context.Context, op, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	resp, respBody, err := b.doRaw(ctx, op, method, path, body, headers)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return registry.NewInvalidResponseError(op, fmt.Sprintf("decode %s: %v", resp.Request.URL, err))
	}
	return nil
}

// doRaw executes the request and returns the raw response body, mapping
// network/timeout/status failures into *registry.AgentError. Each call is
// wrapped in a trace span carrying the backend id and dialect operation.
func (b baseClient) doRaw(ctx context.Context, op, method, path string, body interface{}, headers map[string]string) (_ *http.Response, _ []byte, err error) {
	ctx, finish := telemetry.StartAgentSpan(ctx, op, string(b.id))
	defer func() { finish(err) }()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, nil, registry.NewInvalidResponseError(op, "encode request: "+err.Error())
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, nil, registry.NewInvalidResponseError(op, "build request: "+err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	for k, v := range headers {
		// Let the caller's Authorization (e.g. bring-your-own-key) win over
		// the agent's configured key.
		req.Header.Set(k, v)
	}

	start := time.Now()
	var resp *http.Response
	var data []byte
	cbErr := b.breaker.Execute(ctx, func() error {
		var doErr error
		resp, doErr = b.httpClient.Do(req)
		if doErr != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if dl, ok := ctx.Deadline(); ok {
					return registry.NewTimeoutError(op, time.Until(dl)+time.Since(start))
				}
				return registry.NewTimeoutError(op, time.Since(start))
			}
			return registry.NewNetworkError(op, doErr)
		}
		defer resp.Body.Close()

		data, doErr = io.ReadAll(resp.Body)
		if doErr != nil {
			return registry.NewNetworkError(op, doErr)
		}

		if resp.StatusCode >= 400 {
			return registry.NewUpstreamError(op, resp.StatusCode, string(data))
		}
		return nil
	})
	if cbErr != nil {
		if errors.Is(cbErr, core.ErrCircuitBreakerOpen) {
			return nil, nil, registry.NewNetworkError(op, cbErr)
		}
		return resp, data, cbErr
	}
	return resp, data, nil
}

// The optional operations below are the defaults every dialect inherits
// unless it overrides them: Embeddings, LoadModel and UnloadModel return an
// Unsupported AgentError, CountTokens returns the chars/4 heuristic, and
// ResourceUsage returns an empty usage snapshot with a nil error.

func (b baseClient) Embeddings(ctx context.Context, input []string) ([]float32, error) {
	return nil, registry.NewUnsupportedError(string(b.backendType) + ".Embeddings")
}

func (b baseClient) LoadModel(ctx context.Context, modelID string) error {
	return registry.NewUnsupportedError(string(b.backendType) + ".LoadModel")
}

func (b baseClient) UnloadModel(ctx context.Context, modelID string) error {
	return registry.NewUnsupportedError(string(b.backendType) + ".UnloadModel")
}

func (b baseClient) CountTokens(modelID, text string) registry.TokenCount {
	return registry.HeuristicTokenCount(text)
}

func (b baseClient) ResourceUsage(ctx context.Context) (registry.ResourceUsage, error) {
	return registry.ResourceUsage{}, nil
}
