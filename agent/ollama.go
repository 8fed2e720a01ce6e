package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// OllamaAgent speaks Ollama's native dialect: /api/tags for liveness and
// model listing, /api/show to enrich each tag with context length and
// capability flags, /api/chat for completions, and /api/pull's NDJSON
// stream for load progress (spec.md §4.1, §4.7).
type OllamaAgent struct {
	baseClient
}

// NewOllamaAgent constructs an agent for an Ollama backend. Ollama needs no
// API key.
func NewOllamaAgent(id core.BackendId, name, baseURL string, client *http.Client, logger core.Logger) *OllamaAgent {
	return &OllamaAgent{baseClient: newBaseClient(id, name, baseURL, core.BackendOllama, "", client, logger)}
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type ollamaShowResponse struct {
	ModelInfo map[string]interface{} `json:"model_info"`
	Details   struct {
		Family string `json:"family"`
	} `json:"details"`
	Capabilities []string `json:"capabilities"`
}

// HealthCheck hits /api/tags; Ollama has no separate liveness endpoint, so a
// successful tag listing doubles as the liveness probe.
func (a *OllamaAgent) HealthCheck(ctx context.Context) (registry.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	var out ollamaTagsResponse
	if err := a.doJSON(ctx, "ollama.HealthCheck", http.MethodGet, "/api/tags", nil, nil, &out); err != nil {
		return registry.HealthStatus{}, err
	}
	return registry.HealthStatus{Kind: registry.HealthStatusHealthy, ModelCount: len(out.Models)}, nil
}

// ListModels lists tags then enriches each via /api/show to derive context
// length and vision/tools capability. A single model's enrichment failing
// does not fail the whole call: that model is retained with heuristic,
// name-based capabilities (spec.md §4.3 "stale rather than empty").
func (a *OllamaAgent) ListModels(ctx context.Context) ([]core.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, ListModelsTimeout)
	defer cancel()

	var tags ollamaTagsResponse
	if err := a.doJSON(ctx, "ollama.ListModels", http.MethodGet, "/api/tags", nil, nil, &tags); err != nil {
		return nil, err
	}

	models := make([]core.Model, 0, len(tags.Models))
	for _, t := range tags.Models {
		m := core.Model{ID: t.Name, DisplayName: t.Name}
		applyNameHeuristics(&m)

		var show ollamaShowResponse
		err := a.doJSON(ctx, "ollama.ListModels", http.MethodPost, "/api/show", map[string]string{"name": t.Name}, nil, &show)
		if err == nil {
			if ctxLen, ok := contextLengthFromModelInfo(show.ModelInfo, show.Details.Family); ok {
				m.ContextLength = ctxLen
			}
			for _, cap := range show.Capabilities {
				switch cap {
				case "vision":
					m.SupportsVision = true
				case "tools":
					m.SupportsTools = true
				}
			}
		}
		models = append(models, m)
	}
	return models, nil
}

// contextLengthFromModelInfo looks for the family-prefixed
// "<family>.context_length" key Ollama's /api/show response carries.
func contextLengthFromModelInfo(info map[string]interface{}, family string) (int, bool) {
	if info == nil {
		return 0, false
	}
	key := family + ".context_length"
	if v, ok := info[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f), true
		}
	}
	for k, v := range info {
		if strings.HasSuffix(k, ".context_length") {
			if f, ok := v.(float64); ok {
				return int(f), true
			}
		}
	}
	return 0, false
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Model     string        `json:"model"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
	DoneReason string       `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

func toOllamaRequest(req registry.ChatRequest) ollamaChatRequest {
	out := ollamaChatRequest{Model: req.Model, Stream: req.Stream}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, ollamaMessage{Role: string(m.Role), Content: flattenText(m.Content)})
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		out.Format = "json"
	}
	return out
}

func flattenText(parts []registry.ContentPart) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Kind == registry.ContentText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ChatCompletion forwards to /api/chat and parses Ollama's response into the
// OpenAI-format ChatResponse every agent returns.
func (a *OllamaAgent) ChatCompletion(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultChatTimeout)
	defer cancel()

	ollamaReq := toOllamaRequest(req)
	ollamaReq.Stream = false

	var out ollamaChatResponse
	if err := a.doJSON(ctx, "ollama.ChatCompletion", http.MethodPost, "/api/chat", ollamaReq, headers, &out); err != nil {
		return registry.ChatResponse{}, err
	}

	return registry.ChatResponse{
		Model: out.Model,
		Choices: []registry.ChatChoice{{
			Index:        0,
			Message:      registry.ChatMessage{Role: registry.RoleAssistant, Content: []registry.ContentPart{{Kind: registry.ContentText, Text: out.Message.Content}}},
			FinishReason: out.DoneReason,
		}},
		Usage: registry.ChatUsage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}, nil
}

// ndjsonChunkStream adapts Ollama's newline-delimited JSON streaming
// protocol to the uniform ChunkStream interface. Closing it cancels the
// request context, which aborts the upstream HTTP request and releases its
// socket (spec.md §4.1's cancellation-safety requirement).
type ndjsonChunkStream struct {
	body   io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	model   string
}

func (s *ndjsonChunkStream) Next(ctx context.Context) (registry.ChatChunk, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return registry.ChatChunk{}, registry.NewNetworkError("ollama.ChatCompletionStream", err)
		}
		return registry.ChatChunk{Done: true}, nil
	}
	line := s.scanner.Bytes()
	if len(line) == 0 {
		return s.Next(ctx)
	}
	var frame ollamaChatResponse
	if err := json.Unmarshal(line, &frame); err != nil {
		return registry.ChatChunk{}, registry.NewInvalidResponseError("ollama.ChatCompletionStream", err.Error())
	}
	return registry.ChatChunk{
		Model:        frame.Model,
		DeltaContent: frame.Message.Content,
		FinishReason: frame.DoneReason,
		Done:         frame.Done,
	}, nil
}

func (s *ndjsonChunkStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// ChatCompletionStream streams /api/chat's NDJSON frames.
func (a *OllamaAgent) ChatCompletionStream(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChunkStream, error) {
	streamCtx, cancel := context.WithTimeout(ctx, DefaultChatTimeout)

	ollamaReq := toOllamaRequest(req)
	ollamaReq.Stream = true

	httpReq, err := a.newStreamingRequest(streamCtx, "/api/chat", ollamaReq, headers)
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, registry.NewNetworkError("ollama.ChatCompletionStream", err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, registry.NewUpstreamError("ollama.ChatCompletionStream", resp.StatusCode, string(data))
	}

	return &ndjsonChunkStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body), cancel: cancel, model: req.Model}, nil
}

func (a baseClient) newStreamingRequest(ctx context.Context, path string, body interface{}, headers map[string]string) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, registry.NewInvalidResponseError(string(a.backendType)+".stream", "encode request: "+err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(string(data)))
	if err != nil {
		return nil, registry.NewInvalidResponseError(string(a.backendType)+".stream", "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

type ollamaPullProgress struct {
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
}

// LoadModel issues /api/pull and drains its NDJSON progress stream,
// reporting the final status. Callers that want live progress updates
// (the lifecycle controller) should call LoadModelWithProgress instead;
// LoadModel satisfies the Agent interface's simple blocking contract.
func (a *OllamaAgent) LoadModel(ctx context.Context, modelID string) error {
	return a.LoadModelWithProgress(ctx, modelID, func(percent int, eta time.Duration) {})
}

// LoadModelWithProgress pulls modelID, invoking onProgress as the NDJSON
// stream reports completed/total byte counts. Used by the lifecycle
// controller to propagate Loading{percent} into the registry (§4.7).
func (a *OllamaAgent) LoadModelWithProgress(ctx context.Context, modelID string, onProgress func(percent int, eta time.Duration)) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultLoadTimeout)
	defer cancel()

	req, err := a.newStreamingRequest(ctx, "/api/pull", map[string]string{"name": modelID}, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return registry.NewNetworkError("ollama.LoadModel", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return registry.NewUpstreamError("ollama.LoadModel", resp.StatusCode, string(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lastErr string
	for scanner.Scan() {
		var p ollamaPullProgress
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			continue
		}
		if strings.HasPrefix(p.Status, "error") {
			lastErr = p.Status
			continue
		}
		if p.Total > 0 {
			onProgress(int(100*p.Completed/p.Total), 0)
		}
	}
	if lastErr != "" {
		return registry.NewUpstreamError("ollama.LoadModel", 0, lastErr)
	}
	return nil
}

// UnloadModel asks Ollama to evict the model by issuing a zero-duration
// keep_alive generate call, the documented idiom for freeing VRAM without a
// dedicated unload endpoint.
func (a *OllamaAgent) UnloadModel(ctx context.Context, modelID string) error {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	body := map[string]interface{}{"model": modelID, "keep_alive": 0}
	return a.doJSON(ctx, "ollama.UnloadModel", http.MethodPost, "/api/generate", body, nil, nil)
}

func applyNameHeuristics(m *core.Model) {
	lower := strings.ToLower(m.ID)
	if strings.Contains(lower, "vision") || strings.Contains(lower, "llava") {
		m.SupportsVision = true
	}
	switch {
	case strings.HasSuffix(lower, "-128k"):
		m.ContextLength = 128_000
	case strings.HasSuffix(lower, "-32k"):
		m.ContextLength = 32_000
	}
}
