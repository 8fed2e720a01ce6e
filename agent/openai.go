package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// OpenAICompatAgent speaks the OpenAI chat-completions wire format:
// GET /v1/models, POST /v1/chat/completions (with text/event-stream SSE when
// Stream is set). It serves every backend type whose HTTP surface mirrors
// OpenAI's own API — OpenAI itself, LM Studio, vLLM, and llama.cpp's
// server — differing only in which capability heuristics apply to an
// unrecognized model name, captured by the relaxed flag (spec.md §4.1).
type OpenAICompatAgent struct {
	baseClient
	relaxed bool // true for GenericAgent: assume capabilities rather than deny them
}

// NewOpenAICompatAgent constructs an agent for one of the named dialects
// (OpenAI, LMStudio, vLLM, llama.cpp, Exo). apiKey may be empty for backends
// that don't require one (a local LM Studio/vLLM instance, typically).
func NewOpenAICompatAgent(id core.BackendId, name, baseURL string, backendType core.BackendType, apiKey string, client *http.Client, logger core.Logger) *OpenAICompatAgent {
	return &OpenAICompatAgent{baseClient: newBaseClient(id, name, baseURL, backendType, apiKey, client, logger)}
}

// NewGenericAgent constructs the fallback agent used for backend_type Generic
// and any type the engine doesn't otherwise recognize (spec.md §4.1). It
// speaks the same OpenAI-compatible wire format but assumes a model supports
// a capability unless proven otherwise, since an unknown backend's true
// capabilities can't be derived from naming conventions alone.
func NewGenericAgent(id core.BackendId, name, baseURL, apiKey string, client *http.Client, logger core.Logger) *OpenAICompatAgent {
	return &OpenAICompatAgent{baseClient: newBaseClient(id, name, baseURL, core.BackendGeneric, apiKey, client, logger), relaxed: true}
}

type openaiModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// HealthCheck lists models; a successful response is the liveness signal
// (OpenAI-compatible servers have no dedicated /health endpoint).
func (a *OpenAICompatAgent) HealthCheck(ctx context.Context) (registry.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	var out openaiModelsResponse
	if err := a.doJSON(ctx, string(a.backendType)+".HealthCheck", http.MethodGet, "/v1/models", nil, nil, &out); err != nil {
		return registry.HealthStatus{}, err
	}
	return registry.HealthStatus{Kind: registry.HealthStatusHealthy, ModelCount: len(out.Data)}, nil
}

// ListModels lists /v1/models and derives capabilities heuristically: the
// OpenAI-compatible listing endpoint carries no capability metadata, unlike
// Ollama's /api/show, so name-based heuristics are the only signal available
// (spec.md §4.1, §4.3).
func (a *OpenAICompatAgent) ListModels(ctx context.Context) ([]core.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, ListModelsTimeout)
	defer cancel()

	var out openaiModelsResponse
	if err := a.doJSON(ctx, string(a.backendType)+".ListModels", http.MethodGet, "/v1/models", nil, nil, &out); err != nil {
		return nil, err
	}

	models := make([]core.Model, 0, len(out.Data))
	for _, d := range out.Data {
		m := core.Model{ID: d.ID, DisplayName: d.ID, ContextLength: 4096}
		applyNameHeuristics(&m)
		if a.relaxed {
			m.SupportsTools = true
			m.SupportsJSONMode = true
		}
		models = append(models, m)
	}
	return models, nil
}

type openaiChatRequest struct {
	Model          string                  `json:"model"`
	Messages       []openaiMessage         `json:"messages"`
	Stream         bool                    `json:"stream"`
	Tools          []openaiTool            `json:"tools,omitempty"`
	ResponseFormat *openaiResponseFormat   `json:"response_format,omitempty"`
	Temperature    *float64                `json:"temperature,omitempty"`
	MaxTokens      *int                    `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiTool struct {
	Type     string                 `json:"type"`
	Function map[string]interface{} `json:"function"`
}

type openaiResponseFormat struct {
	Type string `json:"type"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiChatResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

func toOpenAIRequest(req registry.ChatRequest) openaiChatRequest {
	out := openaiChatRequest{Model: req.Model, Stream: req.Stream, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, openaiMessage{Role: string(m.Role), Content: flattenText(m.Content)})
	}
	for _, tl := range req.Tools {
		out.Tools = append(out.Tools, openaiTool{Type: tl.Type, Function: map[string]interface{}{
			"name": tl.Name, "description": tl.Description, "parameters": tl.Parameters,
		}})
	}
	if req.ResponseFormat != nil {
		out.ResponseFormat = &openaiResponseFormat{Type: req.ResponseFormat.Type}
	}
	return out
}

// ChatCompletion forwards to /v1/chat/completions and passes the response
// through essentially unchanged, since it's already OpenAI's own shape.
func (a *OpenAICompatAgent) ChatCompletion(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultChatTimeout)
	defer cancel()

	oreq := toOpenAIRequest(req)
	oreq.Stream = false

	var out openaiChatResponse
	op := string(a.backendType) + ".ChatCompletion"
	if err := a.doJSON(ctx, op, http.MethodPost, "/v1/chat/completions", oreq, headers, &out); err != nil {
		return registry.ChatResponse{}, err
	}

	resp := registry.ChatResponse{
		ID:    out.ID,
		Model: out.Model,
		Usage: registry.ChatUsage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens, TotalTokens: out.Usage.TotalTokens},
	}
	for _, c := range out.Choices {
		resp.Choices = append(resp.Choices, registry.ChatChoice{
			Index:        c.Index,
			Message:      registry.ChatMessage{Role: registry.RoleAssistant, Content: []registry.ContentPart{{Kind: registry.ContentText, Text: c.Message.Content}}},
			FinishReason: c.FinishReason,
		})
	}
	return resp, nil
}

// sseChunkStream adapts an OpenAI-style "data: {...}\n\n" SSE body, including
// the terminal "data: [DONE]" sentinel frame, to the uniform ChunkStream
// interface.
type sseChunkStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

type openaiStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (s *sseChunkStream) Next(ctx context.Context) (registry.ChatChunk, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return registry.ChatChunk{Done: true}, nil
		}
		var frame openaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			return registry.ChatChunk{}, registry.NewInvalidResponseError("openai.ChatCompletionStream", err.Error())
		}
		chunk := registry.ChatChunk{ID: frame.ID, Model: frame.Model}
		if len(frame.Choices) > 0 {
			chunk.DeltaContent = frame.Choices[0].Delta.Content
			chunk.FinishReason = frame.Choices[0].FinishReason
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return registry.ChatChunk{}, registry.NewNetworkError("openai.ChatCompletionStream", err)
	}
	return registry.ChatChunk{Done: true}, nil
}

func (s *sseChunkStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// ChatCompletionStream streams /v1/chat/completions' SSE frames.
func (a *OpenAICompatAgent) ChatCompletionStream(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChunkStream, error) {
	streamCtx, cancel := context.WithTimeout(ctx, DefaultChatTimeout)

	oreq := toOpenAIRequest(req)
	oreq.Stream = true

	op := string(a.backendType) + ".ChatCompletionStream"
	httpReq, err := a.newStreamingRequest(streamCtx, "/v1/chat/completions", oreq, headers)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, registry.NewNetworkError(op, err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, registry.NewUpstreamError(op, resp.StatusCode, string(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseChunkStream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

// Embeddings forwards to /v1/embeddings, the one optional operation the
// OpenAI-compatible dialect commonly supports.
func (a *OpenAICompatAgent) Embeddings(ctx context.Context, input []string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultChatTimeout)
	defer cancel()

	body := map[string]interface{}{"input": input}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := a.doJSON(ctx, string(a.backendType)+".Embeddings", http.MethodPost, "/v1/embeddings", body, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, registry.NewInvalidResponseError(string(a.backendType)+".Embeddings", "empty data array")
	}
	return out.Data[0].Embedding, nil
}

