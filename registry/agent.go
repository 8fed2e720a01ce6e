package registry

import (
	"context"

	"github.com/nexus-proxy/nexus/core"
)

// Agent is the polymorphic contract the registry stores one handle of per
// backend (spec.md §4.1). It hides per-backend HTTP dialect behind a
// uniform interface: health, model listing, chat, streaming chat, resource
// usage, and lifecycle operations.
//
// The interface is defined here, in the package that stores and shares
// handles, rather than in package agent which implements it — the dialect
// implementations import registry for these contract types, so defining the
// interface in agent too would create an import cycle. This follows the
// common Go idiom of declaring an interface next to its consumer.
//
// All methods are object-safe: implementations take owned argument values
// so the interface carries no borrowed lifetimes.
type Agent interface {
	ID() core.BackendId
	Name() string
	Profile() AgentProfile

	HealthCheck(ctx context.Context) (HealthStatus, error)
	ListModels(ctx context.Context) ([]core.Model, error)

	ChatCompletion(ctx context.Context, req ChatRequest, headers map[string]string) (ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req ChatRequest, headers map[string]string) (ChunkStream, error)

	// Optional operations with safe defaults (documented per-implementation;
	// the base agent embeds defaults returning ErrAgentUnsupported / a
	// heuristic estimate so concrete dialects only override what they
	// actually support).
	Embeddings(ctx context.Context, input []string) ([]float32, error)
	LoadModel(ctx context.Context, modelID string) error
	UnloadModel(ctx context.Context, modelID string) error
	CountTokens(modelID, text string) TokenCount
	ResourceUsage(ctx context.Context) (ResourceUsage, error)
}

// AgentProfile is static/near-static metadata about an agent, read by the
// discovery loop to populate BackendRecord fields that don't come from
// HealthCheck/ListModels directly.
type AgentProfile struct {
	BackendType     core.BackendType
	Version         string
	PrivacyZone     core.PrivacyZone
	CapabilityFlags []string
}

// HealthStatusKind mirrors the health_check result sum type from §4.1.
type HealthStatusKind string

const (
	HealthStatusHealthy   HealthStatusKind = "healthy"
	HealthStatusUnhealthy HealthStatusKind = "unhealthy"
	HealthStatusLoading   HealthStatusKind = "loading"
	HealthStatusDraining  HealthStatusKind = "draining"
)

// HealthStatus is the result of one health_check probe.
type HealthStatus struct {
	Kind       HealthStatusKind
	ModelCount int // set when Kind == HealthStatusHealthy
	ModelID    string
	Percent    int
	ETAMillis  int64
}

// ChatRole mirrors the OpenAI chat message role field.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleTool      ChatRole = "tool"
)

// ContentPartKind distinguishes text from image parts in a multi-modal
// message, per RequestRequirements' needs_vision derivation.
type ContentPartKind string

const (
	ContentText     ContentPartKind = "text"
	ContentImageURL ContentPartKind = "image_url"
)

// ContentPart is one part of a (possibly multi-modal) message content array.
type ContentPart struct {
	Kind     ContentPartKind
	Text     string
	ImageURL string
}

// ChatMessage is one OpenAI-format chat message.
type ChatMessage struct {
	Role    ChatRole
	Content []ContentPart
}

// ResponseFormat mirrors OpenAI's response_format field.
type ResponseFormat struct {
	Type string // "text" or "json_object"
}

// ToolDefinition mirrors one entry of OpenAI's tools field.
type ToolDefinition struct {
	Type     string
	Name     string
	Description string
	Parameters  map[string]interface{}
}

// ChatRequest is an OpenAI-compatible chat-completions request.
type ChatRequest struct {
	Model          string
	Messages       []ChatMessage
	Stream         bool
	Tools          []ToolDefinition
	ResponseFormat *ResponseFormat
	Temperature    *float64
	MaxTokens      *int
}

// ChatChoice is one choice entry of a ChatResponse.
type ChatChoice struct {
	Index        int
	Message      ChatMessage
	FinishReason string
}

// ChatUsage mirrors OpenAI's usage block.
type ChatUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is an OpenAI-format chat-completions response, parsed from
// whichever dialect the backend actually speaks.
type ChatResponse struct {
	ID      string
	Model   string
	Choices []ChatChoice
	Usage   ChatUsage
}

// ChatChunk is one SSE-style delta frame of a streamed response. Done is set
// on the sentinel terminal frame ("[DONE]").
type ChatChunk struct {
	ID           string
	Model        string
	DeltaContent string
	FinishReason string
	Done         bool
}

// ChunkStream is a lazy, cancellation-safe sequence of ChatChunks. Calling
// Close aborts the underlying upstream HTTP request and releases its socket;
// Next blocks until the next chunk, an error, or context cancellation.
type ChunkStream interface {
	Next(ctx context.Context) (ChatChunk, error)
	Close() error
}

// TokenCountKind distinguishes an exact backend-reported token count from
// the chars/4 heuristic used when a backend has no tokenizer endpoint.
type TokenCountKind string

const (
	TokenCountExact     TokenCountKind = "exact"
	TokenCountHeuristic TokenCountKind = "heuristic"
)

// TokenCount is the result of CountTokens.
type TokenCount struct {
	Kind  TokenCountKind
	Count int
}

// HeuristicTokenCount applies the chars/4 estimate used throughout the
// engine (requirements extraction, budget cost estimation).
func HeuristicTokenCount(text string) TokenCount {
	return TokenCount{Kind: TokenCountHeuristic, Count: len(text) / 4}
}

// ResourceUsage is the optional VRAM/model-residency snapshot an agent may
// report; the default (unsupported) implementation returns the zero value.
type ResourceUsage struct {
	VRAMUsedMB    int64
	VRAMTotalMB   int64
	LoadedModels  []string
	Pending       int64
	AvgLatencyMs  int64
}
