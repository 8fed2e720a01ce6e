package agent

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// BedrockAgent is the backend_type Generic implementation that dispatches
// through AWS Bedrock's Converse/ConverseStream API rather than plain HTTP,
// exercised when a backend's metadata carries provider: bedrock (SPEC_FULL.md
// §3.1). It shares baseClient only for identity/profile bookkeeping — its
// calls go through the bedrockruntime SDK client, not baseClient's HTTP
// plumbing.
type BedrockAgent struct {
	baseClient
	client *bedrockruntime.Client
	region string
}

// NewBedrockAgent constructs a Bedrock-backed agent. cfg is an already
// resolved aws.Config (credentials, region) built by the process wiring
// layer via config.LoadDefaultConfig.
func NewBedrockAgent(id core.BackendId, name string, cfg aws.Config, region string, logger core.Logger) *BedrockAgent {
	return &BedrockAgent{
		baseClient: newBaseClient(id, name, "bedrock://"+region, core.BackendGeneric, "", nil, logger),
		client:     bedrockruntime.NewFromConfig(cfg),
		region:     region,
	}
}

// HealthCheck has no cheap Bedrock liveness probe analogous to a GET
// /health; a minimal Converse call against the backend's own default model
// would incur real cost on every discovery tick, so Bedrock agents are
// treated as healthy once constructed and rely on ChatCompletion call
// failures to surface genuine outages.
func (a *BedrockAgent) HealthCheck(ctx context.Context) (registry.HealthStatus, error) {
	return registry.HealthStatus{Kind: registry.HealthStatusHealthy, ModelCount: 1}, nil
}

// ListModels returns nothing: Bedrock model availability is an account/region
// entitlement, not something this agent discovers dynamically, and the
// backend configuration has no model list field, so a Bedrock backend
// reports no models through discovery.
func (a *BedrockAgent) ListModels(ctx context.Context) ([]core.Model, error) {
	return nil, nil
}

func toBedrockMessages(req registry.ChatRequest) ([]types.Message, string) {
	var system string
	var messages []types.Message
	for _, m := range req.Messages {
		text := flattenText(m.Content)
		if m.Role == registry.RoleSystem {
			system = text
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == registry.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
		})
	}
	return messages, system
}

func inferenceConfigFor(req registry.ChatRequest) *types.InferenceConfiguration {
	cfg := &types.InferenceConfiguration{}
	set := false
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(*req.MaxTokens))
		set = true
	}
	if req.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*req.Temperature))
		set = true
	}
	if !set {
		return nil
	}
	return cfg
}

// ChatCompletion dispatches through Bedrock's Converse API (model-agnostic
// across Claude/Titan/Llama variants hosted on Bedrock), grounded on the
// pack's bedrock client's GenerateResponse.
func (a *BedrockAgent) ChatCompletion(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultChatTimeout)
	defer cancel()

	messages, system := toBedrockMessages(req)
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		Messages:        messages,
		InferenceConfig: inferenceConfigFor(req),
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	var out *bedrockruntime.ConverseOutput
	cbErr := a.breaker.Execute(ctx, func() error {
		var convErr error
		out, convErr = a.client.Converse(ctx, input)
		return convErr
	})
	if cbErr != nil {
		return registry.ChatResponse{}, registry.NewUpstreamError("bedrock.ChatCompletion", 0, cbErr.Error())
	}
	if out.Output == nil {
		return registry.ChatResponse{}, registry.NewInvalidResponseError("bedrock.ChatCompletion", "no output in Converse response")
	}

	msgOut, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return registry.ChatResponse{}, registry.NewInvalidResponseError("bedrock.ChatCompletion", "unexpected Converse output type")
	}

	var text string
	for _, block := range msgOut.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}

	resp := registry.ChatResponse{
		Model: req.Model,
		Choices: []registry.ChatChoice{{
			Message:      registry.ChatMessage{Role: registry.RoleAssistant, Content: []registry.ContentPart{{Kind: registry.ContentText, Text: text}}},
			FinishReason: string(out.StopReason),
		}},
	}
	if out.Usage != nil {
		resp.Usage = registry.ChatUsage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

// bedrockChunkStream adapts Bedrock's event-stream channel to ChunkStream.
type bedrockChunkStream struct {
	stream *bedrockruntime.ConverseStreamEventStream
	cancel context.CancelFunc
	model  string
}

func (s *bedrockChunkStream) Next(ctx context.Context) (registry.ChatChunk, error) {
	event, ok := <-s.stream.Events()
	if !ok {
		if err := s.stream.Err(); err != nil {
			return registry.ChatChunk{}, registry.NewNetworkError("bedrock.ChatCompletionStream", err)
		}
		return registry.ChatChunk{Done: true}, nil
	}
	switch v := event.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if v.Value.Delta != nil {
			if d, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				return registry.ChatChunk{Model: s.model, DeltaContent: d.Value}, nil
			}
		}
		return registry.ChatChunk{Model: s.model}, nil
	case *types.ConverseStreamOutputMemberMessageStop:
		return registry.ChatChunk{Model: s.model, Done: true, FinishReason: string(v.Value.StopReason)}, nil
	default:
		return registry.ChatChunk{Model: s.model}, nil
	}
}

func (s *bedrockChunkStream) Close() error {
	s.cancel()
	return s.stream.Close()
}

// ChatCompletionStream dispatches through ConverseStream.
func (a *BedrockAgent) ChatCompletionStream(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChunkStream, error) {
	streamCtx, cancel := context.WithTimeout(ctx, DefaultChatTimeout)

	messages, system := toBedrockMessages(req)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(req.Model),
		Messages:        messages,
		InferenceConfig: inferenceConfigFor(req),
	}
	if system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	var out *bedrockruntime.ConverseStreamOutput
	cbErr := a.breaker.Execute(streamCtx, func() error {
		var convErr error
		out, convErr = a.client.ConverseStream(streamCtx, input)
		return convErr
	})
	if cbErr != nil {
		cancel()
		return nil, registry.NewUpstreamError("bedrock.ChatCompletionStream", 0, cbErr.Error())
	}
	return &bedrockChunkStream{stream: out.GetStream(), cancel: cancel, model: req.Model}, nil
}

// CountTokens has no Bedrock-side tokenizer endpoint; the shared heuristic
// applies uniformly.
func (a *BedrockAgent) CountTokens(modelID, text string) registry.TokenCount {
	return registry.HeuristicTokenCount(text)
}
