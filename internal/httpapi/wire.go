// Package httpapi exposes the OpenAI-compatible HTTP surface spec.md §6
// describes: chat completions (streaming and non-streaming), model
// discovery, the lifecycle operations, and fleet recommendations. It owns
// wire-format JSON encoding/decoding only; all routing/lifecycle/fleet
// decisions are delegated to the core packages.
package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/nexus-proxy/nexus/registry"
)

// wireContentPart mirrors OpenAI's multi-modal content part shape. Content
// is either a plain string (single text part) or an array of these.
type wireContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireResponseFormat struct {
	Type string `json:"type"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

// wireChatRequest is the JSON shape of an incoming /v1/chat/completions body.
type wireChatRequest struct {
	Model          string              `json:"model"`
	Messages       []wireMessage       `json:"messages"`
	Stream         bool                `json:"stream,omitempty"`
	Tools          []wireTool          `json:"tools,omitempty"`
	ResponseFormat *wireResponseFormat `json:"response_format,omitempty"`
	Temperature    *float64            `json:"temperature,omitempty"`
	MaxTokens      *int                `json:"max_tokens,omitempty"`
}

func decodeContent(raw json.RawMessage) ([]registry.ContentPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []registry.ContentPart{{Kind: registry.ContentText, Text: asString}}, nil
	}

	var parts []wireContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("message content: %w", err)
	}
	out := make([]registry.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "image_url":
			url := ""
			if p.ImageURL != nil {
				url = p.ImageURL.URL
			}
			out = append(out, registry.ContentPart{Kind: registry.ContentImageURL, ImageURL: url})
		default:
			out = append(out, registry.ContentPart{Kind: registry.ContentText, Text: p.Text})
		}
	}
	return out, nil
}

// toChatRequest converts the wire body into the registry's internal
// OpenAI-format request, the common currency every agent dialect consumes.
func (w wireChatRequest) toChatRequest() (registry.ChatRequest, error) {
	messages := make([]registry.ChatMessage, 0, len(w.Messages))
	for _, m := range w.Messages {
		content, err := decodeContent(m.Content)
		if err != nil {
			return registry.ChatRequest{}, err
		}
		messages = append(messages, registry.ChatMessage{Role: registry.ChatRole(m.Role), Content: content})
	}

	var tools []registry.ToolDefinition
	for _, t := range w.Tools {
		tools = append(tools, registry.ToolDefinition{
			Type:        t.Type,
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	var rf *registry.ResponseFormat
	if w.ResponseFormat != nil {
		rf = &registry.ResponseFormat{Type: w.ResponseFormat.Type}
	}

	return registry.ChatRequest{
		Model:          w.Model,
		Messages:       messages,
		Stream:         w.Stream,
		Tools:          tools,
		ResponseFormat: rf,
		Temperature:    w.Temperature,
		MaxTokens:      w.MaxTokens,
	}, nil
}

type wireChoice struct {
	Index        int         `json:"index"`
	Message      wireMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

func fromChatResponse(res registry.ChatResponse) wireChatResponse {
	choices := make([]wireChoice, 0, len(res.Choices))
	for _, c := range res.Choices {
		text := ""
		for _, part := range c.Message.Content {
			if part.Kind == registry.ContentText {
				text += part.Text
			}
		}
		content, _ := json.Marshal(text)
		choices = append(choices, wireChoice{
			Index:        c.Index,
			Message:      wireMessage{Role: string(c.Message.Role), Content: content},
			FinishReason: c.FinishReason,
		})
	}
	return wireChatResponse{
		ID:      res.ID,
		Object:  "chat.completion",
		Model:   res.Model,
		Choices: choices,
		Usage: wireUsage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	}
}

type wireChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type wireChunkChoice struct {
	Index        int            `json:"index"`
	Delta        wireChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason"`
}

type wireChatChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Model   string            `json:"model"`
	Choices []wireChunkChoice `json:"choices"`
}

func fromChatChunk(c registry.ChatChunk) wireChatChunk {
	var finish *string
	if c.FinishReason != "" {
		fr := c.FinishReason
		finish = &fr
	}
	return wireChatChunk{
		ID:     c.ID,
		Object: "chat.completion.chunk",
		Model:  c.Model,
		Choices: []wireChunkChoice{{
			Index:        0,
			Delta:        wireChunkDelta{Content: c.DeltaContent},
			FinishReason: finish,
		}},
	}
}

type wireModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type wireModelList struct {
	Object string      `json:"object"`
	Data   []wireModel `json:"data"`
}

type wireLoadRequest struct {
	ModelID         string `json:"model_id"`
	BackendID       string `json:"backend_id"`
	EstimatedVRAMMB int64  `json:"estimated_vram_mb,omitempty"`
}

type wireMigrateRequest struct {
	ModelID         string `json:"model_id"`
	SourceBackendID string `json:"source_backend_id"`
	TargetBackendID string `json:"target_backend_id"`
	EstimatedVRAMMB int64  `json:"estimated_vram_mb,omitempty"`
}

type wireOperation struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ModelID         string `json:"model_id"`
	SourceBackendID string `json:"source_backend_id,omitempty"`
	TargetBackendID string `json:"target_backend_id,omitempty"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	ETAMillis       int64  `json:"eta_ms,omitempty"`
	Error           string `json:"error,omitempty"`
}

func fromOperation(op registry.LifecycleOperation) wireOperation {
	return wireOperation{
		ID:              op.ID,
		Type:            string(op.Type),
		ModelID:         op.ModelID,
		SourceBackendID: string(op.SourceBackendID),
		TargetBackendID: string(op.TargetBackendID),
		Status:          string(op.Status),
		ProgressPercent: op.ProgressPercent,
		ETAMillis:       op.ETAMillis,
		Error:           op.Error,
	}
}

type wireRecommendation struct {
	Model          string   `json:"model"`
	TargetBackends []string `json:"target_backends"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
	VRAMRequiredMB int64    `json:"vram_required_mb"`
	GeneratedAt    string   `json:"generated_at"`
	ExpiresAt      string   `json:"expires_at"`
	Status         string   `json:"status"`
}
