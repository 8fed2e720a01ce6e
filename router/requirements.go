package router

import (
	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// ExtractRequirements derives capability needs and a size estimate from a
// chat-completions request (spec.md §3): estimated_tokens sums text content
// length/4 (image parts contribute 0), needs_vision is set by any image_url
// part, needs_tools by a non-empty tools field, needs_json_mode by a
// json_object response_format.
func ExtractRequirements(req registry.ChatRequest, callerZone core.PrivacyZone, tierHint core.CapabilityTier) RequestRequirements {
	var estimatedTokens int
	var needsVision bool
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case registry.ContentText:
				estimatedTokens += len(part.Text) / 4
			case registry.ContentImageURL:
				needsVision = true
			}
		}
	}

	needsJSON := req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object"

	return RequestRequirements{
		Model:           req.Model,
		EstimatedTokens: estimatedTokens,
		NeedsVision:     needsVision,
		NeedsTools:      len(req.Tools) > 0,
		NeedsJSONMode:   needsJSON,
		CallerZone:      callerZone,
		TierHint:        tierHint,
	}
}
