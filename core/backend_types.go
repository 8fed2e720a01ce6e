package core

// BackendId uniquely identifies a registered backend. It is an opaque
// string assigned at registration time (see registry.Registry.AddBackendWithAgent).
type BackendId string

// BackendType identifies which wire dialect a backend speaks. The agent
// factory maps a BackendType to a concrete Agent implementation.
type BackendType string

const (
	BackendOllama   BackendType = "ollama"
	BackendOpenAI   BackendType = "openai"
	BackendLMStudio BackendType = "lmstudio"
	BackendVLLM     BackendType = "vllm"
	BackendLlamaCpp BackendType = "llamacpp"
	BackendExo      BackendType = "exo"
	BackendGeneric  BackendType = "generic"
)

// PrivacyZone is the coarse-grained locality classification the Privacy
// reconciler uses to keep restricted callers off cloud backends.
type PrivacyZone string

const (
	ZoneRestricted PrivacyZone = "restricted" // locally-run backends
	ZoneOpen       PrivacyZone = "open"       // cloud-hosted backends
)

// ZoneForBackendType derives the default privacy zone for a backend type.
// Local runtimes (Ollama, LM Studio, vLLM, llama.cpp, Exo) are Restricted;
// everything else (hosted OpenAI-compatible clouds, Bedrock) is Open.
func ZoneForBackendType(t BackendType) PrivacyZone {
	switch t {
	case BackendOllama, BackendLMStudio, BackendVLLM, BackendLlamaCpp, BackendExo:
		return ZoneRestricted
	default:
		return ZoneOpen
	}
}

// DiscoverySource records how a backend entered the registry: operator
// configuration or a runtime discovery mechanism (e.g. the Redis watcher).
type DiscoverySource string

const (
	SourceStatic     DiscoverySource = "static"
	SourceDiscovered DiscoverySource = "discovered"
)

// CapabilityTier is an optional coarse quality/cost tier, used by the Tier
// reconciler to honor a request's tier hint (e.g. "fast" vs "quality").
type CapabilityTier string

// Model is an immutable snapshot of one model's capabilities as discovered.
// It is replaced wholesale when an agent's ListModels call succeeds; never
// mutated in place (see registry.Registry.UpdateModels).
type Model struct {
	ID               string
	DisplayName      string
	ContextLength    int
	SupportsVision   bool
	SupportsTools    bool
	SupportsJSONMode bool
	MaxOutputTokens  int // 0 means unspecified
	CapabilityTier   CapabilityTier
}
