package agent

import (
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// Metadata keys a backend's configuration may carry, consulted by New when
// constructing dialect-specific agents (spec.md §4.1, §6).
const (
	MetaAPIKey      = "api_key"
	MetaAPIKeyEnv   = "api_key_env"
	MetaProvider    = "provider"    // e.g. "bedrock", consulted for backend_type Generic
	MetaAWSRegion   = "aws_region"
)

// New is the backend factory spec.md §4.1 names: (id, name, url,
// backend_type, metadata, shared_client) -> Agent. backend_type OpenAI
// requires an API key resolved from metadata["api_key"] or the environment
// variable named by metadata["api_key_env"]; its absence yields a
// Configuration error rather than a silently keyless client. The other
// OpenAI-compatible dialects and Generic use a key from the same sources
// when one is present and otherwise build a keyless client.
//
// awsConfig is only consulted for backend_type Generic entries whose
// metadata carries provider: bedrock; it may be the zero value otherwise.
func New(id core.BackendId, name, url string, backendType core.BackendType, metadata map[string]string, client *http.Client, logger core.Logger, awsConfig aws.Config) (registry.Agent, error) {
	switch backendType {
	case core.BackendOllama:
		return NewOllamaAgent(id, name, url, client, logger), nil

	case core.BackendOpenAI:
		apiKey, err := resolveAPIKey(backendType, metadata)
		if err != nil {
			return nil, err
		}
		return NewOpenAICompatAgent(id, name, url, backendType, apiKey, client, logger), nil

	case core.BackendLMStudio, core.BackendVLLM, core.BackendLlamaCpp, core.BackendExo:
		// These dialects typically need no API key; one is still honored if
		// the operator supplied it (some vLLM deployments front their own
		// auth proxy).
		apiKey := metadata[MetaAPIKey]
		if apiKey == "" && metadata[MetaAPIKeyEnv] != "" {
			apiKey = os.Getenv(metadata[MetaAPIKeyEnv])
		}
		return NewOpenAICompatAgent(id, name, url, backendType, apiKey, client, logger), nil

	case core.BackendGeneric:
		if metadata[MetaProvider] == "bedrock" {
			region := metadata[MetaAWSRegion]
			return NewBedrockAgent(id, name, awsConfig, region, logger), nil
		}
		apiKey := metadata[MetaAPIKey]
		if apiKey == "" && metadata[MetaAPIKeyEnv] != "" {
			apiKey = os.Getenv(metadata[MetaAPIKeyEnv])
		}
		return NewGenericAgent(id, name, url, apiKey, client, logger), nil

	default:
		return nil, registry.NewConfigurationError("agent.New", fmt.Sprintf("unknown backend_type %q", backendType))
	}
}

// resolveAPIKey implements spec.md §4.1's "OpenAI-type agents require an API
// key resolved from metadata or a named environment variable; absence yields
// a Configuration error."
func resolveAPIKey(backendType core.BackendType, metadata map[string]string) (string, error) {
	if key := metadata[MetaAPIKey]; key != "" {
		return key, nil
	}
	if envName := metadata[MetaAPIKeyEnv]; envName != "" {
		if key := os.Getenv(envName); key != "" {
			return key, nil
		}
		return "", registry.NewConfigurationError("agent.New", fmt.Sprintf("%s: environment variable %q named by api_key_env is unset", backendType, envName))
	}
	return "", registry.NewConfigurationError("agent.New", fmt.Sprintf("%s: metadata must carry api_key or api_key_env", backendType))
}
