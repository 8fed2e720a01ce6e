package agent

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

func TestNew_Ollama(t *testing.T) {
	a, err := New("a", "a", "http://localhost:11434", core.BackendOllama, nil, NewSharedHTTPClient(), nil, aws.Config{})
	require.NoError(t, err)
	assert.IsType(t, &OllamaAgent{}, a)
}

func TestNew_OpenAI_MissingAPIKeyIsConfigurationError(t *testing.T) {
	_, err := New("a", "a", "https://api.openai.com", core.BackendOpenAI, nil, NewSharedHTTPClient(), nil, aws.Config{})
	require.Error(t, err)
	var agentErr *registry.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, registry.AgentErrConfiguration, agentErr.Kind)
}

func TestNew_OpenAI_APIKeyFromMetadata(t *testing.T) {
	a, err := New("a", "a", "https://api.openai.com", core.BackendOpenAI, map[string]string{MetaAPIKey: "sk-test"}, NewSharedHTTPClient(), nil, aws.Config{})
	require.NoError(t, err)
	assert.IsType(t, &OpenAICompatAgent{}, a)
}

func TestNew_OpenAI_APIKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_NEXUS_OPENAI_KEY", "sk-from-env")
	a, err := New("a", "a", "https://api.openai.com", core.BackendOpenAI, map[string]string{MetaAPIKeyEnv: "TEST_NEXUS_OPENAI_KEY"}, NewSharedHTTPClient(), nil, aws.Config{})
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestNew_OpenAI_APIKeyEnvUnsetIsConfigurationError(t *testing.T) {
	_, err := New("a", "a", "https://api.openai.com", core.BackendOpenAI, map[string]string{MetaAPIKeyEnv: "TEST_NEXUS_UNSET_VAR"}, NewSharedHTTPClient(), nil, aws.Config{})
	require.Error(t, err)
	var agentErr *registry.AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, registry.AgentErrConfiguration, agentErr.Kind)
}

func TestNew_VLLM_NoAPIKeyRequired(t *testing.T) {
	a, err := New("a", "a", "http://localhost:8000", core.BackendVLLM, nil, NewSharedHTTPClient(), nil, aws.Config{})
	require.NoError(t, err)
	assert.IsType(t, &OpenAICompatAgent{}, a)
}

func TestNew_Generic_BedrockProvider(t *testing.T) {
	a, err := New("a", "a", "", core.BackendGeneric, map[string]string{MetaProvider: "bedrock", MetaAWSRegion: "us-east-1"}, nil, nil, aws.Config{Region: "us-east-1"})
	require.NoError(t, err)
	assert.IsType(t, &BedrockAgent{}, a)
}

func TestNew_Generic_DefaultIsGenericAgent(t *testing.T) {
	a, err := New("a", "a", "http://localhost:9999", core.BackendGeneric, nil, NewSharedHTTPClient(), nil, aws.Config{})
	require.NoError(t, err)
	assert.IsType(t, &OpenAICompatAgent{}, a)
}

func TestNew_UnknownBackendType(t *testing.T) {
	_, err := New("a", "a", "http://x", core.BackendType("mystery"), nil, NewSharedHTTPClient(), nil, aws.Config{})
	require.Error(t, err)
}
