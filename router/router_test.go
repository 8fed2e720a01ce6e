package router

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// fakeAgent is a minimal Agent satisfying the interface for router tests;
// agent-dialect behavior is exercised in package agent.
type fakeAgent struct{ id core.BackendId }

func (a *fakeAgent) ID() core.BackendId { return a.id }
func (a *fakeAgent) Name() string       { return string(a.id) }
func (a *fakeAgent) Profile() registry.AgentProfile {
	return registry.AgentProfile{BackendType: core.BackendOllama, PrivacyZone: core.ZoneRestricted}
}
func (a *fakeAgent) HealthCheck(ctx context.Context) (registry.HealthStatus, error) {
	return registry.HealthStatus{Kind: registry.HealthStatusHealthy}, nil
}
func (a *fakeAgent) ListModels(ctx context.Context) ([]core.Model, error) { return nil, nil }
func (a *fakeAgent) ChatCompletion(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChatResponse, error) {
	return registry.ChatResponse{}, nil
}
func (a *fakeAgent) ChatCompletionStream(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChunkStream, error) {
	return nil, registry.NewUnsupportedError("fake.ChatCompletionStream")
}
func (a *fakeAgent) Embeddings(ctx context.Context, input []string) ([]float32, error) {
	return nil, registry.NewUnsupportedError("fake.Embeddings")
}
func (a *fakeAgent) LoadModel(ctx context.Context, modelID string) error {
	return registry.NewUnsupportedError("fake.LoadModel")
}
func (a *fakeAgent) UnloadModel(ctx context.Context, modelID string) error {
	return registry.NewUnsupportedError("fake.UnloadModel")
}
func (a *fakeAgent) CountTokens(modelID, text string) registry.TokenCount {
	return registry.HeuristicTokenCount(text)
}
func (a *fakeAgent) ResourceUsage(ctx context.Context) (registry.ResourceUsage, error) {
	return registry.ResourceUsage{}, nil
}

func newRegistry(t *testing.T, records ...registry.BackendRecord) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, rec := range records {
		require.NoError(t, reg.AddBackendWithAgent(rec, &fakeAgent{id: rec.ID}))
	}
	return reg
}

func backend(id, name string, priority int, pending, latencyMs int64, zone core.PrivacyZone, models ...core.Model) registry.BackendRecord {
	return registry.BackendRecord{
		ID:               core.BackendId(id),
		Name:             name,
		URL:              "http://" + name,
		BackendType:      core.BackendOllama,
		Status:           registry.HealthyStatus(),
		Models:           models,
		Priority:         priority,
		PendingRequests:  pending,
		AvgLatencyMillis: latencyMs,
		PrivacyZone:      zone,
	}
}

func model(id string, opts ...func(*core.Model)) core.Model {
	m := core.Model{ID: id, DisplayName: id, ContextLength: 8192}
	for _, o := range opts {
		o(&m)
	}
	return m
}

func withVision(m *core.Model)   { m.SupportsVision = true }
func withContext(n int) func(*core.Model) {
	return func(m *core.Model) { m.ContextLength = n }
}

func baseConfig(strategy Strategy) Config {
	return Config{Strategy: strategy, Weights: DefaultWeights()}
}

func newTestRouter(reg *registry.Registry, cfg Config) *Router {
	return New(reg, cfg, []Reconciler{
		PrivacyReconciler{},
		LifecycleReconciler{},
	})
}

// Scenario A — Smart picks highest score (spec.md §8).
func TestScenarioA_SmartPicksHighestScore(t *testing.T) {
	reg := newRegistry(t,
		backend("A", "A", 1, 0, 50, core.ZoneRestricted, model("llama3:8b")),
		backend("B", "B", 10, 50, 500, core.ZoneRestricted, model("llama3:8b")),
	)
	r := newTestRouter(reg, baseConfig(StrategySmart))

	result, err := r.Route(RequestRequirements{Model: "llama3:8b"})
	require.NoError(t, err)
	assert.Equal(t, "A", string(result.Backend.ID))
	assert.Equal(t, "highest_score:A:98", result.RouteReason)
	assert.False(t, result.FallbackUsed)
}

// Scenario B — Alias + fallback.
func TestScenarioB_AliasAndFallback(t *testing.T) {
	reg := newRegistry(t,
		backend("C", "C", 1, 0, 10, core.ZoneRestricted, model("mistral:7b")),
	)
	cfg := baseConfig(StrategySmart)
	cfg.Aliases = map[string]string{"gpt-4": "llama3:70b"}
	cfg.Fallbacks = map[string][]string{"llama3:70b": {"mistral:7b"}}
	r := newTestRouter(reg, cfg)

	result, err := r.Route(RequestRequirements{Model: "gpt-4"})
	require.NoError(t, err)
	assert.Equal(t, "C", string(result.Backend.ID))
	assert.Equal(t, "mistral:7b", result.ActualModel)
	assert.True(t, result.FallbackUsed)
	assert.True(t, strings.HasPrefix(result.RouteReason, "fallback:mistral:7b:"))
}

// Scenario C — Vision filter.
func TestScenarioC_VisionFilter(t *testing.T) {
	reg := newRegistry(t,
		backend("D", "D", 1, 0, 10, core.ZoneRestricted, model("llama3:8b")),
		backend("E", "E", 1, 0, 10, core.ZoneRestricted, model("llama3:8b", withVision)),
	)
	r := newTestRouter(reg, baseConfig(StrategySmart))

	result, err := r.Route(RequestRequirements{Model: "llama3:8b", NeedsVision: true})
	require.NoError(t, err)
	assert.Equal(t, "E", string(result.Backend.ID))
}

// Scenario D — No healthy backend.
func TestScenarioD_NoHealthyBackend(t *testing.T) {
	rec := backend("F", "F", 1, 0, 10, core.ZoneRestricted, model("llama3:8b"))
	rec.Status = registry.UnhealthyStatus()
	reg := newRegistry(t, rec)
	r := newTestRouter(reg, baseConfig(StrategySmart))

	_, err := r.Route(RequestRequirements{Model: "llama3:8b"})
	require.Error(t, err)
	re, ok := err.(*RoutingError)
	require.True(t, ok)
	assert.Equal(t, ErrNoHealthyBackend, re.Kind)
}

// Scenario E — Round-robin rotates deterministically over a fixed
// candidate set.
func TestScenarioE_RoundRobin(t *testing.T) {
	reg := newRegistry(t,
		backend("G", "G", 1, 0, 10, core.ZoneRestricted, model("llama3:8b")),
		backend("H", "H", 1, 0, 10, core.ZoneRestricted, model("llama3:8b")),
		backend("I", "I", 1, 0, 10, core.ZoneRestricted, model("llama3:8b")),
	)
	r := newTestRouter(reg, baseConfig(StrategyRoundRobin))

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		result, err := r.Route(RequestRequirements{Model: "llama3:8b"})
		require.NoError(t, err)
		seen[string(result.Backend.ID)]++
	}
	assert.Equal(t, map[string]int{"G": 2, "H": 2, "I": 2}, seen)
}

// Scenario F — Lifecycle load blocks routing.
func TestScenarioF_LifecycleLoadBlocksRouting(t *testing.T) {
	reg := newRegistry(t,
		backend("J", "J", 1, 0, 10, core.ZoneRestricted, model("llama3:8b")),
	)
	r := newTestRouter(reg, baseConfig(StrategySmart))

	require.NoError(t, reg.UpdateStatus("J", registry.LoadingStatus("llama3:8b", 40, 0)))
	_, err := r.Route(RequestRequirements{Model: "llama3:8b"})
	require.Error(t, err)

	require.NoError(t, reg.UpdateStatus("J", registry.HealthyStatus()))
	result, err := r.Route(RequestRequirements{Model: "llama3:8b"})
	require.NoError(t, err)
	assert.Equal(t, "J", string(result.Backend.ID))
}

func TestAliasResolution_SingleLevelOnly(t *testing.T) {
	reg := newRegistry(t, backend("A", "A", 1, 0, 10, core.ZoneRestricted, model("final-model")))
	cfg := baseConfig(StrategySmart)
	// a -> b -> final-model: "a" must resolve only to "b", never transitively to final-model.
	cfg.Aliases = map[string]string{"a": "b", "b": "final-model"}
	r := newTestRouter(reg, cfg)

	_, err := r.Route(RequestRequirements{Model: "a"})
	require.Error(t, err)
	re, ok := err.(*RoutingError)
	require.True(t, ok)
	assert.Equal(t, ErrModelNotFound, re.Kind)
	assert.Equal(t, "b", re.Model)
}

func TestFallback_SingleLevelOnly(t *testing.T) {
	reg := newRegistry(t) // no backends at all
	cfg := baseConfig(StrategySmart)
	cfg.Fallbacks = map[string][]string{
		"primary": {"secondary"},
		"secondary": {"tertiary"}, // must NOT be consulted
	}
	r := newTestRouter(reg, cfg)

	_, err := r.Route(RequestRequirements{Model: "primary"})
	require.Error(t, err)
	re, ok := err.(*RoutingError)
	require.True(t, ok)
	assert.Equal(t, ErrFallbackChainExhausted, re.Kind)
	assert.Equal(t, []string{"secondary"}, re.Chain)
}

func TestPriorityOnly_PicksMinimum(t *testing.T) {
	reg := newRegistry(t,
		backend("A", "A", 5, 0, 10, core.ZoneRestricted, model("m")),
		backend("B", "B", 1, 0, 10, core.ZoneRestricted, model("m")),
	)
	r := newTestRouter(reg, baseConfig(StrategyPriorityOnly))

	result, err := r.Route(RequestRequirements{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "B", string(result.Backend.ID))
}

func TestContextLength_BoundaryIsAdmissible(t *testing.T) {
	reg := newRegistry(t, backend("A", "A", 1, 0, 10, core.ZoneRestricted, model("m", withContext(100))))
	r := newTestRouter(reg, baseConfig(StrategySmart))

	_, err := r.Route(RequestRequirements{Model: "m", EstimatedTokens: 100})
	assert.NoError(t, err)

	_, err = r.Route(RequestRequirements{Model: "m", EstimatedTokens: 101})
	require.Error(t, err)
	re := err.(*RoutingError)
	assert.Equal(t, ErrCapabilityMismatch, re.Kind)
}

func TestScoreBackend_ClampedToRange(t *testing.T) {
	cases := []struct {
		priority          int
		pending, latency int64
	}{
		{0, 0, 0},
		{1000, 1000, 100000},
		{-50, 0, 0},
	}
	for _, c := range cases {
		score := scoreBackend(c.priority, c.pending, c.latency, DefaultWeights())
		assert.GreaterOrEqual(t, score, 0)
		assert.LessOrEqual(t, score, 100)
	}
}

func TestPrivacyReconciler_RestrictedCallerExcludesOpenBackend(t *testing.T) {
	reg := newRegistry(t,
		backend("local", "local", 1, 0, 10, core.ZoneRestricted, model("m")),
		backend("cloud", "cloud", 1, 0, 10, core.ZoneOpen, model("m")),
	)
	r := newTestRouter(reg, baseConfig(StrategySmart))

	result, err := r.Route(RequestRequirements{Model: "m", CallerZone: core.ZoneRestricted})
	require.NoError(t, err)
	assert.Equal(t, "local", string(result.Backend.ID))
}
