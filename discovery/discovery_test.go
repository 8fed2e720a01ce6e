package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// probeAgent is a controllable fake satisfying registry.Agent for discovery
// loop tests; agent-dialect behavior is exercised in package agent.
type probeAgent struct {
	id      core.BackendId
	healthy bool
	healthErr error
	models  []core.Model
	listErr error
}

func (a *probeAgent) ID() core.BackendId { return a.id }
func (a *probeAgent) Name() string       { return string(a.id) }
func (a *probeAgent) Profile() registry.AgentProfile {
	return registry.AgentProfile{BackendType: core.BackendOllama, PrivacyZone: core.ZoneRestricted}
}
func (a *probeAgent) HealthCheck(ctx context.Context) (registry.HealthStatus, error) {
	if a.healthErr != nil {
		return registry.HealthStatus{}, a.healthErr
	}
	if !a.healthy {
		return registry.HealthStatus{Kind: registry.HealthStatusUnhealthy}, nil
	}
	return registry.HealthStatus{Kind: registry.HealthStatusHealthy, ModelCount: len(a.models)}, nil
}
func (a *probeAgent) ListModels(ctx context.Context) ([]core.Model, error) {
	if a.listErr != nil {
		return nil, a.listErr
	}
	return a.models, nil
}
func (a *probeAgent) ChatCompletion(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChatResponse, error) {
	return registry.ChatResponse{}, nil
}
func (a *probeAgent) ChatCompletionStream(ctx context.Context, req registry.ChatRequest, headers map[string]string) (registry.ChunkStream, error) {
	return nil, registry.NewUnsupportedError("probe.ChatCompletionStream")
}
func (a *probeAgent) Embeddings(ctx context.Context, input []string) ([]float32, error) {
	return nil, registry.NewUnsupportedError("probe.Embeddings")
}
func (a *probeAgent) LoadModel(ctx context.Context, modelID string) error {
	return registry.NewUnsupportedError("probe.LoadModel")
}
func (a *probeAgent) UnloadModel(ctx context.Context, modelID string) error {
	return registry.NewUnsupportedError("probe.UnloadModel")
}
func (a *probeAgent) CountTokens(modelID, text string) registry.TokenCount {
	return registry.HeuristicTokenCount(text)
}
func (a *probeAgent) ResourceUsage(ctx context.Context) (registry.ResourceUsage, error) {
	return registry.ResourceUsage{}, nil
}

func newLoop(t *testing.T, cfg Config, rec registry.BackendRecord, a *probeAgent) (*Loop, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.AddBackendWithAgent(rec, a))
	return New(reg, cfg, nil), reg
}

func TestProbe_UnknownBecomesHealthyOnSuccess(t *testing.T) {
	rec := registry.BackendRecord{ID: "a", Name: "a", Status: registry.UnknownStatus()}
	a := &probeAgent{id: "a", healthy: true, models: []core.Model{{ID: "m"}}}
	loop, reg := newLoop(t, DefaultConfig(), rec, a)

	loop.probe(context.Background(), rec)

	got, ok := reg.GetBackend("a")
	require.True(t, ok)
	assert.Equal(t, registry.StatusHealthy, got.Status.Kind)
	require.Len(t, got.Models, 1)
	assert.Equal(t, "m", got.Models[0].ID)
}

func TestProbe_HealthyStaysHealthyUnderThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 3
	rec := registry.BackendRecord{ID: "a", Name: "a", Status: registry.HealthyStatus()}
	a := &probeAgent{id: "a", healthy: false}
	loop, reg := newLoop(t, cfg, rec, a)

	loop.probe(context.Background(), rec)
	loop.probe(context.Background(), rec)

	got, _ := reg.GetBackend("a")
	assert.Equal(t, registry.StatusHealthy, got.Status.Kind)
	assert.Equal(t, 2, got.ConsecutiveFailures)
}

func TestProbe_HealthyFlipsToUnhealthyAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 2
	rec := registry.BackendRecord{ID: "a", Name: "a", Status: registry.HealthyStatus()}
	a := &probeAgent{id: "a", healthy: false}
	loop, reg := newLoop(t, cfg, rec, a)

	loop.probe(context.Background(), rec)
	got, _ := reg.GetBackend("a")
	require.Equal(t, registry.StatusHealthy, got.Status.Kind)

	loop.probe(context.Background(), got)
	got, _ = reg.GetBackend("a")
	assert.Equal(t, registry.StatusUnhealthy, got.Status.Kind)
}

func TestProbe_UnhealthyRecoversOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthyThreshold = 1
	rec := registry.BackendRecord{ID: "a", Name: "a", Status: registry.UnhealthyStatus()}
	a := &probeAgent{id: "a", healthy: true}
	loop, reg := newLoop(t, cfg, rec, a)

	loop.probe(context.Background(), rec)

	got, _ := reg.GetBackend("a")
	assert.Equal(t, registry.StatusHealthy, got.Status.Kind)
}

func TestProbe_ListModelsFailureKeepsStaleList(t *testing.T) {
	rec := registry.BackendRecord{
		ID: "a", Name: "a", Status: registry.HealthyStatus(),
		Models: []core.Model{{ID: "stale-model"}},
	}
	a := &probeAgent{id: "a", healthy: true, listErr: errors.New("list_models unavailable")}
	loop, reg := newLoop(t, DefaultConfig(), rec, a)

	loop.probe(context.Background(), rec)

	got, _ := reg.GetBackend("a")
	require.Len(t, got.Models, 1)
	assert.Equal(t, "stale-model", got.Models[0].ID)
}

func TestProbe_InProgressOperationForcesLoadingRegardlessOfHealth(t *testing.T) {
	rec := registry.BackendRecord{ID: "a", Name: "a", Status: registry.HealthyStatus()}
	a := &probeAgent{id: "a", healthy: false}
	loop, reg := newLoop(t, DefaultConfig(), rec, a)

	require.NoError(t, reg.UpdateOperation("a", &registry.LifecycleOperation{
		ID: "op1", Type: registry.OpLoad, ModelID: "m", Status: registry.OpInProgress, ProgressPercent: 40,
	}))

	loop.probe(context.Background(), rec)

	got, _ := reg.GetBackend("a")
	assert.Equal(t, registry.StatusLoading, got.Status.Kind)
	assert.Equal(t, "m", got.Status.ModelID)
	assert.Equal(t, 40, got.Status.Percent)
}

func TestJitteredInterval_StaysWithinBounds(t *testing.T) {
	loop := New(registry.New(), Config{Interval: 10 * time.Second, JitterFraction: 0.2}, nil)
	for i := 0; i < 20; i++ {
		d := loop.jitteredInterval()
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestJitteredInterval_ZeroFractionIsExact(t *testing.T) {
	loop := New(registry.New(), Config{Interval: 5 * time.Second, JitterFraction: 0}, nil)
	assert.Equal(t, 5*time.Second, loop.jitteredInterval())
}
