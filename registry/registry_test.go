package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/nexus/core"
)

// stubAgent is a minimal Agent satisfying the interface for registry tests;
// router and agent-specific behavior is exercised in their own packages.
type stubAgent struct {
	id core.BackendId
}

func (s *stubAgent) ID() core.BackendId { return s.id }
func (s *stubAgent) Name() string       { return string(s.id) }
func (s *stubAgent) Profile() AgentProfile {
	return AgentProfile{BackendType: core.BackendOllama, PrivacyZone: core.ZoneRestricted}
}
func (s *stubAgent) HealthCheck(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{Kind: HealthStatusHealthy}, nil
}
func (s *stubAgent) ListModels(ctx context.Context) ([]core.Model, error) { return nil, nil }
func (s *stubAgent) ChatCompletion(ctx context.Context, req ChatRequest, headers map[string]string) (ChatResponse, error) {
	return ChatResponse{}, nil
}
func (s *stubAgent) ChatCompletionStream(ctx context.Context, req ChatRequest, headers map[string]string) (ChunkStream, error) {
	return nil, NewUnsupportedError("stub.ChatCompletionStream")
}
func (s *stubAgent) Embeddings(ctx context.Context, input []string) ([]float32, error) {
	return nil, NewUnsupportedError("stub.Embeddings")
}
func (s *stubAgent) LoadModel(ctx context.Context, modelID string) error {
	return NewUnsupportedError("stub.LoadModel")
}
func (s *stubAgent) UnloadModel(ctx context.Context, modelID string) error {
	return NewUnsupportedError("stub.UnloadModel")
}
func (s *stubAgent) CountTokens(modelID, text string) TokenCount { return HeuristicTokenCount(text) }
func (s *stubAgent) ResourceUsage(ctx context.Context) (ResourceUsage, error) {
	return ResourceUsage{}, nil
}

func makeRecord(id core.BackendId, models ...core.Model) BackendRecord {
	return BackendRecord{
		ID:          id,
		Name:        string(id),
		URL:         "http://localhost",
		BackendType: core.BackendOllama,
		Status:      HealthyStatus(),
		Models:      models,
		PrivacyZone: core.ZoneRestricted,
	}
}

func TestAddBackendWithAgent_DuplicateRejected(t *testing.T) {
	r := New()
	rec := makeRecord("a", core.Model{ID: "llama3:8b"})
	require.NoError(t, r.AddBackendWithAgent(rec, &stubAgent{id: "a"}))

	err := r.AddBackendWithAgent(rec, &stubAgent{id: "a"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestAddThenRemoveThenAdd_IsIdempotent(t *testing.T) {
	r := New()
	rec := makeRecord("a", core.Model{ID: "llama3:8b"})

	require.NoError(t, r.AddBackendWithAgent(rec, &stubAgent{id: "a"}))
	require.NoError(t, r.RemoveBackend("a"))
	require.NoError(t, r.AddBackendWithAgent(rec, &stubAgent{id: "a"}))

	got, ok := r.GetBackend("a")
	require.True(t, ok)
	assert.Equal(t, "llama3:8b", got.Models[0].ID)
	assert.ElementsMatch(t, []string{"a"}, idsOf(r.GetBackendsForModel("llama3:8b")))
}

func TestInvertedIndex_ConsistentAfterAdd(t *testing.T) {
	r := New()
	rec := makeRecord("a", core.Model{ID: "llama3:8b"}, core.Model{ID: "mistral:7b"})
	require.NoError(t, r.AddBackendWithAgent(rec, &stubAgent{id: "a"}))

	assert.ElementsMatch(t, []string{"a"}, idsOf(r.GetBackendsForModel("llama3:8b")))
	assert.ElementsMatch(t, []string{"a"}, idsOf(r.GetBackendsForModel("mistral:7b")))
	assert.Empty(t, r.GetBackendsForModel("unknown:1b"))
}

func TestRemoveBackend_PrunesIndex(t *testing.T) {
	r := New()
	rec := makeRecord("a", core.Model{ID: "llama3:8b"})
	require.NoError(t, r.AddBackendWithAgent(rec, &stubAgent{id: "a"}))
	require.NoError(t, r.RemoveBackend("a"))

	assert.Empty(t, r.GetBackendsForModel("llama3:8b"))
	_, ok := r.GetBackend("a")
	assert.False(t, ok)
	_, ok = r.GetAgent("a")
	assert.False(t, ok)
}

func TestRemoveBackend_NotFound(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.RemoveBackend("missing"), ErrNotFound)
}

func TestUpdateModels_RepairsIndexAndIsIdempotent(t *testing.T) {
	r := New()
	rec := makeRecord("a", core.Model{ID: "llama3:8b"})
	require.NoError(t, r.AddBackendWithAgent(rec, &stubAgent{id: "a"}))

	newModels := []core.Model{{ID: "mistral:7b"}}
	require.NoError(t, r.UpdateModels("a", newModels))
	assert.Empty(t, r.GetBackendsForModel("llama3:8b"))
	assert.ElementsMatch(t, []string{"a"}, idsOf(r.GetBackendsForModel("mistral:7b")))

	// Applying the same list twice yields the same inverted index.
	require.NoError(t, r.UpdateModels("a", newModels))
	assert.ElementsMatch(t, []string{"a"}, idsOf(r.GetBackendsForModel("mistral:7b")))
}

func TestPendingRequests_SaturatingDecrement(t *testing.T) {
	r := New()
	rec := makeRecord("a")
	require.NoError(t, r.AddBackendWithAgent(rec, &stubAgent{id: "a"}))

	r.DecrementPending("a")
	got, _ := r.GetBackend("a")
	assert.Equal(t, int64(0), got.PendingRequests)

	r.IncrementPending("a")
	r.IncrementPending("a")
	r.DecrementPending("a")
	got, _ = r.GetBackend("a")
	assert.Equal(t, int64(1), got.PendingRequests)
}

func TestRecordLatency_EMA(t *testing.T) {
	r := New()
	rec := makeRecord("a")
	require.NoError(t, r.AddBackendWithAgent(rec, &stubAgent{id: "a"}))

	r.RecordLatency("a", 100)
	got, _ := r.GetBackend("a")
	assert.Equal(t, int64(100), got.AvgLatencyMillis)

	r.RecordLatency("a", 200)
	got, _ = r.GetBackend("a")
	// 0.3*200 + 0.7*100 = 130
	assert.Equal(t, int64(130), got.AvgLatencyMillis)
}

func TestUpdateOperation_SingleInProgress(t *testing.T) {
	r := New()
	rec := makeRecord("a")
	require.NoError(t, r.AddBackendWithAgent(rec, &stubAgent{id: "a"}))

	op := &LifecycleOperation{ID: "op1", Type: OpLoad, Status: OpInProgress}
	require.NoError(t, r.UpdateOperation("a", op))

	got, ok := r.CurrentOperation("a")
	require.True(t, ok)
	assert.True(t, got.InProgress())

	require.NoError(t, r.UpdateOperation("a", nil))
	_, ok = r.CurrentOperation("a")
	assert.False(t, ok)
}

func idsOf(records []BackendRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = string(r.ID)
	}
	return out
}
