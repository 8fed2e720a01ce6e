package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// fakeAgent is a controllable registry.Agent for controller tests.
type fakeAgent struct {
	id core.BackendId

	mu          sync.Mutex
	loadDelay   time.Duration
	loadErr     error
	unloadErr   error
	usage       registry.ResourceUsage
	usageErr    error
	progressHit bool
}

func (a *fakeAgent) ID() core.BackendId { return a.id }
func (a *fakeAgent) Name() string       { return string(a.id) }
func (a *fakeAgent) Profile() registry.AgentProfile {
	return registry.AgentProfile{BackendType: core.BackendOllama}
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
	if a.loadDelay > 0 {
		time.Sleep(a.loadDelay)
	}
	return a.loadErr
}
func (a *fakeAgent) UnloadModel(ctx context.Context, modelID string) error { return a.unloadErr }
func (a *fakeAgent) CountTokens(modelID, text string) registry.TokenCount {
	return registry.HeuristicTokenCount(text)
}
func (a *fakeAgent) ResourceUsage(ctx context.Context) (registry.ResourceUsage, error) {
	return a.usage, a.usageErr
}

// progressAgent additionally implements progressReporter (Ollama-style).
type progressAgent struct {
	fakeAgent
}

func (a *progressAgent) LoadModelWithProgress(ctx context.Context, modelID string, onProgress func(percent int, eta time.Duration)) error {
	a.mu.Lock()
	a.progressHit = true
	a.mu.Unlock()
	onProgress(50, 0)
	onProgress(100, 0)
	return a.loadErr
}

func newRegistryWithBackend(t *testing.T, id core.BackendId, ag registry.Agent) *registry.Registry {
	t.Helper()
	reg := registry.New()
	rec := registry.BackendRecord{
		ID:          id,
		Name:        string(id),
		BackendType: core.BackendOllama,
		Status:      registry.HealthyStatus(),
	}
	require.NoError(t, reg.AddBackendWithAgent(rec, ag))
	return reg
}

func waitForOp(t *testing.T, c *Controller, opID string, want registry.LifecycleOpStatus) registry.LifecycleOperation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		op, ok := c.GetOperation(opID)
		if ok && op.Status == want {
			return op
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach status %s in time", opID, want)
	return registry.LifecycleOperation{}
}

func TestLoad_SucceedsAndRegistersModel(t *testing.T) {
	ag := &fakeAgent{id: "b1"}
	reg := newRegistryWithBackend(t, "b1", ag)
	c := New(reg, DefaultConfig(), nil)

	op, err := c.Load(context.Background(), "b1", "llama3", 0)
	require.NoError(t, err)

	waitForOp(t, c, op.ID, registry.OpCompleted)

	rec, _ := reg.GetBackend("b1")
	_, loaded := rec.ModelByID("llama3")
	assert.True(t, loaded)
	assert.Equal(t, registry.StatusHealthy, rec.Status.Kind)
	assert.Nil(t, rec.CurrentOperation)
}

func TestLoad_PropagatesProgressViaProgressReporter(t *testing.T) {
	ag := &progressAgent{fakeAgent: fakeAgent{id: "b1"}}
	reg := newRegistryWithBackend(t, "b1", ag)
	c := New(reg, DefaultConfig(), nil)

	op, err := c.Load(context.Background(), "b1", "llama3", 0)
	require.NoError(t, err)
	waitForOp(t, c, op.ID, registry.OpCompleted)

	ag.mu.Lock()
	hit := ag.progressHit
	ag.mu.Unlock()
	assert.True(t, hit)
}

func TestLoad_VRAMInsufficientRejected(t *testing.T) {
	ag := &fakeAgent{id: "b1", usage: registry.ResourceUsage{VRAMTotalMB: 1000, VRAMUsedMB: 900}}
	reg := newRegistryWithBackend(t, "b1", ag)
	c := New(reg, DefaultConfig(), nil)

	_, err := c.Load(context.Background(), "b1", "llama3", 500)
	require.Error(t, err)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ErrVRAMInsufficient, lerr.Kind)
	assert.True(t, errors.Is(err, core.ErrVRAMInsufficient))
}

func TestLoad_SkipsVRAMCheckWhenAgentReportsNone(t *testing.T) {
	ag := &fakeAgent{id: "b1"} // zero-value ResourceUsage: unsupported
	reg := newRegistryWithBackend(t, "b1", ag)
	c := New(reg, DefaultConfig(), nil)

	op, err := c.Load(context.Background(), "b1", "llama3", 99999)
	require.NoError(t, err)
	waitForOp(t, c, op.ID, registry.OpCompleted)
}

func TestLoad_ConcurrentLoadsExactlyOneSucceeds(t *testing.T) {
	ag := &fakeAgent{id: "b1", loadDelay: 50 * time.Millisecond}
	reg := newRegistryWithBackend(t, "b1", ag)
	c := New(reg, DefaultConfig(), nil)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Load(context.Background(), "b1", "llama3", 0)
			results[i] = err
		}()
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestLoad_AlreadyLoadedRejected(t *testing.T) {
	ag := &fakeAgent{id: "b1"}
	reg := newRegistryWithBackend(t, "b1", ag)
	require.NoError(t, reg.AddModelToBackend("b1", core.Model{ID: "llama3"}))
	c := New(reg, DefaultConfig(), nil)

	_, err := c.Load(context.Background(), "b1", "llama3", 0)
	require.Error(t, err)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ErrModelAlreadyLoaded, lerr.Kind)
}

func TestLoad_BackendNotFound(t *testing.T) {
	reg := registry.New()
	c := New(reg, DefaultConfig(), nil)

	_, err := c.Load(context.Background(), "missing", "llama3", 0)
	require.Error(t, err)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ErrBackendNotFound, lerr.Kind)
}

func TestLoad_FailurePropagatesAndRestoresHealthy(t *testing.T) {
	ag := &fakeAgent{id: "b1", loadErr: errors.New("boom")}
	reg := newRegistryWithBackend(t, "b1", ag)
	c := New(reg, DefaultConfig(), nil)

	op, err := c.Load(context.Background(), "b1", "llama3", 0)
	require.NoError(t, err)
	failed := waitForOp(t, c, op.ID, registry.OpFailed)
	assert.Contains(t, failed.Error, "boom")

	rec, _ := reg.GetBackend("b1")
	assert.Equal(t, registry.StatusHealthy, rec.Status.Kind)
	assert.Nil(t, rec.CurrentOperation)
}

func TestUnload_ActiveRequestsPresentRejected(t *testing.T) {
	ag := &fakeAgent{id: "b1"}
	reg := newRegistryWithBackend(t, "b1", ag)
	reg.IncrementPending("b1")
	c := New(reg, DefaultConfig(), nil)

	_, err := c.Unload(context.Background(), "b1", "llama3")
	require.Error(t, err)
	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, ErrActiveRequestsPresent, lerr.Kind)
}

func TestUnload_Succeeds(t *testing.T) {
	ag := &fakeAgent{id: "b1"}
	reg := newRegistryWithBackend(t, "b1", ag)
	require.NoError(t, reg.AddModelToBackend("b1", core.Model{ID: "llama3"}))
	c := New(reg, DefaultConfig(), nil)

	op, err := c.Unload(context.Background(), "b1", "llama3")
	require.NoError(t, err)
	assert.Equal(t, registry.OpCompleted, op.Status)

	rec, _ := reg.GetBackend("b1")
	_, loaded := rec.ModelByID("llama3")
	assert.False(t, loaded)
	assert.Nil(t, rec.CurrentOperation)
}

func TestMigrate_ComposesLoadOnTargetAndLabelsMigrate(t *testing.T) {
	src := &fakeAgent{id: "src"}
	dst := &fakeAgent{id: "dst"}
	reg := registry.New()
	require.NoError(t, reg.AddBackendWithAgent(registry.BackendRecord{ID: "src", Status: registry.HealthyStatus()}, src))
	require.NoError(t, reg.AddBackendWithAgent(registry.BackendRecord{ID: "dst", Status: registry.HealthyStatus()}, dst))
	require.NoError(t, reg.AddModelToBackend("src", core.Model{ID: "llama3"}))
	c := New(reg, DefaultConfig(), nil)

	op, err := c.Migrate(context.Background(), "llama3", "src", "dst", 0)
	require.NoError(t, err)
	assert.Equal(t, registry.OpMigrate, op.Type)
	assert.Equal(t, core.BackendId("src"), op.SourceBackendID)

	waitForOp(t, c, op.ID, registry.OpCompleted)

	srcRec, _ := reg.GetBackend("src")
	_, stillOnSource := srcRec.ModelByID("llama3")
	assert.True(t, stillOnSource, "source keeps serving until an explicit unload")

	dstRec, _ := reg.GetBackend("dst")
	_, onTarget := dstRec.ModelByID("llama3")
	assert.True(t, onTarget)
}

func TestWatchdog_FailsStuckOperation(t *testing.T) {
	ag := &fakeAgent{id: "b1", loadDelay: time.Hour}
	reg := newRegistryWithBackend(t, "b1", ag)
	cfg := DefaultConfig()
	cfg.OperationTimeout = 10 * time.Millisecond
	c := New(reg, cfg, nil)

	op, err := c.Load(context.Background(), "b1", "llama3", 0)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	c.sweep()

	failed, ok := c.GetOperation(op.ID)
	require.True(t, ok)
	assert.Equal(t, registry.OpFailed, failed.Status)

	rec, _ := reg.GetBackend("b1")
	assert.Equal(t, registry.StatusHealthy, rec.Status.Kind)
}
