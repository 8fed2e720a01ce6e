// Package lifecycle implements the Load/Unload/Migrate controller (spec.md
// §4.7): it mutates a backend's current_operation and status fields,
// delegates the actual work to the backend's Agent, and runs a timeout
// watchdog over InProgress operations.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
	"github.com/nexus-proxy/nexus/telemetry"
)

// Config holds the lifecycle controller's tunables (spec.md §6 [lifecycle]).
type Config struct {
	OperationTimeout   time.Duration // watchdog: how long InProgress may run before Failed
	WatchdogInterval   time.Duration
	VRAMBufferFraction float64 // buffer_fraction: required headroom beyond the model's estimated size
}

// DefaultConfig matches spec.md §4.7/§6's documented defaults.
func DefaultConfig() Config {
	return Config{
		OperationTimeout:   10 * time.Minute,
		WatchdogInterval:   30 * time.Second,
		VRAMBufferFraction: 0.1,
	}
}

// progressReporter is implemented by agents that can report incremental load
// progress (agent.OllamaAgent.LoadModelWithProgress); agents without it are
// driven through the plain blocking LoadModel call.
type progressReporter interface {
	LoadModelWithProgress(ctx context.Context, modelID string, onProgress func(percent int, eta time.Duration)) error
}

// Controller is the Load/Unload/Migrate state machine owner. mu serializes
// the precondition-check-then-set sequence of Load/Unload so that concurrent
// calls against the same backend can never both observe "no current
// operation" and both proceed (testable property: exactly one of two
// concurrent Loads of the same model/backend succeeds).
type Controller struct {
	reg    *registry.Registry
	cfg    Config
	logger core.Logger

	mu  sync.Mutex
	ops map[string]*registry.LifecycleOperation // operation history, keyed by ID, for status polling
}

// New constructs a lifecycle Controller. A nil logger is replaced with a
// no-op.
func New(reg *registry.Registry, cfg Config, logger core.Logger) *Controller {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Controller{reg: reg, cfg: cfg, logger: logger, ops: make(map[string]*registry.LifecycleOperation)}
}

// GetOperation returns a snapshot of a previously issued operation by ID, for
// polling its progress/outcome after Load/Unload/Migrate returns.
func (c *Controller) GetOperation(id string) (registry.LifecycleOperation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.ops[id]
	if !ok {
		return registry.LifecycleOperation{}, false
	}
	return *op, true
}

func (c *Controller) record(op *registry.LifecycleOperation) {
	c.mu.Lock()
	cp := *op
	c.ops[op.ID] = &cp
	c.mu.Unlock()
}

// Load begins loading modelID onto backendID. It returns once the operation
// is registered as InProgress; the load itself runs in the background and
// its outcome is observed via GetOperation or the registry's status field
// (spec.md §4.7: "non-blocking; progress is updated by observing agent
// output").
func (c *Controller) Load(ctx context.Context, backendID core.BackendId, modelID string, estimatedVRAMMB int64) (registry.LifecycleOperation, error) {
	return c.startLoad(ctx, backendID, modelID, estimatedVRAMMB, nil)
}

// startLoad is the shared Load/Migrate entry: tag, when non-nil, adjusts the
// freshly built operation (Migrate's type and source backend) before it is
// registered and the background load goroutine starts, so the operation's
// identity never changes once it is observable.
func (c *Controller) startLoad(ctx context.Context, backendID core.BackendId, modelID string, estimatedVRAMMB int64, tag func(*registry.LifecycleOperation)) (registry.LifecycleOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.reg.GetBackend(backendID)
	if !ok {
		return registry.LifecycleOperation{}, &Error{Kind: ErrBackendNotFound, BackendID: backendID, ModelID: modelID}
	}
	if rec.CurrentOperation != nil && rec.CurrentOperation.InProgress() {
		return registry.LifecycleOperation{}, &Error{Kind: ErrAlreadyInProgress, BackendID: backendID, ModelID: modelID}
	}
	if _, alreadyLoaded := rec.ModelByID(modelID); alreadyLoaded {
		return registry.LifecycleOperation{}, &Error{Kind: ErrModelAlreadyLoaded, BackendID: backendID, ModelID: modelID}
	}

	ag, ok := c.reg.GetAgent(backendID)
	if !ok {
		return registry.LifecycleOperation{}, &Error{Kind: ErrBackendNotFound, BackendID: backendID, ModelID: modelID}
	}

	if err := c.checkVRAM(ctx, ag, estimatedVRAMMB); err != nil {
		return registry.LifecycleOperation{}, &Error{Kind: ErrVRAMInsufficient, BackendID: backendID, ModelID: modelID, Message: err.Error()}
	}

	op := &registry.LifecycleOperation{
		ID:              uuid.New().String(),
		Type:            registry.OpLoad,
		ModelID:         modelID,
		TargetBackendID: backendID,
		Status:          registry.OpInProgress,
		InitiatedAt:      time.Now(),
	}
	if tag != nil {
		tag(op)
	}
	if err := c.reg.UpdateOperation(backendID, op); err != nil {
		return registry.LifecycleOperation{}, &Error{Kind: ErrBackendNotFound, BackendID: backendID, ModelID: modelID}
	}
	_ = c.reg.UpdateStatus(backendID, registry.LoadingStatus(modelID, 0, 0))
	cp := *op
	c.ops[op.ID] = &cp

	go c.runLoad(op, backendID, ag, modelID)

	return *op, nil
}

// checkVRAM enforces spec.md §4.7's
// "vram_free ≥ estimated_model_vram × (1 + buffer_fraction)" precondition. A
// backend whose agent doesn't report resource usage (ResourceUsage's default
// zero-value implementation) can't be checked, so the precondition is
// treated as satisfied rather than blocking every load on an unsupported
// agent.
func (c *Controller) checkVRAM(ctx context.Context, ag registry.Agent, estimatedVRAMMB int64) error {
	if estimatedVRAMMB <= 0 {
		return nil
	}
	usage, err := ag.ResourceUsage(ctx)
	if err != nil || usage.VRAMTotalMB == 0 {
		return nil
	}
	free := usage.VRAMTotalMB - usage.VRAMUsedMB
	required := int64(float64(estimatedVRAMMB) * (1 + c.cfg.VRAMBufferFraction))
	if free < required {
		return &vramError{free: free, required: required}
	}
	return nil
}

type vramError struct{ free, required int64 }

func (e *vramError) Error() string {
	return "vram_free=" + itoa(e.free) + " < required=" + itoa(e.required)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// runLoad drives the actual agent.LoadModel call in the background,
// propagating incremental progress into the registry's Loading status when
// the agent supports it.
func (c *Controller) runLoad(op *registry.LifecycleOperation, backendID core.BackendId, ag registry.Agent, modelID string) {
	ctx := context.Background()

	var err error
	if pr, ok := ag.(progressReporter); ok {
		err = pr.LoadModelWithProgress(ctx, modelID, func(percent int, eta time.Duration) {
			_ = c.reg.UpdateStatus(backendID, registry.LoadingStatus(modelID, percent, eta.Milliseconds()))
		})
	} else {
		err = ag.LoadModel(ctx, modelID)
	}

	if err != nil {
		c.failOperation(backendID, op, err)
		return
	}
	c.completeLoad(backendID, op, modelID)
}

func (c *Controller) completeLoad(backendID core.BackendId, op *registry.LifecycleOperation, modelID string) {
	op.Status = registry.OpCompleted
	op.ProgressPercent = 100
	op.CompletedAt = time.Now()
	c.record(op)

	_ = c.reg.AddModelToBackend(backendID, core.Model{ID: modelID, DisplayName: modelID})
	_ = c.reg.UpdateOperation(backendID, nil)
	_ = c.reg.UpdateStatus(backendID, registry.HealthyStatus())

	telemetry.LifecycleOutcome(string(op.Type), string(op.Status))
}

func (c *Controller) failOperation(backendID core.BackendId, op *registry.LifecycleOperation, cause error) {
	op.Status = registry.OpFailed
	op.Error = cause.Error()
	op.CompletedAt = time.Now()
	c.record(op)

	_ = c.reg.UpdateOperation(backendID, nil)
	_ = c.reg.UpdateStatus(backendID, registry.HealthyStatus())

	telemetry.LifecycleOutcome(string(op.Type), string(op.Status))

	c.logger.Warn("lifecycle operation failed", map[string]interface{}{
		"backend_id": string(backendID),
		"op_id":      op.ID,
		"op_type":    string(op.Type),
		"error":      cause.Error(),
	})
}

// Unload removes modelID from backendID. It runs synchronously: unload calls
// are cheap relative to a model load and spec.md §4.7 only requires Load's
// agent call to be non-blocking.
func (c *Controller) Unload(ctx context.Context, backendID core.BackendId, modelID string) (registry.LifecycleOperation, error) {
	c.mu.Lock()
	rec, ok := c.reg.GetBackend(backendID)
	if !ok {
		c.mu.Unlock()
		return registry.LifecycleOperation{}, &Error{Kind: ErrBackendNotFound, BackendID: backendID, ModelID: modelID}
	}
	if rec.CurrentOperation != nil && rec.CurrentOperation.InProgress() {
		c.mu.Unlock()
		return registry.LifecycleOperation{}, &Error{Kind: ErrAlreadyInProgress, BackendID: backendID, ModelID: modelID}
	}
	if rec.PendingRequests > 0 {
		c.mu.Unlock()
		return registry.LifecycleOperation{}, &Error{Kind: ErrActiveRequestsPresent, BackendID: backendID, ModelID: modelID}
	}

	ag, ok := c.reg.GetAgent(backendID)
	if !ok {
		c.mu.Unlock()
		return registry.LifecycleOperation{}, &Error{Kind: ErrBackendNotFound, BackendID: backendID, ModelID: modelID}
	}

	op := &registry.LifecycleOperation{
		ID:              uuid.New().String(),
		Type:            registry.OpUnload,
		ModelID:         modelID,
		TargetBackendID: backendID,
		Status:          registry.OpInProgress,
		InitiatedAt:      time.Now(),
	}
	_ = c.reg.UpdateOperation(backendID, op)
	cp := *op
	c.ops[op.ID] = &cp
	c.mu.Unlock()

	if err := ag.UnloadModel(ctx, modelID); err != nil {
		c.failOperation(backendID, op, err)
		return *op, &Error{Kind: ErrUnsupported, BackendID: backendID, ModelID: modelID, Message: err.Error()}
	}

	op.Status = registry.OpCompleted
	op.CompletedAt = time.Now()
	c.record(op)
	_ = c.reg.RemoveModelFromBackend(backendID, modelID)
	_ = c.reg.UpdateOperation(backendID, nil)

	return *op, nil
}

// Migrate composes a Load on target; the source backend keeps serving the
// model until an operator separately calls Unload on it (spec.md §4.7). The
// router's lifecycle reconciler is what actually keeps routing to source:
// this method only starts target's load and tags the resulting operation as
// a Migrate so progress/API responses are labeled correctly.
func (c *Controller) Migrate(ctx context.Context, modelID string, source, target core.BackendId, estimatedVRAMMB int64) (registry.LifecycleOperation, error) {
	return c.startLoad(ctx, target, modelID, estimatedVRAMMB, func(op *registry.LifecycleOperation) {
		op.Type = registry.OpMigrate
		op.SourceBackendID = source
	})
}

// RunWatchdog scans InProgress operations at cfg.WatchdogInterval and fails
// any that have exceeded cfg.OperationTimeout (spec.md §4.7 "Timeout
// watchdog").
func (c *Controller) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Controller) sweep() {
	for _, rec := range c.reg.AllBackends() {
		op := rec.CurrentOperation
		if op == nil || op.Status != registry.OpInProgress {
			continue
		}
		if time.Since(op.InitiatedAt) > c.cfg.OperationTimeout {
			telemetry.WatchdogTimeout(string(rec.ID), string(op.Type))
			c.failOperation(rec.ID, op, core.ErrLifecycleTimeout)
		}
	}
}
