// Package discovery runs the health & capability discovery loop: a single
// long-running background task that periodically probes every registered
// backend's agent and folds the result back into the Registry (spec.md
// §4.3).
package discovery

import (
	"context"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
	"github.com/nexus-proxy/nexus/telemetry"
)

// Config holds the tunables spec.md §4.3 names: poll interval (jittered),
// probe parallelism, and the consecutive success/failure thresholds that
// drive Healthy<->Unhealthy transitions.
type Config struct {
	Interval           time.Duration
	JitterFraction     float64
	Parallelism        int
	UnhealthyThreshold int // consecutive failures to flip Healthy -> Unhealthy
	HealthyThreshold   int // consecutive successes to flip Unhealthy -> Healthy
}

// DefaultConfig matches spec.md §4.3's documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           10 * time.Second,
		JitterFraction:     0.2,
		Parallelism:        8,
		UnhealthyThreshold: 3,
		HealthyThreshold:   1,
	}
}

// Loop is the health & capability discovery background task.
type Loop struct {
	reg    *registry.Registry
	cfg    Config
	logger core.Logger
}

// New constructs a discovery Loop. A nil logger is replaced with a no-op.
func New(reg *registry.Registry, cfg Config, logger core.Logger) *Loop {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Loop{reg: reg, cfg: cfg, logger: logger}
}

// Run ticks at the configured (jittered) interval until ctx is canceled.
// Ticks never overlap: the next tick is scheduled only once the previous
// one has fully completed, so a single backend is never probed by more
// than one outstanding call at a time (spec.md §4.3 "Concurrency").
func (l *Loop) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(l.jitteredInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) jitteredInterval() time.Duration {
	if l.cfg.JitterFraction <= 0 {
		return l.cfg.Interval
	}
	delta := time.Duration(float64(l.cfg.Interval) * l.cfg.JitterFraction * (rand.Float64()*2 - 1))
	d := l.cfg.Interval + delta
	if d <= 0 {
		return l.cfg.Interval
	}
	return d
}

// tick probes every registered backend concurrently, bounded by
// cfg.Parallelism (golang.org/x/sync/errgroup.SetLimit, grounded on the
// pack's bounded-fan-out idiom).
func (l *Loop) tick(ctx context.Context) {
	backends := l.reg.AllBackends()

	g, gctx := errgroup.WithContext(ctx)
	parallelism := l.cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	g.SetLimit(parallelism)

	for _, b := range backends {
		b := b
		g.Go(func() error {
			l.probe(gctx, b)
			return nil
		})
	}
	_ = g.Wait() // probe never returns an error; failures are recorded, not propagated
}

// probe runs one health_check/list_models cycle for a single backend
// (spec.md §4.3 steps 1-3). Failures never panic or propagate: they are
// recorded and drive state transitions.
func (l *Loop) probe(ctx context.Context, rec registry.BackendRecord) {
	agent, ok := l.reg.GetAgent(rec.ID)
	if !ok {
		return
	}

	// A backend with an in-progress lifecycle operation reports Loading
	// regardless of probe outcome, until the operation completes or the
	// lifecycle watchdog times it out (spec.md §4.3 step 1, §4.7).
	if op, ok := l.reg.CurrentOperation(rec.ID); ok && op.InProgress() {
		_ = l.reg.UpdateStatus(rec.ID, registry.LoadingStatus(op.ModelID, op.ProgressPercent, op.ETAMillis))
		return
	}

	start := time.Now()
	health, err := agent.HealthCheck(ctx)
	latency := time.Since(start)
	success := err == nil && health.Kind == registry.HealthStatusHealthy

	telemetry.ProbeObserved(string(rec.ID), success, latency)

	l.reg.RecordProbeOutcome(rec.ID, success, time.Now())
	l.reg.RecordLatency(rec.ID, latency.Milliseconds())

	next := l.nextStatus(rec.ID, rec.Status)
	if next.Kind != rec.Status.Kind {
		telemetry.StatusTransition(string(rec.ID), string(rec.Status.Kind), string(next.Kind))
	}
	_ = l.reg.UpdateStatus(rec.ID, next)

	if !success {
		l.logger.Debug("discovery probe failed", map[string]interface{}{
			"backend_id": string(rec.ID),
			"error":      errString(err),
		})
		return
	}

	models, err := agent.ListModels(ctx)
	if err != nil {
		// A failed discovery of models preserves the previous list rather
		// than emptying it (spec.md §4.3 "Failure semantics").
		l.logger.Debug("list_models failed, keeping stale model list", map[string]interface{}{
			"backend_id": string(rec.ID),
			"error":      err.Error(),
		})
		return
	}
	_ = l.reg.UpdateModels(rec.ID, models)
}

// nextStatus applies the Unknown/Healthy/Unhealthy transition table (spec.md
// §3, §4.3). Loading and Draining are left untouched here: Loading is only
// ever entered/exited via the lifecycle controller (and the in-progress
// override above), and Draining only lifts on an explicit operator request.
func (l *Loop) nextStatus(id core.BackendId, prev registry.Status) registry.Status {
	current, ok := l.reg.GetBackend(id)
	if !ok {
		return prev
	}

	switch current.Status.Kind {
	case registry.StatusLoading, registry.StatusDraining:
		return current.Status
	case registry.StatusUnknown:
		if current.ConsecutiveSuccesses > 0 {
			return registry.HealthyStatus()
		}
		return registry.UnknownStatus()
	case registry.StatusHealthy:
		if current.ConsecutiveFailures >= max(l.cfg.UnhealthyThreshold, 1) {
			return registry.UnhealthyStatus()
		}
		return registry.HealthyStatus()
	default: // StatusUnhealthy
		if current.ConsecutiveSuccesses >= max(l.cfg.HealthyThreshold, 1) {
			return registry.HealthyStatus()
		}
		return registry.UnhealthyStatus()
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
