package router

import (
	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// ReconcileContext carries the per-request inputs a reconciler needs beyond
// the candidate set itself.
type ReconcileContext struct {
	Requirements RequestRequirements
	Model        string
}

// Reconciler is one stage of the fixed pipeline applied to the candidate set
// between base filtering and strategy dispatch (spec.md §4.5). A reconciler
// may exclude members, tag members with a score adjustment, or return a
// terminal error that aborts routing outright (the Budget reconciler's
// "reject" action). An empty candidate slice with a nil error is treated by
// the router as "all excluded" and triggers the fallback path, not a panic.
type Reconciler interface {
	Name() string
	Apply(ctx ReconcileContext, candidates []Candidate) ([]Candidate, error)
}

// PrivacyReconciler drops candidates whose privacy zone is incompatible with
// the request's caller zone: Restricted callers may not use Open backends;
// Open (or unset) callers may use both (spec.md §4.5 #1).
type PrivacyReconciler struct{}

func (PrivacyReconciler) Name() string { return "privacy" }

func (PrivacyReconciler) Apply(ctx ReconcileContext, candidates []Candidate) ([]Candidate, error) {
	if ctx.Requirements.CallerZone != core.ZoneRestricted {
		return candidates, nil
	}
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Backend.PrivacyZone == core.ZoneRestricted {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// softLimitPenalty is subtracted from a cloud candidate's score once spend
// crosses the soft limit, de-prioritizing it without excluding it outright.
const softLimitPenalty = 25

// BudgetReconciler consults the process-wide spending counter: at or above
// the soft limit it de-prioritizes Open (cloud) candidates; at or above the
// hard limit it applies the configured action (spec.md §4.5 #2).
type BudgetReconciler struct {
	Tracker *BudgetTracker
}

func (BudgetReconciler) Name() string { return "budget" }

func (b BudgetReconciler) Apply(ctx ReconcileContext, candidates []Candidate) ([]Candidate, error) {
	if b.Tracker == nil {
		return candidates, nil
	}

	if b.Tracker.HardLimitReached() {
		switch b.Tracker.Action() {
		case HardLimitReject:
			return nil, &RoutingError{Kind: ErrBudgetExceeded, Model: ctx.Model}
		case HardLimitQueue:
			// Queuing is explicitly deferred (spec.md §9 Open Questions); an
			// implementation may reject with Retry-After in lieu of queuing.
			return nil, &RoutingError{Kind: ErrBudgetExceeded, Model: ctx.Model, RetryAfter: true}
		default: // HardLimitLocalOnly
			kept := make([]Candidate, 0, len(candidates))
			for _, c := range candidates {
				if c.Backend.PrivacyZone != core.ZoneOpen {
					kept = append(kept, c)
				}
			}
			return kept, nil
		}
	}

	if b.Tracker.SoftLimitReached() {
		out := cloneCandidates(candidates)
		for i := range out {
			if out[i].Backend.PrivacyZone == core.ZoneOpen {
				out[i].ScoreBias -= softLimitPenalty
			}
		}
		return out, nil
	}

	return candidates, nil
}

// tierBonus rewards candidates whose capability_tier matches the request's
// tier hint, enough to outweigh a noticeable priority/load/latency gap.
const tierBonus = 15

// TierReconciler prefers models matching a request's tier hint, when one is
// present (spec.md §4.5 #3).
type TierReconciler struct{}

func (TierReconciler) Name() string { return "tier" }

func (TierReconciler) Apply(ctx ReconcileContext, candidates []Candidate) ([]Candidate, error) {
	if ctx.Requirements.TierHint == "" {
		return candidates, nil
	}
	out := cloneCandidates(candidates)
	for i := range out {
		if out[i].Model.CapabilityTier == ctx.Requirements.TierHint {
			out[i].ScoreBias += tierBonus
		}
	}
	return out, nil
}

// QualityReconciler excludes candidates whose rolling hourly error rate
// exceeds a configured threshold, subject to a minimum-sample floor (spec.md
// §4.5 #4).
type QualityReconciler struct {
	Tracker            *QualityTracker
	ErrorRateThreshold float64
}

func (QualityReconciler) Name() string { return "quality" }

func (q QualityReconciler) Apply(_ ReconcileContext, candidates []Candidate) ([]Candidate, error) {
	if q.Tracker == nil {
		return candidates, nil
	}
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		rate, sampled := q.Tracker.ErrorRate(c.Backend.ID, c.Model.ID)
		if sampled && rate > q.ErrorRateThreshold {
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// LifecycleReconciler removes candidates currently Loading or Draining, or
// mid-Unload for the requested model. Migration is the documented exception:
// a Migrate operation lives on the target backend as a Load, so the source
// backend is never excluded by this rule until an operator separately
// initiates its Unload (spec.md §4.5 #5, §4.7).
type LifecycleReconciler struct{}

func (LifecycleReconciler) Name() string { return "lifecycle" }

func (LifecycleReconciler) Apply(_ ReconcileContext, candidates []Candidate) ([]Candidate, error) {
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Backend.Status.Kind == registry.StatusLoading || c.Backend.Status.Kind == registry.StatusDraining {
			continue
		}
		if op := c.Backend.CurrentOperation; op.InProgress() && op.Type == registry.OpUnload && op.ModelID == c.Model.ID {
			continue
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// defaultTTFTPenalty is subtracted from a candidate's score once its recent
// latency crosses the configured TTFT threshold, when
// SchedulerReconciler.Penalty is left at zero.
const defaultTTFTPenalty = 20

// SchedulerReconciler applies a time-to-first-token penalty to candidates
// whose recent latency exceeds a threshold (spec.md §4.5 #6).
type SchedulerReconciler struct {
	TTFTThresholdMillis int64
	Penalty             int
}

func (SchedulerReconciler) Name() string { return "scheduler" }

func (s SchedulerReconciler) Apply(_ ReconcileContext, candidates []Candidate) ([]Candidate, error) {
	if s.TTFTThresholdMillis <= 0 {
		return candidates, nil
	}
	penalty := s.Penalty
	if penalty == 0 {
		penalty = defaultTTFTPenalty
	}
	out := cloneCandidates(candidates)
	for i := range out {
		if out[i].Backend.AvgLatencyMillis > s.TTFTThresholdMillis {
			out[i].ScoreBias -= penalty
		}
	}
	return out, nil
}

// PipelineConfig configures the default reconciler pipeline's thresholds,
// drawn from the [quality] and [lifecycle]-adjacent config sections.
type PipelineConfig struct {
	QualityErrorRateThreshold float64
	TTFTPenaltyThresholdMs    int64
}

// DefaultPipeline assembles the fixed, spec.md §4.5-mandated reconciler
// order: Privacy, Budget, Tier, Quality, Lifecycle, Scheduler.
func DefaultPipeline(budget *BudgetTracker, quality *QualityTracker, cfg PipelineConfig) []Reconciler {
	return []Reconciler{
		PrivacyReconciler{},
		BudgetReconciler{Tracker: budget},
		TierReconciler{},
		QualityReconciler{Tracker: quality, ErrorRateThreshold: cfg.QualityErrorRateThreshold},
		LifecycleReconciler{},
		SchedulerReconciler{TTFTThresholdMillis: cfg.TTFTPenaltyThresholdMs},
	}
}
