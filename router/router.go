package router

import (
	"time"

	"github.com/nexus-proxy/nexus/registry"
	"github.com/nexus-proxy/nexus/telemetry"
)

// Router is the router core's single entry point (spec.md §4.4). Route
// performs no I/O and no awaits: it reads registry snapshots, runs the
// reconciler pipeline, and scores/selects synchronously.
type Router struct {
	reg         *registry.Registry
	config      Config
	reconcilers []Reconciler
	rr          *roundRobinCounters
}

// New constructs a Router over reg, dispatching with config.Strategy and
// running candidates through reconcilers in the given (fixed) order.
func New(reg *registry.Registry, config Config, reconcilers []Reconciler) *Router {
	return &Router{reg: reg, config: config, reconcilers: reconcilers, rr: newRoundRobinCounters()}
}

// Route resolves reqs.Model through alias substitution, filters and scores
// candidates, and falls back to configured substitutes if the primary model
// yields no viable candidate (spec.md §4.4).
func (r *Router) Route(reqs RequestRequirements) (RoutingResult, error) {
	start := time.Now()
	result, err := r.route(reqs)
	if err != nil {
		kind := "unknown"
		if re, ok := err.(*RoutingError); ok {
			kind = string(re.Kind)
		}
		telemetry.RoutingFailure(string(r.config.Strategy), kind)
		return RoutingResult{}, err
	}
	telemetry.RoutingDecision(string(r.config.Strategy), result.FallbackUsed, time.Since(start))
	return result, nil
}

func (r *Router) route(reqs RequestRequirements) (RoutingResult, error) {
	primary := r.resolveAlias(reqs.Model)

	result, err := r.routeModel(primary, reqs, false)
	if err == nil {
		return result, nil
	}

	re, ok := err.(*RoutingError)
	if !ok {
		return RoutingResult{}, err
	}
	// Budget rejects are terminal: never masked by a fallback attempt.
	if re.Kind == ErrBudgetExceeded {
		return RoutingResult{}, err
	}

	chain := r.config.Fallbacks[primary]
	if len(chain) == 0 {
		return RoutingResult{}, err
	}

	attempted := make([]string, 0, len(chain))
	for _, substitute := range chain {
		attempted = append(attempted, substitute)
		res, ferr := r.routeModel(substitute, reqs, true)
		if ferr == nil {
			res.FallbackUsed = true
			res.RouteReason = "fallback:" + substitute + ":" + res.RouteReason
			return res, nil
		}
	}
	return RoutingResult{}, &RoutingError{Kind: ErrFallbackChainExhausted, Model: primary, Chain: attempted}
}

// resolveAlias performs single-level alias substitution (spec.md §4.4 step
// 1). Chained aliases are intentionally not followed.
func (r *Router) resolveAlias(model string) string {
	if target, ok := r.config.Aliases[model]; ok {
		return target
	}
	return model
}

// routeModel runs steps 2-5 of spec.md §4.4 for one concrete model name
// (either the primary or a fallback substitute).
func (r *Router) routeModel(model string, reqs RequestRequirements, isFallback bool) (RoutingResult, error) {
	backends := r.reg.GetBackendsForModel(model)
	modelExists := len(backends) > 0

	var candidates []Candidate
	anyHealthyHostingModel := false
	missing := map[string]struct{}{}

	for _, b := range backends {
		if !b.Status.IsHealthy() {
			continue
		}
		if reqs.Excluded[b.ID] {
			continue
		}
		m, ok := b.ModelByID(model)
		if !ok {
			continue
		}
		anyHealthyHostingModel = true

		if reqs.NeedsVision && !m.SupportsVision {
			missing["vision"] = struct{}{}
			continue
		}
		if reqs.NeedsTools && !m.SupportsTools {
			missing["tools"] = struct{}{}
			continue
		}
		if reqs.NeedsJSONMode && !m.SupportsJSONMode {
			missing["json_mode"] = struct{}{}
			continue
		}
		if m.ContextLength > 0 && reqs.EstimatedTokens > m.ContextLength {
			missing["context_length"] = struct{}{}
			continue
		}
		candidates = append(candidates, Candidate{Backend: b, Model: m})
	}

	if len(candidates) == 0 {
		return RoutingResult{}, classifyEmptyCandidates(model, modelExists, anyHealthyHostingModel, missing)
	}

	rc := ReconcileContext{Requirements: reqs, Model: model}
	for _, reconciler := range r.reconcilers {
		var err error
		candidates, err = reconciler.Apply(rc, candidates)
		if err != nil {
			return RoutingResult{}, err
		}
		if len(candidates) == 0 {
			return RoutingResult{}, &RoutingError{Kind: ErrNoHealthyBackend, Model: model}
		}
	}

	chosen, reason := r.dispatch(candidates, model)
	return RoutingResult{Backend: chosen.Backend, ActualModel: model, FallbackUsed: isFallback, RouteReason: reason}, nil
}

func classifyEmptyCandidates(model string, modelExists, anyHealthy bool, missing map[string]struct{}) error {
	if !modelExists {
		return &RoutingError{Kind: ErrModelNotFound, Model: model}
	}
	if !anyHealthy {
		return &RoutingError{Kind: ErrNoHealthyBackend, Model: model}
	}
	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	return &RoutingError{Kind: ErrCapabilityMismatch, Model: model, Missing: names}
}

// dispatch applies the configured strategy to a non-empty candidate set.
func (r *Router) dispatch(candidates []Candidate, model string) (Candidate, string) {
	switch r.config.Strategy {
	case StrategyRoundRobin:
		return selectRoundRobin(candidates, r.rr.get(model))
	case StrategyPriorityOnly:
		return selectPriorityOnly(candidates)
	case StrategyRandom:
		return selectRandom(candidates)
	default:
		return selectSmart(candidates, r.config.Weights)
	}
}
