// Package router is the per-request pipeline that extracts requirements,
// resolves aliases, filters candidates by health and capability, scores them
// under a configurable strategy, optionally falls back to substitute models,
// and returns the selected backend with explanatory metadata (spec.md §4.4).
package router

import (
	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
)

// Strategy is the closed set of candidate-selection policies (spec.md §4.4
// table). It is a string enum rather than an interface: the strategy set is
// closed and small, so a tagged union avoids an allocation in the hot path
// (spec.md §9 "Enum-dispatched strategies, not trait objects").
type Strategy string

const (
	StrategySmart        Strategy = "smart"
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyPriorityOnly  Strategy = "priority_only"
	StrategyRandom        Strategy = "random"
)

// Weights are the Smart-strategy scoring weights; w_p + w_l + w_ℓ must equal
// 100 (validated at config load, default 50/30/20).
type Weights struct {
	Priority int
	Load     int
	Latency  int
}

// DefaultWeights matches spec.md §4.4's documented default.
func DefaultWeights() Weights { return Weights{Priority: 50, Load: 30, Latency: 20} }

// Config is the routing-specific slice of the validated configuration
// struct the router consumes (package config produces it).
type Config struct {
	Strategy   Strategy
	Weights    Weights
	Aliases    map[string]string   // single-level name substitution
	Fallbacks  map[string][]string // single-level substitute chains
	MaxRetries int
}

// RequestRequirements is the value type derived from one chat-completions
// request (spec.md §3).
type RequestRequirements struct {
	Model           string
	EstimatedTokens int
	NeedsVision     bool
	NeedsTools      bool
	NeedsJSONMode   bool

	// CallerZone and TierHint are not named in spec.md §3's RequestRequirements
	// but are required inputs to the Privacy and Tier reconcilers (§4.5); they
	// are derived from the caller's auth context and an optional request hint,
	// both out of the core's scope, so the HTTP layer supplies them.
	CallerZone core.PrivacyZone
	TierHint   core.CapabilityTier

	// Excluded lists backend ids the caller has already tried and failed
	// against on this request (spec.md §7's retry policy: "re-running the
	// router with the offending backend excluded"). Nil/empty excludes
	// nothing.
	Excluded map[core.BackendId]bool
}

// RoutingResult is produced by the router and consumed by the request
// handler (spec.md §3).
type RoutingResult struct {
	Backend      registry.BackendRecord
	ActualModel  string
	FallbackUsed bool
	RouteReason  string
}

// Candidate pairs a backend snapshot with the specific Model entry that
// satisfies the request on that backend, plus an additive score adjustment
// reconcilers may apply (Tier bonus, Scheduler TTFT penalty, Budget
// de-prioritization). ScoreBias only affects the Smart strategy's scoring;
// the other strategies ignore it.
type Candidate struct {
	Backend   registry.BackendRecord
	Model     core.Model
	ScoreBias int
}

func cloneCandidates(in []Candidate) []Candidate {
	out := make([]Candidate, len(in))
	copy(out, in)
	return out
}
