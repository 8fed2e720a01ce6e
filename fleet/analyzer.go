package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/registry"
	"github.com/nexus-proxy/nexus/telemetry"
)

// Config holds the fleet analyzer's tunables (spec.md §6 [fleet]).
type Config struct {
	Enabled             bool
	MinSampleDays       int
	MinRequestCount     int
	AnalysisInterval    time.Duration
	MaxRecommendations  int
	VRAMHeadroomPercent float64       // leave at least this percentage of VRAM free after loading
	RecommendationTTL   time.Duration // how long a generated recommendation stays valid
}

// DefaultConfig matches spec.md §4.8's documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MinSampleDays:       3,
		MinRequestCount:     50,
		AnalysisInterval:    time.Hour,
		MaxRecommendations:  10,
		VRAMHeadroomPercent: 15,
		RecommendationTTL:   2 * time.Hour,
	}
}

// RecommendationStatus is the lifecycle of a single advisory recommendation.
type RecommendationStatus string

const (
	RecPending RecommendationStatus = "pending"
	RecExpired RecommendationStatus = "expired"
)

// Recommendation is one pre-warm suggestion (spec.md §4.8 step 2a). It is
// advisory only: the analyzer never calls lifecycle.Load itself.
type Recommendation struct {
	Model          string
	TargetBackends []core.BackendId
	Confidence     float64
	Reasoning      string
	VRAMRequiredMB int64
	GeneratedAt    time.Time
	ExpiresAt      time.Time
	Status         RecommendationStatus
}

// VRAMEstimator reports the estimated VRAM footprint of loading a model, in
// megabytes. Callers without a size catalog may return 0, which disables the
// headroom check for that model.
type VRAMEstimator func(modelID string) int64

// Analyzer tracks per-model request histograms and produces pre-warm
// recommendations on each Tick.
type Analyzer struct {
	mu         sync.Mutex
	histories  map[string]*histogram
	lastResult []Recommendation
	cfg        Config
	logger     core.Logger
}

// New constructs an Analyzer. A nil logger is replaced with a no-op.
func New(cfg Config, logger core.Logger) *Analyzer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Analyzer{histories: make(map[string]*histogram), cfg: cfg, logger: logger}
}

// Record folds one completed request into modelID's rolling histogram.
// Called on every completed request (spec.md §4.8: "every completed request
// calls record(model_id, timestamp)").
func (a *Analyzer) Record(modelID string, at time.Time) {
	a.mu.Lock()
	h, ok := a.histories[modelID]
	if !ok {
		h = newHistogram()
		a.histories[modelID] = h
	}
	a.mu.Unlock()
	h.record(at)
}

// Recommendations returns the most recent Tick's output, filtered to those
// meeting minConfidence.
func (a *Analyzer) Recommendations(minConfidence float64) []Recommendation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Recommendation, 0, len(a.lastResult))
	for _, r := range a.lastResult {
		if r.Confidence >= minConfidence {
			out = append(out, r)
		}
	}
	return out
}

// profile is the per-model analysis result of spec.md §4.8 step 1.
type profile struct {
	totalSamples   int
	spanDays       float64
	hourOfDayAvg   [24]float64
	recentWeekSum  int
	priorWeekSum   int
	patternStrength float64
	confidence     float64
}

func analyzeModel(buckets []bucket, now time.Time, cfg Config) (profile, bool) {
	if len(buckets) == 0 {
		return profile{}, false
	}

	total := 0
	for _, b := range buckets {
		total += b.count
	}

	oldest := buckets[0].hour
	spanDays := now.Sub(oldest).Hours() / 24
	if spanDays < 0 {
		spanDays = 0
	}

	if total < cfg.MinRequestCount || spanDays < float64(cfg.MinSampleDays) {
		return profile{totalSamples: total, spanDays: spanDays}, false
	}

	var hourSum [24]float64
	var hourDays [24]map[string]bool
	for i := range hourDays {
		hourDays[i] = make(map[string]bool)
	}
	recentCutoff := now.Add(-7 * 24 * time.Hour)
	priorCutoff := now.Add(-14 * 24 * time.Hour)
	recentSum, priorSum := 0, 0

	for _, b := range buckets {
		h := b.hour.Hour()
		hourSum[h] += float64(b.count)
		hourDays[h][b.hour.Format("2006-01-02")] = true

		if b.hour.After(recentCutoff) {
			recentSum += b.count
		} else if b.hour.After(priorCutoff) {
			priorSum += b.count
		}
	}

	var hourAvg [24]float64
	maxAvg, sumAvg := 0.0, 0.0
	for h := 0; h < 24; h++ {
		days := len(hourDays[h])
		if days == 0 {
			continue
		}
		hourAvg[h] = hourSum[h] / float64(days)
		sumAvg += hourAvg[h]
		if hourAvg[h] > maxAvg {
			maxAvg = hourAvg[h]
		}
	}
	meanAvg := sumAvg / 24

	patternStrength := 0.0
	if maxAvg > 0 {
		patternStrength = (maxAvg - meanAvg) / maxAvg
	}

	sampleFactor := float64(total) / float64(cfg.MinRequestCount)
	if sampleFactor > 1 {
		sampleFactor = 1
	}
	daysFactor := spanDays / float64(cfg.MinSampleDays)
	if daysFactor > 1 {
		daysFactor = 1
	}

	confidence := 0.5*patternStrength + 0.25*sampleFactor + 0.25*daysFactor

	return profile{
		totalSamples:    total,
		spanDays:        spanDays,
		hourOfDayAvg:    hourAvg,
		recentWeekSum:   recentSum,
		priorWeekSum:    priorSum,
		patternStrength: patternStrength,
		confidence:      confidence,
	}, true
}

func (p profile) weeklyTrend() float64 {
	if p.priorWeekSum == 0 {
		return 1
	}
	return float64(p.recentWeekSum) / float64(p.priorWeekSum)
}

// fitsVRAMHeadroom reports whether loading estimatedMB onto a backend
// reporting usage leaves at least headroomPercent of VRAM free. A backend
// that doesn't report usage (ResourceUsage's unsupported zero value) is
// assumed to fit, matching lifecycle.checkVRAM's skip-if-unsupported
// behavior. Because recommendations only ever target backends the headroom
// check passes, a pre-warm never requires evicting an already-hot model
// (spec.md §4.8 step 3) — there is no separate eviction step to suppress.
func fitsVRAMHeadroom(usage registry.ResourceUsage, estimatedMB int64, headroomPercent float64) bool {
	if usage.VRAMTotalMB == 0 || estimatedMB <= 0 {
		return true
	}
	maxUsable := float64(usage.VRAMTotalMB) * (1 - headroomPercent/100)
	return float64(usage.VRAMUsedMB+estimatedMB) <= maxUsable
}

// Tick runs one analysis pass over every model with recorded history,
// producing pre-warm recommendations against reg's currently healthy,
// idle backends (spec.md §4.8 steps 1-3). now is passed in rather than
// read from time.Now() so callers control the analysis instant.
func (a *Analyzer) Tick(ctx context.Context, reg *registry.Registry, estimateVRAM VRAMEstimator, now time.Time) []Recommendation {
	a.mu.Lock()
	modelIDs := make([]string, 0, len(a.histories))
	snapshots := make(map[string][]bucket, len(a.histories))
	for id, h := range a.histories {
		modelIDs = append(modelIDs, id)
		snapshots[id] = h.snapshot()
	}
	a.mu.Unlock()

	recs := make([]Recommendation, 0, a.cfg.MaxRecommendations)
	for _, modelID := range modelIDs {
		p, ok := analyzeModel(snapshots[modelID], now, a.cfg)
		if !ok {
			continue
		}

		estimatedMB := int64(0)
		if estimateVRAM != nil {
			estimatedMB = estimateVRAM(modelID)
		}

		existing := reg.GetBackendsForModel(modelID)
		alreadyOn := make(map[core.BackendId]bool, len(existing))
		for _, rec := range existing {
			alreadyOn[rec.ID] = true
		}

		var targets []core.BackendId
		for _, rec := range reg.AllBackends() {
			if alreadyOn[rec.ID] || !rec.Status.IsHealthy() || rec.CurrentOperation != nil {
				continue
			}
			agent, ok := reg.GetAgent(rec.ID)
			if !ok {
				continue
			}
			usage, err := agent.ResourceUsage(ctx)
			if err != nil {
				usage = registry.ResourceUsage{}
			}
			if !fitsVRAMHeadroom(usage, estimatedMB, a.cfg.VRAMHeadroomPercent) {
				continue
			}
			targets = append(targets, rec.ID)
		}
		if len(targets) == 0 {
			continue
		}

		recs = append(recs, Recommendation{
			Model:          modelID,
			TargetBackends: targets,
			Confidence:     p.confidence,
			Reasoning:      reasoningFor(p),
			VRAMRequiredMB: estimatedMB,
			GeneratedAt:    now,
			ExpiresAt:      now.Add(a.cfg.RecommendationTTL),
			Status:         RecPending,
		})
		if len(recs) >= a.cfg.MaxRecommendations {
			break
		}
	}

	a.mu.Lock()
	a.lastResult = recs
	a.mu.Unlock()

	for _, rec := range recs {
		telemetry.PreWarmRecommended(rec.Model)
	}

	return recs
}

func reasoningFor(p profile) string {
	trend := p.weeklyTrend()
	switch {
	case trend > 1.2:
		return "usage trending up week over week with a concentrated daily peak"
	case trend < 0.8:
		return "usage trending down but still shows a recurring daily peak"
	default:
		return "stable recurring daily usage pattern"
	}
}
