package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-proxy/nexus/core"
)

func cand(id string, zone core.PrivacyZone, tier core.CapabilityTier) Candidate {
	return Candidate{
		Backend: backend(id, id, 1, 0, 10, zone),
		Model:   core.Model{ID: "m", CapabilityTier: tier},
	}
}

func TestBudgetReconciler_SoftLimitPenalizesCloud(t *testing.T) {
	tracker := NewBudgetTracker(BudgetConfig{MonthlyLimitCents: 1000, SoftLimitPercent: 50, HardLimitPercent: 90}, nil, PriceTable{})
	tracker.RecordCost(600) // 60% of limit, past soft (50%), below hard (90%)

	rc := BudgetReconciler{Tracker: tracker}
	out, err := rc.Apply(ReconcileContext{}, []Candidate{cand("local", core.ZoneRestricted, ""), cand("cloud", core.ZoneOpen, "")})
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, c := range out {
		if c.Backend.PrivacyZone == core.ZoneOpen {
			assert.Negative(t, c.ScoreBias)
		} else {
			assert.Zero(t, c.ScoreBias)
		}
	}
}

func TestBudgetReconciler_HardLimitLocalOnlyDropsCloud(t *testing.T) {
	tracker := NewBudgetTracker(BudgetConfig{MonthlyLimitCents: 1000, SoftLimitPercent: 50, HardLimitPercent: 90, HardLimitAction: HardLimitLocalOnly}, nil, PriceTable{})
	tracker.RecordCost(950)

	rc := BudgetReconciler{Tracker: tracker}
	out, err := rc.Apply(ReconcileContext{}, []Candidate{cand("local", core.ZoneRestricted, ""), cand("cloud", core.ZoneOpen, "")})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "local", string(out[0].Backend.ID))
}

func TestBudgetReconciler_HardLimitReject(t *testing.T) {
	tracker := NewBudgetTracker(BudgetConfig{MonthlyLimitCents: 1000, HardLimitPercent: 90, HardLimitAction: HardLimitReject}, nil, PriceTable{})
	tracker.RecordCost(950)

	rc := BudgetReconciler{Tracker: tracker}
	_, err := rc.Apply(ReconcileContext{Model: "m"}, []Candidate{cand("cloud", core.ZoneOpen, "")})
	require.Error(t, err)
	re := err.(*RoutingError)
	assert.Equal(t, ErrBudgetExceeded, re.Kind)
}

func TestTierReconciler_BoostsMatchingTier(t *testing.T) {
	rc := TierReconciler{}
	out, err := rc.Apply(ReconcileContext{Requirements: RequestRequirements{TierHint: "fast"}}, []Candidate{
		cand("a", core.ZoneRestricted, "fast"),
		cand("b", core.ZoneRestricted, "quality"),
	})
	require.NoError(t, err)
	assert.Equal(t, tierBonus, out[0].ScoreBias)
	assert.Zero(t, out[1].ScoreBias)
}

func TestQualityReconciler_ExcludesAboveThresholdWithEnoughSamples(t *testing.T) {
	tracker := NewQualityTracker(4)
	for i := 0; i < 3; i++ {
		tracker.RecordOutcome("bad", "m", false)
	}
	tracker.RecordOutcome("bad", "m", true)

	rc := QualityReconciler{Tracker: tracker, ErrorRateThreshold: 0.5}
	out, err := rc.Apply(ReconcileContext{}, []Candidate{cand("bad", core.ZoneRestricted, ""), cand("good", core.ZoneRestricted, "")})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "good", string(out[0].Backend.ID))
}

func TestQualityReconciler_BelowMinSampleFloorNeverExcludes(t *testing.T) {
	tracker := NewQualityTracker(100)
	tracker.RecordOutcome("flaky", "m", false)
	tracker.RecordOutcome("flaky", "m", false)

	rc := QualityReconciler{Tracker: tracker, ErrorRateThreshold: 0.1}
	out, err := rc.Apply(ReconcileContext{}, []Candidate{cand("flaky", core.ZoneRestricted, "")})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestSchedulerReconciler_PenalizesSlowCandidates(t *testing.T) {
	rc := SchedulerReconciler{TTFTThresholdMillis: 100}
	slow := cand("slow", core.ZoneRestricted, "")
	slow.Backend.AvgLatencyMillis = 500
	fast := cand("fast", core.ZoneRestricted, "")
	fast.Backend.AvgLatencyMillis = 10

	out, err := rc.Apply(ReconcileContext{}, []Candidate{slow, fast})
	require.NoError(t, err)
	assert.Negative(t, out[0].ScoreBias)
	assert.Zero(t, out[1].ScoreBias)
}

func TestBudgetTracker_CycleResetsOncePerMonth(t *testing.T) {
	tracker := NewBudgetTracker(BudgetConfig{MonthlyLimitCents: 1000, BillingCycleStartDay: 1}, nil, PriceTable{})
	tracker.RecordCost(500)
	assert.Equal(t, int64(500), tracker.SpentCents())

	// The first tick on the cycle start day resets the counter.
	tracker.MaybeResetCycle(time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, int64(0), tracker.SpentCents())

	// Later ticks in the same cycle, on the start day or not, leave it alone.
	tracker.RecordCost(200)
	tracker.MaybeResetCycle(time.Date(2026, time.March, 1, 15, 0, 0, 0, time.UTC))
	tracker.MaybeResetCycle(time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, int64(200), tracker.SpentCents())

	// The next month's start day resets it again.
	tracker.MaybeResetCycle(time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, int64(0), tracker.SpentCents())
}
