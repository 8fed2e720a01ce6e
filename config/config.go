// Package config loads and validates Nexus's YAML configuration (spec.md
// §6), producing the per-package Config values the router, lifecycle
// controller, fleet analyzer, and discovery loop consume. Validation is
// eager: a malformed file never reaches registry construction.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/discovery"
	"github.com/nexus-proxy/nexus/fleet"
	"github.com/nexus-proxy/nexus/lifecycle"
	"github.com/nexus-proxy/nexus/router"
)

// Raw is the literal shape of the YAML document (spec.md §6: "routing:,
// lifecycle:, fleet:, budget:, quality:, backends:"). Field names are
// lower_snake_case to match typical YAML convention; Load converts this
// into the validated, per-package Config values the rest of the engine
// consumes.
type Raw struct {
	Routing    RawRouting    `yaml:"routing"`
	Lifecycle  RawLifecycle  `yaml:"lifecycle"`
	Fleet      RawFleet      `yaml:"fleet"`
	Budget     RawBudget     `yaml:"budget"`
	Quality    RawQuality    `yaml:"quality"`
	Discovery  RawDiscovery  `yaml:"discovery"`
	Backends   []RawBackend  `yaml:"backends"`
}

type RawRouting struct {
	Strategy   string              `yaml:"strategy"`
	Weights    RawWeights          `yaml:"weights"`
	Aliases    map[string]string   `yaml:"aliases"`
	Fallbacks  map[string][]string `yaml:"fallbacks"`
	MaxRetries int                 `yaml:"max_retries"`
}

type RawWeights struct {
	Priority int `yaml:"priority"`
	Load     int `yaml:"load"`
	Latency  int `yaml:"latency"`
}

type RawLifecycle struct {
	TimeoutMs          int64   `yaml:"timeout_ms"`
	VRAMHeadroomPercent float64 `yaml:"vram_headroom_percent"`
	WatchdogIntervalMs int64   `yaml:"watchdog_interval_ms"`
}

type RawFleet struct {
	Enabled                 bool    `yaml:"enabled"`
	MinSampleDays           int     `yaml:"min_sample_days"`
	MinRequestCount         int     `yaml:"min_request_count"`
	AnalysisIntervalSeconds int64   `yaml:"analysis_interval_seconds"`
	MaxRecommendations      int     `yaml:"max_recommendations"`
	VRAMHeadroomPercent     float64 `yaml:"vram_headroom_percent"`
	RecommendationTTLSeconds int64  `yaml:"recommendation_ttl_seconds"`
}

type RawBudget struct {
	MonthlyLimitCents    int64  `yaml:"monthly_limit_cents"`
	SoftLimitPercent     int    `yaml:"soft_limit_percent"`
	HardLimitPercent     int    `yaml:"hard_limit_percent"`
	HardLimitAction      string `yaml:"hard_limit_action"`
	BillingCycleStartDay int    `yaml:"billing_cycle_start_day"`
}

type RawQuality struct {
	ErrorRateThreshold     float64 `yaml:"error_rate_threshold"`
	TTFTPenaltyThresholdMs int64   `yaml:"ttft_penalty_threshold_ms"`
	MetricsIntervalSeconds int64   `yaml:"metrics_interval_seconds"`
	MinSamples             uint64  `yaml:"min_samples"`
}

type RawDiscovery struct {
	IntervalSeconds    int64   `yaml:"interval_seconds"`
	JitterFraction     float64 `yaml:"jitter_fraction"`
	Parallelism        int     `yaml:"parallelism"`
	UnhealthyThreshold int     `yaml:"unhealthy_threshold"`
	HealthyThreshold   int     `yaml:"healthy_threshold"`
}

type RawBackend struct {
	Name     string            `yaml:"name"`
	URL      string            `yaml:"url"`
	Type     string            `yaml:"type"`
	Priority int               `yaml:"priority"`
	Metadata map[string]string `yaml:"metadata"`
}

// Config is the fully validated, ready-to-wire configuration. Each field is
// the Config type the corresponding package's constructor expects.
type Config struct {
	Router    router.Config
	Lifecycle lifecycle.Config
	Fleet     fleet.Config
	Budget    router.BudgetConfig
	Quality   router.PipelineConfig
	QualityMinSamples uint64
	Discovery discovery.Config
	Backends  []Backend
}

// Backend is one validated [[backends]] entry, ready for agent.New.
type Backend struct {
	Name     string
	URL      string
	Type     core.BackendType
	Priority int
	Metadata map[string]string
}

// LoadFile reads and validates a YAML config file at path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and validates raw YAML bytes into a Config.
func Load(data []byte) (Config, error) {
	var raw Raw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	return build(raw)
}

func build(raw Raw) (Config, error) {
	strategy, err := parseStrategy(raw.Routing.Strategy)
	if err != nil {
		return Config{}, err
	}

	weights := router.Weights{
		Priority: orDefault(raw.Routing.Weights.Priority, 50),
		Load:     orDefault(raw.Routing.Weights.Load, 30),
		Latency:  orDefault(raw.Routing.Weights.Latency, 20),
	}
	if weights.Priority+weights.Load+weights.Latency != 100 {
		return Config{}, core.ErrWeightSum
	}

	if err := checkAliasCycles(raw.Routing.Aliases); err != nil {
		return Config{}, err
	}

	backends, err := buildBackends(raw.Backends)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Router: router.Config{
			Strategy:   strategy,
			Weights:    weights,
			Aliases:    raw.Routing.Aliases,
			Fallbacks:  raw.Routing.Fallbacks,
			MaxRetries: orDefault(raw.Routing.MaxRetries, 2),
		},
		Lifecycle: lifecycle.Config{
			OperationTimeout:   durationOrDefault(raw.Lifecycle.TimeoutMs, 10*time.Minute),
			WatchdogInterval:   durationOrDefault(raw.Lifecycle.WatchdogIntervalMs, 30*time.Second),
			VRAMBufferFraction: floatOrDefault(raw.Lifecycle.VRAMHeadroomPercent, 10) / 100,
		},
		Fleet: fleet.Config{
			Enabled:             raw.Fleet.Enabled,
			MinSampleDays:       orDefault(raw.Fleet.MinSampleDays, 3),
			MinRequestCount:     orDefault(raw.Fleet.MinRequestCount, 50),
			AnalysisInterval:    durationOrDefault(raw.Fleet.AnalysisIntervalSeconds*1000, time.Hour),
			MaxRecommendations:  orDefault(raw.Fleet.MaxRecommendations, 10),
			VRAMHeadroomPercent: floatOrDefault(raw.Fleet.VRAMHeadroomPercent, 15),
			RecommendationTTL:   durationOrDefault(raw.Fleet.RecommendationTTLSeconds*1000, 2*time.Hour),
		},
		Budget: router.BudgetConfig{
			MonthlyLimitCents:    raw.Budget.MonthlyLimitCents,
			SoftLimitPercent:     orDefault(raw.Budget.SoftLimitPercent, 80),
			HardLimitPercent:     orDefault(raw.Budget.HardLimitPercent, 100),
			HardLimitAction:      parseHardLimitAction(raw.Budget.HardLimitAction),
			BillingCycleStartDay: orDefault(raw.Budget.BillingCycleStartDay, 1),
		},
		Quality: router.PipelineConfig{
			QualityErrorRateThreshold: floatOrDefault(raw.Quality.ErrorRateThreshold, 0.5),
			TTFTPenaltyThresholdMs:    orDefault64(raw.Quality.TTFTPenaltyThresholdMs, 2000),
		},
		QualityMinSamples: orDefaultU64(raw.Quality.MinSamples, 20),
		Discovery: discovery.Config{
			Interval:           durationOrDefault(raw.Discovery.IntervalSeconds*1000, 10*time.Second),
			JitterFraction:     floatOrDefault(raw.Discovery.JitterFraction, 0.2),
			Parallelism:        orDefault(raw.Discovery.Parallelism, 8),
			UnhealthyThreshold: orDefault(raw.Discovery.UnhealthyThreshold, 3),
			HealthyThreshold:   orDefault(raw.Discovery.HealthyThreshold, 1),
		},
		Backends: backends,
	}

	return cfg, nil
}

func parseStrategy(s string) (router.Strategy, error) {
	switch router.Strategy(s) {
	case router.StrategySmart, router.StrategyRoundRobin, router.StrategyPriorityOnly, router.StrategyRandom:
		return router.Strategy(s), nil
	case "":
		return router.StrategySmart, nil
	default:
		return "", fmt.Errorf("config: routing.strategy %q: %w", s, core.ErrInvalidStrategy)
	}
}

func parseHardLimitAction(s string) router.HardLimitAction {
	switch router.HardLimitAction(s) {
	case router.HardLimitLocalOnly, router.HardLimitQueue, router.HardLimitReject:
		return router.HardLimitAction(s)
	default:
		return router.HardLimitLocalOnly
	}
}

// checkAliasCycles rejects a self-referencing or cyclic alias chain (spec.md
// §7's config error taxonomy). A simple path-following walk with a visited
// set catches both direct self-loops (a -> a) and longer cycles (a -> b ->
// a) without needing full graph coloring, since each alias resolves to at
// most one target.
func checkAliasCycles(aliases map[string]string) error {
	for start := range aliases {
		visited := map[string]bool{start: true}
		cur := start
		for {
			next, ok := aliases[cur]
			if !ok {
				break
			}
			if visited[next] {
				return fmt.Errorf("config: alias %q: %w", start, core.ErrCyclicAlias)
			}
			visited[next] = true
			cur = next
		}
	}
	return nil
}

func buildBackends(raw []RawBackend) ([]Backend, error) {
	out := make([]Backend, 0, len(raw))
	for _, b := range raw {
		backendType := core.BackendType(b.Type)
		if backendType == core.BackendOpenAI {
			_, hasKey := b.Metadata["api_key"]
			_, hasEnv := b.Metadata["api_key_env"]
			if !hasKey && !hasEnv {
				return nil, fmt.Errorf("config: backend %q: %w", b.Name, core.ErrMissingAPIKey)
			}
			if hasEnv && !hasKey {
				envVar := b.Metadata["api_key_env"]
				if os.Getenv(envVar) == "" {
					return nil, fmt.Errorf("config: backend %q: env var %s unset: %w", b.Name, envVar, core.ErrMissingAPIKey)
				}
			}
		}
		out = append(out, Backend{
			Name:     b.Name,
			URL:      b.URL,
			Type:     backendType,
			Priority: b.Priority,
			Metadata: b.Metadata,
		})
	}
	return out, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefault64(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultU64(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

func floatOrDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func durationOrDefault(ms int64, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
