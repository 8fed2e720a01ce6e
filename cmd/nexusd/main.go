// Command nexusd runs the Nexus reverse-proxy orchestration engine: it
// loads the configured backend fleet, starts the health/capability
// discovery loop and the lifecycle watchdog, ticks the fleet analyzer on
// its own schedule, and serves the OpenAI-compatible HTTP surface until
// signaled to shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-redis/redis/v8"

	"github.com/nexus-proxy/nexus/agent"
	"github.com/nexus-proxy/nexus/config"
	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/discovery"
	"github.com/nexus-proxy/nexus/fleet"
	"github.com/nexus-proxy/nexus/internal/httpapi"
	"github.com/nexus-proxy/nexus/lifecycle"
	"github.com/nexus-proxy/nexus/registry"
	"github.com/nexus-proxy/nexus/router"
	"github.com/nexus-proxy/nexus/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("nexusd: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("NEXUS_CONFIG")
	if configPath == "" {
		configPath = "nexus.yaml"
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := core.NewNexusLogger(
		envOr("NEXUS_LOG_LEVEL", "info"),
		envOr("NEXUS_LOG_FORMAT", "json"),
		"stdout",
		os.Getenv("NEXUS_DEV_MODE") == "true",
		"nexusd",
	)

	shutdownTelemetry := initTelemetry("nexusd")
	defer shutdownTelemetry()

	reg := registry.New()

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Warn("aws config unavailable, bedrock backends will fail to construct", map[string]interface{}{"error": err.Error()})
	}

	// One process-wide HTTP client shared by every agent so connection
	// pools, DNS caches, and TLS sessions are reused (spec.md §4.1); per-call
	// deadlines come from context, not a client-level timeout.
	httpClient := agent.NewSharedHTTPClient()

	for _, b := range cfg.Backends {
		id := core.BackendId(b.Name)
		ag, err := agent.New(id, b.Name, b.URL, b.Type, b.Metadata, httpClient, logger, awsCfg)
		if err != nil {
			return fmt.Errorf("construct agent %q: %w", b.Name, err)
		}
		rec := registry.BackendRecord{
			ID:              id,
			Name:            b.Name,
			URL:             b.URL,
			BackendType:     b.Type,
			Status:          registry.UnknownStatus(),
			Priority:        b.Priority,
			PrivacyZone:     core.ZoneForBackendType(b.Type),
			DiscoverySource: core.SourceStatic,
		}
		if err := reg.AddBackendWithAgent(rec, ag); err != nil {
			return fmt.Errorf("register backend %q: %w", b.Name, err)
		}
	}

	budgetTracker := router.NewBudgetTracker(cfg.Budget, nil, router.PriceTable{})
	qualityTracker := router.NewQualityTracker(cfg.QualityMinSamples)
	rtr := router.New(reg, cfg.Router, router.DefaultPipeline(budgetTracker, qualityTracker, cfg.Quality))

	lifecycleCtrl := lifecycle.New(reg, cfg.Lifecycle, componentLogger(logger, "nexus/lifecycle"))
	fleetAnalyzer := fleet.New(cfg.Fleet, componentLogger(logger, "nexus/fleet"))
	discoveryLoop := discovery.New(reg, cfg.Discovery, componentLogger(logger, "nexus/discovery"))

	vramEstimator := httpapi.VRAMEstimator(func(modelID string) int64 {
		return 0
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go discoveryLoop.Run(ctx)
	go lifecycleCtrl.RunWatchdog(ctx)

	if cfg.Fleet.Enabled {
		go runFleetTicker(ctx, fleetAnalyzer, reg, vramEstimator, cfg.Fleet.AnalysisInterval)
	}

	go runBudgetCycleTicker(ctx, budgetTracker)

	if redisClient := maybeRedisWatcher(ctx, reg, httpClient, logger); redisClient != nil {
		defer redisClient.Close()
	}

	srv := httpapi.NewServer(envOr("NEXUS_ADDR", ":8080"), httpapi.Deps{
		Registry:      reg,
		Router:        rtr,
		Lifecycle:     lifecycleCtrl,
		Fleet:         fleetAnalyzer,
		Budget:        budgetTracker,
		Quality:       qualityTracker,
		Logger:        logger,
		MaxRetries:    cfg.Router.MaxRetries,
		VRAMEstimator: vramEstimator,
		CORS:          core.DefaultCORSConfig(),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("nexusd listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runFleetTicker drives the fleet analyzer's Tick on its own schedule,
// independent of the discovery loop's health-probe interval.
func runFleetTicker(ctx context.Context, a *fleet.Analyzer, reg *registry.Registry, estimate httpapi.VRAMEstimator, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			a.Tick(ctx, reg, fleet.VRAMEstimator(estimate), t)
		}
	}
}

// runBudgetCycleTicker checks once a day whether the configured billing
// cycle has rolled over, zeroing BudgetTracker's spend counter at the
// boundary (spec.md §6 billing_cycle_start_day).
func runBudgetCycleTicker(ctx context.Context, tracker *router.BudgetTracker) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	tracker.MaybeResetCycle(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			tracker.MaybeResetCycle(t)
		}
	}
}

// maybeRedisWatcher wires discovery.RedisBackendWatcher when NEXUS_REDIS_URL
// is set, letting operators push dynamic backend registrations over a
// pub/sub channel instead of restarting nexusd to edit the static backend
// list. Returns nil without logging when NEXUS_REDIS_URL is unset, and logs
// a warning and returns nil when the URL is invalid or Redis is unreachable.
func maybeRedisWatcher(ctx context.Context, reg *registry.Registry, httpClient *http.Client, logger core.Logger) *redis.Client {
	redisURL := os.Getenv("NEXUS_REDIS_URL")
	if redisURL == "" {
		return nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid NEXUS_REDIS_URL, dynamic discovery disabled", map[string]interface{}{"error": err.Error()})
		return nil
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, dynamic discovery disabled", map[string]interface{}{"error": err.Error()})
		client.Close()
		return nil
	}

	factory := func(id core.BackendId, name, url string, backendType core.BackendType, metadata map[string]string) (registry.Agent, error) {
		return agent.New(id, name, url, backendType, metadata, httpClient, logger, aws.Config{})
	}
	watcher := discovery.NewRedisBackendWatcher(client, envOr("NEXUS_REDIS_CHANNEL", "nexus:backends"), reg, factory, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("redis backend watcher stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	return client
}

// initTelemetry wires metrics and tracing (profile-selected by NEXUS_ENV).
// Failures never abort startup; nexusd runs dark rather than refusing to
// serve traffic.
func initTelemetry(serviceName string) func() {
	var profile telemetry.Profile
	switch os.Getenv("NEXUS_ENV") {
	case "production", "prod":
		profile = telemetry.ProfileProduction
	case "staging", "stage", "qa":
		profile = telemetry.ProfileStaging
	default:
		profile = telemetry.ProfileDevelopment
	}

	tcfg := telemetry.UseProfile(profile)
	tcfg.ServiceName = serviceName
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		tcfg.Endpoint = endpoint
	}
	if os.Getenv("NEXUS_TELEMETRY_DISABLED") == "true" {
		tcfg.Enabled = false
	}

	if err := telemetry.Init(context.Background(), tcfg); err != nil {
		log.Printf("nexusd: telemetry disabled: %v", err)
	} else if telemetry.Enabled() {
		log.Printf("nexusd: telemetry exporting to %s", tcfg.Endpoint)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(ctx)
	}
}

// componentLogger tags a child logger with a subsystem name when the root
// logger supports it (core.ComponentAwareLogger's naming convention).
func componentLogger(l core.Logger, name string) core.Logger {
	if cl, ok := l.(core.ComponentAwareLogger); ok {
		return cl.WithComponent(name)
	}
	return l
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
