package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-proxy/nexus/core"
)

// CircuitState is the breaker's current disposition toward new calls.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker events for export.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(string)                {}
func (n *noopMetrics) RecordFailure(string, string)        {}
func (n *noopMetrics) RecordStateChange(string, string, string) {}
func (n *noopMetrics) RecordRejection(string)               {}

// ErrorClassifier decides which errors count toward the breaker's error
// rate. Nexus uses this to keep client-caused AgentErrors (Unsupported,
// Configuration) from tripping a breaker meant to catch upstream trouble.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts every error except configuration, not-found
// and state errors, unsupported operations, and cancellation. Upstream error
// responses count whatever their HTTP status.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) || core.IsStateError(err) {
		return false
	}
	if errors.Is(err, core.ErrAgentUnsupported) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig configures one breaker instance, normally one per
// backend agent (spec.md §4.1's "shared HTTP client" note covers transport
// pooling; a breaker is per-backend state layered on top of it).
type CircuitBreakerConfig struct {
	Name             string
	ErrorThreshold   float64 // error rate, 0..1, that trips the breaker open
	VolumeThreshold  int     // minimum sample size before ErrorThreshold is evaluated
	SleepWindow      time.Duration
	HalfOpenRequests int
	SuccessThreshold float64
	WindowSize       time.Duration
	BucketCount      int
	ErrorClassifier  ErrorClassifier
	Logger           core.Logger
	Metrics          MetricsCollector
}

// DefaultConfig returns thresholds tuned for probing an LLM backend: a
// backend that fails half its recent health/chat calls, out of at least 5
// samples, is given a 20s cooldown before a single half-open probe is let
// through.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      20 * time.Second,
		HalfOpenRequests: 1,
		SuccessThreshold: 1.0,
		WindowSize:       60 * time.Second,
		BucketCount:      6,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// CircuitBreaker is a per-backend failure detector that short-circuits
// agent calls once a backend is clearly unhealthy, rather than waiting for
// each call to time out against a dead socket.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	window *SlidingWindow

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32

	mu sync.Mutex
}

// NewCircuitBreaker builds a breaker from config, filling in defaults for
// anything left zero.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Name == "" {
		return nil, errors.New("circuit breaker name is required")
	}
	if config.ErrorThreshold < 0 || config.ErrorThreshold > 1 {
		return nil, fmt.Errorf("error threshold must be between 0 and 1, got %f", config.ErrorThreshold)
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 6
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1.0
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 1
	}

	cb := &CircuitBreaker{
		config: config,
		window: NewSlidingWindow(config.WindowSize, config.BucketCount, true),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// Execute runs fn if the breaker allows it, recording the outcome against
// the error/success window. Returns core.ErrCircuitBreakerOpen without
// calling fn when the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit breaker %q open for backend probe: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}
	err := fn()
	cb.complete(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return true
	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) <= cb.config.SleepWindow {
			return false
		}
		cb.mu.Lock()
		if cb.state.Load().(CircuitState) == StateOpen {
			cb.transition(StateHalfOpen)
		}
		cb.mu.Unlock()
		return cb.allow()
	case StateHalfOpen:
		for {
			current := cb.halfOpenTotal.Load()
			if int(current) >= cb.config.HalfOpenRequests {
				return false
			}
			if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
				return true
			}
		}
	default:
		return false
	}
}

func (cb *CircuitBreaker) complete(err error) {
	isHalfOpen := cb.state.Load().(CircuitState) == StateHalfOpen

	if err == nil {
		cb.window.RecordSuccess()
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		if isHalfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else if cb.config.ErrorClassifier(err) {
		cb.window.RecordFailure()
		cb.config.Metrics.RecordFailure(cb.config.Name, fmt.Sprintf("%T", err))
		if isHalfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}

	cb.evaluate()
}

func (cb *CircuitBreaker) evaluate() {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		errorRate := cb.window.GetErrorRate()
		total := cb.window.GetTotal()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errorRate >= cb.config.ErrorThreshold {
			cb.mu.Lock()
			cb.transition(StateOpen)
			cb.mu.Unlock()
		}
	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		total := successes + failures
		if total >= int32(cb.config.HalfOpenRequests) {
			cb.mu.Lock()
			if float64(successes)/float64(total) >= cb.config.SuccessThreshold {
				cb.transition(StateClosed)
			} else {
				cb.transition(StateOpen)
			}
			cb.mu.Unlock()
		}
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state.Load().(CircuitState)
	if from == to {
		return
	}
	cb.state.Store(to)
	cb.stateChangedAt.Store(time.Now())
	if to == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
	}
	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), to.String())
}

// State reports the breaker's current disposition.
func (cb *CircuitBreaker) State() string {
	return cb.state.Load().(CircuitState).String()
}

// bucket is one time slice of the sliding error-rate window.
type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// SlidingWindow tracks success/failure counts over a rolling time window,
// shared by the circuit breaker and (via NewSlidingWindow) the quality
// reconciler's per-backend error-rate tracking.
type SlidingWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex
	monotonic    bool
}

// NewSlidingWindow builds a window of bucketCount buckets spanning
// windowSize. monotonic avoids rewinding the window on a backward clock
// jump (NTP correction) by resetting instead of rotating negative.
func NewSlidingWindow(windowSize time.Duration, bucketCount int, monotonic bool) *SlidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	bucketSize := windowSize / time.Duration(bucketCount)
	buckets := make([]bucket, bucketCount)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &SlidingWindow{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   bucketSize,
		lastRotation: now,
		monotonic:    monotonic,
	}
}

func (sw *SlidingWindow) rotateBuckets() {
	now := time.Now()
	var elapsed time.Duration
	if sw.monotonic {
		elapsed = now.Sub(sw.lastRotation)
	} else {
		elapsed = now.Sub(sw.buckets[sw.currentIdx].timestamp)
	}

	if elapsed < 0 {
		sw.reset(now)
		return
	}
	if elapsed < sw.bucketSize {
		return
	}

	toRotate := int(elapsed / sw.bucketSize)
	if toRotate > len(sw.buckets) {
		toRotate = len(sw.buckets)
	}
	for i := 0; i < toRotate; i++ {
		sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
		sw.buckets[sw.currentIdx] = bucket{timestamp: now}
	}
	sw.lastRotation = now
}

func (sw *SlidingWindow) reset(now time.Time) {
	for i := range sw.buckets {
		sw.buckets[i] = bucket{timestamp: now}
	}
	sw.currentIdx = 0
	sw.lastRotation = now
}

func (sw *SlidingWindow) RecordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].success, 1)
}

func (sw *SlidingWindow) RecordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateBuckets()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].failure, 1)
}

func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += atomic.LoadUint64(&b.success)
			failure += atomic.LoadUint64(&b.failure)
		}
	}
	return success, failure
}

func (sw *SlidingWindow) GetErrorRate() float64 {
	success, failure := sw.GetCounts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

func (sw *SlidingWindow) GetTotal() uint64 {
	success, failure := sw.GetCounts()
	return success + failure
}
