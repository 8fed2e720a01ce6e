package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-proxy/nexus/core"
)

func testConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      100 * time.Millisecond,
		HalfOpenRequests: 2,
		SuccessThreshold: 0.5,
		WindowSize:       1 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	config := testConfig("backend-a")
	cb, err := NewCircuitBreaker(config)
	if err != nil {
		t.Fatalf("NewCircuitBreaker: %v", err)
	}

	if cb.State() != "closed" {
		t.Errorf("expected initial state closed, got %s", cb.State())
	}

	// Simulate a backend whose health_check keeps failing.
	for i := 0; i < 6; i++ {
		if err := cb.Execute(context.Background(), func() error {
			return errors.New("connection refused")
		}); err == nil {
			t.Error("expected error from Execute")
		}
	}

	if cb.State() != "open" {
		t.Errorf("expected open after exceeding threshold, got %s", cb.State())
	}

	// While open, the probe is never even attempted.
	called := false
	err = cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if called {
		t.Error("fn should not run while breaker is open")
	}
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}

	time.Sleep(250 * time.Millisecond)

	for i := 0; i < config.HalfOpenRequests; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Errorf("expected success in half-open probe, got %v", err)
		}
	}

	if cb.State() != "closed" {
		t.Errorf("expected closed after recovery, got %s", cb.State())
	}
}

// Client-caused AgentErrors (model not found, bad config) must not trip a
// breaker meant to catch an unhealthy backend.
func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	config := testConfig("backend-b")
	config.VolumeThreshold = 3
	cb, _ := NewCircuitBreaker(config)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error {
			return core.ErrBackendNotFound
		})
	}
	if cb.State() != "closed" {
		t.Errorf("not-found errors should not open the breaker, got %s", cb.State())
	}

	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), func() error {
			return core.ErrAgentNetwork
		})
	}
	if cb.State() != "open" {
		t.Errorf("expected open after infrastructure errors, got %s", cb.State())
	}
}

func TestCircuitBreakerVolumeThreshold(t *testing.T) {
	config := testConfig("backend-c")
	config.VolumeThreshold = 10
	cb, _ := NewCircuitBreaker(config)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	}
	if cb.State() != "closed" {
		t.Errorf("expected closed below volume threshold, got %s", cb.State())
	}

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	}
	if cb.State() != "open" {
		t.Errorf("expected open once volume threshold reached, got %s", cb.State())
	}
}

func TestCircuitBreakerConcurrentAccess(t *testing.T) {
	cb, _ := NewCircuitBreaker(testConfig("backend-d"))

	var wg sync.WaitGroup
	var successCount, failureCount int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := cb.Execute(context.Background(), func() error {
					if (id+j)%2 == 0 {
						return nil
					}
					return errors.New("probe failed")
				})
				if err == nil {
					atomic.AddInt32(&successCount, 1)
				} else if !errors.Is(err, core.ErrCircuitBreakerOpen) {
					atomic.AddInt32(&failureCount, 1)
				}
			}
		}(i)
	}
	wg.Wait()

	if successCount+failureCount == 0 {
		t.Error("no probes completed")
	}
}

func TestSlidingWindowRotation(t *testing.T) {
	window := NewSlidingWindow(200*time.Millisecond, 4, true)

	window.RecordSuccess()
	window.RecordSuccess()

	time.Sleep(150 * time.Millisecond)
	window.RecordFailure()

	success, failure := window.GetCounts()
	if success != 2 || failure != 1 {
		t.Errorf("expected 2 successes and 1 failure, got %d and %d", success, failure)
	}

	time.Sleep(400 * time.Millisecond)
	success, failure = window.GetCounts()
	if success != 0 || failure != 0 {
		t.Errorf("expected counts to expire, got %d successes and %d failures", success, failure)
	}
}

func TestErrorClassifierCustom(t *testing.T) {
	customClassifier := func(err error) bool {
		return err != nil && err.Error() == "critical"
	}

	config := testConfig("backend-e")
	config.VolumeThreshold = 2
	config.ErrorClassifier = customClassifier
	cb, _ := NewCircuitBreaker(config)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("minor") })
	}
	if cb.State() != "closed" {
		t.Errorf("expected closed with non-critical errors, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("critical") })
	}
	if cb.State() != "open" {
		t.Errorf("expected open with critical errors, got %s", cb.State())
	}
}
