package breaker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/breaker"
	"loom/internal/services"
)

func testSettings() breaker.Settings {
	return breaker.Settings{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         50 * time.Millisecond,
	}
}

func failN(b *breaker.Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Do(context.Background(), func(context.Context) error {
			return errors.New("dependency down")
		})
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := breaker.New("toolx", testSettings(), nil)

	failN(b, 3)
	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	var touched atomic.Bool
	err := b.Do(context.Background(), func(context.Context) error {
		touched.Store(true)
		return nil
	})
	if !errors.Is(err, services.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if touched.Load() {
		t.Fatal("open circuit must not touch the dependency")
	}
	if _, ok := services.RetryAfter(err); !ok {
		t.Fatal("open circuit should report a retry-after hint")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := breaker.New("toolx", testSettings(), nil)
	failN(b, 3)

	time.Sleep(60 * time.Millisecond)

	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if got := b.State(); got != breaker.StateClosed {
		t.Fatalf("state after successful trial = %s, want closed", got)
	}
	// Subsequent calls pass through.
	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("call after recovery failed: %v", err)
	}
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	b := breaker.New("toolx", testSettings(), nil)
	failN(b, 3)

	time.Sleep(60 * time.Millisecond)

	_ = b.Do(context.Background(), func(context.Context) error {
		return errors.New("still down")
	})
	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("state after failed trial = %s, want open", got)
	}
}

func TestHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	b := breaker.New("toolx", testSettings(), nil)
	failN(b, 3)
	time.Sleep(60 * time.Millisecond)

	const callers = 8
	var admitted atomic.Int32
	var rejected atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Do(context.Background(), func(context.Context) error {
				admitted.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, services.ErrUnavailable) {
				rejected.Add(1)
			}
		}()
	}

	// Give goroutines time to race the admission, then let the trial finish.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if admitted.Load() != 1 {
		t.Fatalf("admitted = %d, want exactly 1 trial", admitted.Load())
	}
	if rejected.Load() != callers-1 {
		t.Fatalf("rejected = %d, want %d", rejected.Load(), callers-1)
	}
	if got := b.State(); got != breaker.StateClosed {
		t.Fatalf("state after trial success = %s, want closed", got)
	}
}

func TestNotFoundDoesNotCountAsFailure(t *testing.T) {
	b := breaker.New("toolx", testSettings(), nil)

	for i := 0; i < 10; i++ {
		err := b.Do(context.Background(), func(context.Context) error {
			return services.Wrap(services.ErrNotFound, "toolx", "lookup", "missing", nil)
		})
		if !errors.Is(err, services.ErrNotFound) {
			t.Fatalf("expected not-found to pass through, got %v", err)
		}
	}
	if got := b.State(); got != breaker.StateClosed {
		t.Fatalf("state = %s, want closed after not-found results", got)
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	settings := testSettings()
	settings.FailureThreshold = 1
	settings.CallTimeout = 10 * time.Millisecond
	b := breaker.New("toolx", settings, nil)

	err := b.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !services.IsTransient(err) {
		t.Fatalf("timeout should surface as transient, got %v", err)
	}
	if got := b.State(); got != breaker.StateOpen {
		t.Fatalf("state after timeout = %s, want open", got)
	}
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	settings := testSettings()
	settings.FailureThreshold = 1
	b := breaker.New("toolx", settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Do(ctx, func(ctx context.Context) error {
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if got := b.State(); got != breaker.StateClosed {
		t.Fatalf("cancellation tripped the breaker: %s", got)
	}
}
