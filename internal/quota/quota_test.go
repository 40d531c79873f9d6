package quota_test

import (
	"errors"
	"testing"
	"time"

	"loom/internal/quota"
	"loom/internal/services"
)

func TestAllowWithinQuota(t *testing.T) {
	limiter := quota.New(time.Minute, 3)
	for i := 0; i < 3; i++ {
		if err := limiter.Allow("cli"); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
}

func TestAllowRejectsOverQuota(t *testing.T) {
	limiter := quota.New(time.Minute, 2)
	limiter.Allow("cli")
	limiter.Allow("cli")

	err := limiter.Allow("cli")
	if !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}

	var retryErr *services.RetryAfterError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetryAfterError, got %T", err)
	}
	if retryErr.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after hint, got %v", retryErr.RetryAfter)
	}
}

func TestCallersAreIndependent(t *testing.T) {
	limiter := quota.New(time.Minute, 1)
	if err := limiter.Allow("cli"); err != nil {
		t.Fatalf("first caller rejected: %v", err)
	}
	if err := limiter.Allow("api"); err != nil {
		t.Fatalf("second caller rejected: %v", err)
	}
	if err := limiter.Allow("cli"); !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected first caller over quota, got %v", err)
	}
}

func TestQuotaRefillsOverTime(t *testing.T) {
	limiter := quota.New(100*time.Millisecond, 1)
	if err := limiter.Allow("cli"); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if err := limiter.Allow("cli"); !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected over quota, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if err := limiter.Allow("cli"); err != nil {
		t.Fatalf("expected refill after window, got %v", err)
	}
}
