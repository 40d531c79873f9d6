package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/internal/services"
)

func TestWrapTagsMarker(t *testing.T) {
	err := services.Wrap(services.ErrInvalidParameters, "validate", "schema", "missing field interval", nil)
	if !errors.Is(err, services.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	if got := services.Details(err).Message; got != "validate: schema: missing field interval" {
		t.Fatalf("unexpected details: %q", got)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "store", "upsert", "", errors.New("boom"))
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", services.Wrap(services.ErrTransient, "tool", "invoke", "flaky", nil), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"execution", services.Wrap(services.ErrExecution, "tool", "invoke", "bad input", nil), false},
	}
	for _, tc := range cases {
		if got := services.IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryAfterError(t *testing.T) {
	err := &services.RetryAfterError{
		Marker:     services.ErrUnavailable,
		Dependency: "shared-cache",
		RetryAfter: 1500 * time.Millisecond,
	}
	if !errors.Is(err, services.ErrUnavailable) {
		t.Fatal("expected RetryAfterError to unwrap to ErrUnavailable")
	}
	hint, ok := services.RetryAfter(err)
	if !ok || hint != 1500*time.Millisecond {
		t.Fatalf("RetryAfter = %v, %v", hint, ok)
	}
}

func TestKindMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{services.Wrap(services.ErrUnknownCapability, "validate", "lookup", "caption2", nil), "unknown_capability"},
		{services.Wrap(services.ErrRateLimited, "quota", "check", "", nil), "rate_limited"},
		{services.Wrap(services.ErrVerification, "store", "verify", "", nil), "persistence_verification_failed"},
		{errors.New("opaque handler error"), "capability_execution_failed"},
	}
	for _, tc := range cases {
		if got := services.Kind(tc.err); got != tc.want {
			t.Errorf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestCallerFromContextDefault(t *testing.T) {
	if got := services.CallerFromContext(context.Background()); got != "local" {
		t.Fatalf("default caller = %q", got)
	}
	ctx := services.WithCaller(context.Background(), "api-token")
	if got := services.CallerFromContext(ctx); got != "api-token" {
		t.Fatalf("caller = %q", got)
	}
}
