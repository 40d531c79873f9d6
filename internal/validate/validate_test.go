package validate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/internal/quota"
	"loom/internal/registry"
	"loom/internal/services"
	"loom/internal/validate"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Capability{
		Name:    "transcribe",
		Version: "1.0.0",
		Kind:    registry.KindTranscriptSegment,
		Schema: registry.ParamSchema{
			"language": {Tag: "oneof=en de fr", Required: true},
			"model":    {Tag: "oneof=base large"},
		},
		Handler: func(context.Context, registry.AssetRef, registry.Params) (registry.Output, error) {
			return registry.Output{Payload: []byte(`{}`)}, nil
		},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func newValidator(t *testing.T, maxRequests int) *validate.Validator {
	t.Helper()
	return validate.New(testRegistry(t), quota.New(time.Minute, maxRequests))
}

func TestAdmitAcceptsValidRequest(t *testing.T) {
	v := newValidator(t, 10)
	cap, err := v.Admit(validate.Request{
		Caller:     "cli",
		Capability: "transcribe",
		AssetID:    "asset-1",
		Params:     map[string]any{"language": "en", "model": "base"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if cap.Name != "transcribe" {
		t.Fatalf("unexpected capability %q", cap.Name)
	}
}

func TestAdmitRejectsUnknownCapability(t *testing.T) {
	v := newValidator(t, 10)
	_, err := v.Admit(validate.Request{Caller: "cli", Capability: "emboss", AssetID: "asset-1"})
	if !errors.Is(err, services.ErrUnknownCapability) {
		t.Fatalf("expected unknown capability, got %v", err)
	}
}

func TestAdmitRejectsBadParams(t *testing.T) {
	v := newValidator(t, 10)

	cases := []struct {
		name   string
		params map[string]any
	}{
		{"missing required", map[string]any{"model": "base"}},
		{"undeclared param", map[string]any{"language": "en", "bitrate": 128}},
		{"rule violation", map[string]any{"language": "zz"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Admit(validate.Request{
				Caller:     "cli",
				Capability: "transcribe",
				AssetID:    "asset-1",
				Params:     tc.params,
			})
			if !errors.Is(err, services.ErrInvalidParameters) {
				t.Fatalf("expected invalid parameters, got %v", err)
			}
		})
	}
}

func TestAdmitRequiresAssetID(t *testing.T) {
	v := newValidator(t, 10)
	_, err := v.Admit(validate.Request{Caller: "cli", Capability: "transcribe", Params: map[string]any{"language": "en"}})
	if !errors.Is(err, services.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
}

func TestInvalidRequestsDoNotConsumeQuota(t *testing.T) {
	v := newValidator(t, 1)

	// Schema-invalid requests should leave the single quota slot untouched.
	for i := 0; i < 3; i++ {
		_, err := v.Admit(validate.Request{Caller: "cli", Capability: "transcribe", AssetID: "asset-1"})
		if !errors.Is(err, services.ErrInvalidParameters) {
			t.Fatalf("expected invalid parameters, got %v", err)
		}
	}

	if _, err := v.Admit(validate.Request{
		Caller:     "cli",
		Capability: "transcribe",
		AssetID:    "asset-1",
		Params:     map[string]any{"language": "en"},
	}); err != nil {
		t.Fatalf("valid request should still be admitted: %v", err)
	}
}

func TestAdmitEnforcesQuota(t *testing.T) {
	v := newValidator(t, 1)
	req := validate.Request{
		Caller:     "cli",
		Capability: "transcribe",
		AssetID:    "asset-1",
		Params:     map[string]any{"language": "en"},
	}
	if _, err := v.Admit(req); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if _, err := v.Admit(req); !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}
