// Package validate screens incoming execution requests before any work or
// quota is spent on them.
//
// Order matters: capability lookup and parameter schema checks run first, and
// only a schema-valid request is counted against the caller's quota. Garbage
// requests therefore never consume budget.
package validate

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"loom/internal/quota"
	"loom/internal/registry"
	"loom/internal/services"
)

// Request is one capability invocation awaiting admission.
type Request struct {
	Caller     string
	Capability string
	AssetID    string
	Params     map[string]any
}

// Validator admits requests against the registry's schemas and the
// per-caller quota.
type Validator struct {
	registry *registry.Registry
	quota    *quota.Limiter
	checker  *validator.Validate
}

// New wires the validator to its registry and quota limiter.
func New(reg *registry.Registry, limiter *quota.Limiter) *Validator {
	return &Validator{
		registry: reg,
		quota:    limiter,
		checker:  validator.New(),
	}
}

// Admit checks a request and, if it is well formed, charges it to the
// caller's quota. The returned capability is the registry entry the request
// names.
func (v *Validator) Admit(req Request) (registry.Capability, error) {
	if req.AssetID == "" {
		return registry.Capability{}, services.Wrap(services.ErrInvalidParameters, "validate", "admit", "asset id is required", nil)
	}

	cap, err := v.registry.Lookup(req.Capability)
	if err != nil {
		return registry.Capability{}, err
	}

	if err := v.checkParams(cap, req.Params); err != nil {
		return registry.Capability{}, err
	}

	if err := v.quota.Allow(req.Caller); err != nil {
		return registry.Capability{}, err
	}
	return cap, nil
}

func (v *Validator) checkParams(cap registry.Capability, params map[string]any) error {
	for name := range params {
		if _, declared := cap.Schema[name]; !declared {
			return services.Wrap(services.ErrInvalidParameters, "validate", "params",
				fmt.Sprintf("capability %s does not accept parameter %s", cap.Name, name), nil)
		}
	}

	for name, rule := range cap.Schema {
		value, present := params[name]
		if !present {
			if rule.Required {
				return services.Wrap(services.ErrInvalidParameters, "validate", "params",
					fmt.Sprintf("capability %s requires parameter %s", cap.Name, name), nil)
			}
			continue
		}
		if rule.Tag == "" {
			continue
		}
		if err := v.checker.Var(value, rule.Tag); err != nil {
			return services.Wrap(services.ErrInvalidParameters, "validate", "params",
				fmt.Sprintf("parameter %s rejected by rule %q", name, rule.Tag), err)
		}
	}
	return nil
}
