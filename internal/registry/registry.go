// Package registry holds the set of capabilities the orchestrator can
// execute. The registry is assembled once at startup and read-only after
// construction, so lookups need no locking.
package registry

import (
	"context"
	"fmt"
	"sort"

	"loom/internal/services"
)

// Kind names the result kind a capability produces. The set is open; these
// constants cover the built-in capabilities.
type Kind string

const (
	KindSampledFrame      Kind = "sampled_frame"
	KindCaption           Kind = "caption"
	KindTranscriptSegment Kind = "transcript_segment"
	KindDetectionSet      Kind = "detection_set"
	KindMetadata          Kind = "metadata"
)

// Rule declares validation for one named parameter using validator/v10 tag
// syntax, for example "required,oneof=base large" or "omitempty,min=0".
type Rule struct {
	Tag      string
	Required bool
}

// ParamSchema maps parameter names to their validation rules. Parameters not
// named in the schema are rejected.
type ParamSchema map[string]Rule

// AssetRef identifies the asset a handler operates on.
type AssetRef struct {
	ID         string
	SourcePath string
}

// Params carries the validated parameter map into a handler.
type Params map[string]any

// Output is what a handler produces: the payload to persist plus the
// optional offset into the asset it applies to.
type Output struct {
	TimestampSecs *float64
	Payload       []byte
}

// Handler performs the capability's work. It must be a pure function of its
// inputs; persistence and caching happen in the orchestrator after the
// handler fully returns.
type Handler func(ctx context.Context, asset AssetRef, params Params) (Output, error)

// Capability describes one registered tool.
type Capability struct {
	// Name is the stable identifier used in requests, cache keys, and results.
	Name string
	// Version is recorded alongside every result so payloads can be traced
	// back to the handler revision that produced them.
	Version string
	// Kind is the result kind this capability writes.
	Kind    Kind
	Schema  ParamSchema
	Handler Handler
}

// Registry is the read-only capability set.
type Registry struct {
	caps map[string]Capability
}

// New builds a registry from the given capabilities. Duplicate names and
// incomplete definitions are construction errors; a half-registered
// capability must never become callable.
func New(caps ...Capability) (*Registry, error) {
	byName := make(map[string]Capability, len(caps))
	for _, cap := range caps {
		if cap.Name == "" {
			return nil, services.Wrap(services.ErrConfiguration, "registry", "new", "capability with empty name", nil)
		}
		if cap.Version == "" {
			return nil, services.Wrap(services.ErrConfiguration, "registry", "new", fmt.Sprintf("capability %s has no version", cap.Name), nil)
		}
		if cap.Kind == "" {
			return nil, services.Wrap(services.ErrConfiguration, "registry", "new", fmt.Sprintf("capability %s has no output kind", cap.Name), nil)
		}
		if cap.Handler == nil {
			return nil, services.Wrap(services.ErrConfiguration, "registry", "new", fmt.Sprintf("capability %s has no handler", cap.Name), nil)
		}
		if _, exists := byName[cap.Name]; exists {
			return nil, services.Wrap(services.ErrConfiguration, "registry", "new", fmt.Sprintf("capability %s registered twice", cap.Name), nil)
		}
		byName[cap.Name] = cap
	}
	return &Registry{caps: byName}, nil
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, error) {
	cap, ok := r.caps[name]
	if !ok {
		return Capability{}, services.Wrap(services.ErrUnknownCapability, "registry", "lookup", fmt.Sprintf("capability %s is not registered", name), nil)
	}
	return cap, nil
}

// Names returns all registered capability names sorted for stable output.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports how many capabilities are registered.
func (r *Registry) Len() int {
	return len(r.caps)
}
