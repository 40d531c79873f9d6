package daemon

import (
	"context"
	"fmt"

	"loom/internal/pipeline"
	"loom/internal/registry"
	"loom/internal/store"
)

// frameIntervalSecs is the sampling spacing used by the built-in sample
// capability.
const frameIntervalSecs = 30.0

// DefaultRegistry builds the built-in capability set. The handlers are
// deterministic placeholders: they produce structurally correct records so
// the default pipeline is runnable end to end; real media tooling registers
// its own capabilities in their place.
func DefaultRegistry() (*registry.Registry, error) {
	return registry.New(
		registry.Capability{
			Name:    "sample",
			Version: "1.0.0",
			Kind:    registry.KindSampledFrame,
			Schema: registry.ParamSchema{
				"offset": {Tag: "min=0", Required: true},
			},
			Handler: sampleHandler,
		},
		registry.Capability{
			Name:    "caption",
			Version: "1.0.0",
			Kind:    registry.KindCaption,
			Schema: registry.ParamSchema{
				"timestamp": {Tag: "min=0", Required: true},
			},
			Handler: captionHandler,
		},
		registry.Capability{
			Name:    "detect",
			Version: "1.0.0",
			Kind:    registry.KindDetectionSet,
			Handler: detectHandler,
		},
		registry.Capability{
			Name:    "transcribe",
			Version: "1.0.0",
			Kind:    registry.KindTranscriptSegment,
			Schema: registry.ParamSchema{
				"language": {Tag: "omitempty,len=2"},
			},
			Handler: transcribeHandler,
		},
	)
}

// DefaultStages declares the built-in stage graph: sampling fans out into
// captioning and detection, transcription runs independently.
func DefaultStages() []pipeline.StageSpec {
	return []pipeline.StageSpec{
		{Name: "sample", Capability: "sample", Units: sampleUnits},
		{Name: "caption", Capability: "caption", Prereqs: []string{"sample"}, Units: perFrameUnits},
		{Name: "detect", Capability: "detect", Prereqs: []string{"sample"}},
		{Name: "transcribe", Capability: "transcribe"},
	}
}

// sampleUnits spaces one sampling call every frameIntervalSecs across the
// asset's duration. Assets shorter than one interval still get one frame at
// offset zero.
func sampleUnits(_ context.Context, _ *store.Store, asset *store.Asset) ([]map[string]any, error) {
	var units []map[string]any
	for offset := 0.0; offset < asset.DurationSecs || offset == 0; offset += frameIntervalSecs {
		units = append(units, map[string]any{"offset": offset})
	}
	return units, nil
}

// perFrameUnits expands a stage into one call per sampled frame, keyed by
// the frame's timestamp.
func perFrameUnits(ctx context.Context, st *store.Store, asset *store.Asset) ([]map[string]any, error) {
	frames, err := st.QueryResults(ctx, asset.ID, store.ResultFilter{Kind: string(registry.KindSampledFrame)})
	if err != nil {
		return nil, err
	}
	units := make([]map[string]any, 0, len(frames))
	for _, frame := range frames {
		if frame.TimestampSecs == nil {
			continue
		}
		units = append(units, map[string]any{"timestamp": *frame.TimestampSecs})
	}
	return units, nil
}

func sampleHandler(_ context.Context, asset registry.AssetRef, params registry.Params) (registry.Output, error) {
	offset := floatParam(params, "offset")
	return registry.Output{
		TimestampSecs: &offset,
		Payload:       []byte(fmt.Sprintf(`{"source":%q,"offset":%v}`, asset.SourcePath, offset)),
	}, nil
}

func captionHandler(_ context.Context, _ registry.AssetRef, params registry.Params) (registry.Output, error) {
	ts := floatParam(params, "timestamp")
	return registry.Output{
		TimestampSecs: &ts,
		Payload:       []byte(fmt.Sprintf(`{"text":"frame at %vs","timestamp":%v}`, ts, ts)),
	}, nil
}

func detectHandler(_ context.Context, _ registry.AssetRef, _ registry.Params) (registry.Output, error) {
	return registry.Output{
		Payload: []byte(`{"detections":[]}`),
	}, nil
}

func transcribeHandler(_ context.Context, _ registry.AssetRef, params registry.Params) (registry.Output, error) {
	language, _ := params["language"].(string)
	if language == "" {
		language = "en"
	}
	return registry.Output{
		Payload: []byte(fmt.Sprintf(`{"language":%q,"segments":[]}`, language)),
	}, nil
}

func floatParam(params registry.Params, name string) float64 {
	switch v := params[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
