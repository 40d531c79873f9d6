package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/orchestrator"
	"loom/internal/pipeline"
	"loom/internal/registry"
	"loom/internal/services"
	"loom/internal/store"
	"loom/internal/testsupport"
)

type fixture struct {
	cfg        *config.Config
	store      *store.Store
	controller *pipeline.Controller
}

func newFixture(t *testing.T, caps []registry.Capability, specs []pipeline.StageSpec) *fixture {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	tiered, err := cache.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = tiered.Close() })

	reg, err := registry.New(caps...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	orch := orchestrator.New(cfg, st, tiered, reg, logging.NewNop())
	controller, err := pipeline.New(cfg, st, orch, specs, logging.NewNop())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = controller.Close(ctx)
	})

	return &fixture{cfg: cfg, store: st, controller: controller}
}

func waitForAssetStatus(t *testing.T, st *store.Store, assetID string, want store.AssetStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		asset, err := st.GetAsset(context.Background(), assetID)
		if err != nil {
			t.Fatalf("get asset: %v", err)
		}
		if asset.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	asset, _ := st.GetAsset(context.Background(), assetID)
	t.Fatalf("asset %s never reached %s, stuck at %s", assetID, want, asset.Status)
}

func stageStatuses(t *testing.T, st *store.Store, assetID string) map[string]store.StageStatus {
	t.Helper()
	states, err := st.StageStates(context.Background(), assetID)
	if err != nil {
		t.Fatalf("stage states: %v", err)
	}
	byName := make(map[string]store.StageStatus, len(states))
	for _, state := range states {
		byName[state.Stage] = state.Status
	}
	return byName
}

func simpleCapability(name string, kind registry.Kind) registry.Capability {
	return registry.Capability{
		Name:    name,
		Version: "1.0.0",
		Kind:    kind,
		Handler: func(context.Context, registry.AssetRef, registry.Params) (registry.Output, error) {
			return registry.Output{Payload: []byte(fmt.Sprintf(`{"by":%q}`, name))}, nil
		},
	}
}

func TestNewRejectsBadGraphs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	tiered, err := cache.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer tiered.Close()
	reg, err := registry.New(simpleCapability("sample", registry.KindSampledFrame))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	orch := orchestrator.New(cfg, st, tiered, reg, logging.NewNop())

	t.Run("unknown prereq", func(t *testing.T) {
		_, err := pipeline.New(cfg, st, orch, []pipeline.StageSpec{
			{Name: "caption", Capability: "sample", Prereqs: []string{"sample"}},
		}, logging.NewNop())
		if !errors.Is(err, services.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := pipeline.New(cfg, st, orch, []pipeline.StageSpec{
			{Name: "a", Capability: "sample", Prereqs: []string{"b"}},
			{Name: "b", Capability: "sample", Prereqs: []string{"a"}},
		}, logging.NewNop())
		if !errors.Is(err, services.ErrConfiguration) {
			t.Fatalf("expected configuration error, got %v", err)
		}
	})
}

func TestIngestRunsSingleStageToCompletion(t *testing.T) {
	fx := newFixture(t,
		[]registry.Capability{simpleCapability("sample", registry.KindSampledFrame)},
		[]pipeline.StageSpec{{Name: "sample", Capability: "sample"}},
	)

	asset, err := fx.controller.Ingest(context.Background(), "/media/clip.mkv", 60, 1024)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetComplete)

	statuses := stageStatuses(t, fx.store, asset.ID)
	if statuses["sample"] != store.StageSucceeded {
		t.Fatalf("expected sample succeeded, got %s", statuses["sample"])
	}
}

func TestDependentWaitsForPrerequisite(t *testing.T) {
	release := make(chan struct{})
	var captionStarted atomic.Bool

	sample := registry.Capability{
		Name:    "sample",
		Version: "1.0.0",
		Kind:    registry.KindSampledFrame,
		Handler: func(ctx context.Context, _ registry.AssetRef, _ registry.Params) (registry.Output, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return registry.Output{}, ctx.Err()
			}
			return registry.Output{Payload: []byte(`{}`)}, nil
		},
	}
	caption := registry.Capability{
		Name:    "caption",
		Version: "1.0.0",
		Kind:    registry.KindCaption,
		Handler: func(context.Context, registry.AssetRef, registry.Params) (registry.Output, error) {
			captionStarted.Store(true)
			return registry.Output{Payload: []byte(`{}`)}, nil
		},
	}

	fx := newFixture(t,
		[]registry.Capability{sample, caption},
		[]pipeline.StageSpec{
			{Name: "sample", Capability: "sample"},
			{Name: "caption", Capability: "caption", Prereqs: []string{"sample"}},
		},
	)

	asset, err := fx.controller.Ingest(context.Background(), "/media/clip.mkv", 60, 1024)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// While sample is blocked, caption must not have started.
	time.Sleep(100 * time.Millisecond)
	if captionStarted.Load() {
		t.Fatal("caption started before its prerequisite succeeded")
	}
	statuses := stageStatuses(t, fx.store, asset.ID)
	if statuses["caption"] != store.StageNotStarted {
		t.Fatalf("expected caption not_started, got %s", statuses["caption"])
	}

	close(release)
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetComplete)
	if !captionStarted.Load() {
		t.Fatal("caption never ran")
	}
}

func TestFailedPrerequisiteBlocksDependent(t *testing.T) {
	broken := registry.Capability{
		Name:    "sample",
		Version: "1.0.0",
		Kind:    registry.KindSampledFrame,
		Handler: func(context.Context, registry.AssetRef, registry.Params) (registry.Output, error) {
			return registry.Output{}, services.Wrap(services.ErrExecution, "sampler", "run", "corrupt container", nil)
		},
	}

	fx := newFixture(t,
		[]registry.Capability{broken, simpleCapability("caption", registry.KindCaption)},
		[]pipeline.StageSpec{
			{Name: "sample", Capability: "sample"},
			{Name: "caption", Capability: "caption", Prereqs: []string{"sample"}},
		},
	)

	asset, err := fx.controller.Ingest(context.Background(), "/media/clip.mkv", 60, 1024)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetError)

	statuses := stageStatuses(t, fx.store, asset.ID)
	if statuses["sample"] != store.StageFailed {
		t.Fatalf("expected sample failed, got %s", statuses["sample"])
	}
	if statuses["caption"] != store.StageNotStarted {
		t.Fatalf("blocked dependent must stay not_started, got %s", statuses["caption"])
	}
}

func TestSiblingContinuesAfterFailure(t *testing.T) {
	broken := registry.Capability{
		Name:    "sample",
		Version: "1.0.0",
		Kind:    registry.KindSampledFrame,
		Handler: func(context.Context, registry.AssetRef, registry.Params) (registry.Output, error) {
			return registry.Output{}, services.Wrap(services.ErrExecution, "sampler", "run", "corrupt container", nil)
		},
	}

	fx := newFixture(t,
		[]registry.Capability{broken, simpleCapability("transcribe", registry.KindTranscriptSegment)},
		[]pipeline.StageSpec{
			{Name: "sample", Capability: "sample"},
			{Name: "transcribe", Capability: "transcribe"},
		},
	)

	asset, err := fx.controller.Ingest(context.Background(), "/media/clip.mkv", 60, 1024)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetError)

	statuses := stageStatuses(t, fx.store, asset.ID)
	if statuses["transcribe"] != store.StageSucceeded {
		t.Fatalf("independent sibling should succeed, got %s", statuses["transcribe"])
	}

	// The sibling's output is readable despite the failed stage.
	records, err := fx.store.QueryResults(context.Background(), asset.ID, store.ResultFilter{})
	if err != nil {
		t.Fatalf("query results: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected sibling's record, got %d records", len(records))
	}
}

func TestReprocessRecoversFailedStage(t *testing.T) {
	var attempts atomic.Int32
	flaky := registry.Capability{
		Name:    "sample",
		Version: "1.0.0",
		Kind:    registry.KindSampledFrame,
		Handler: func(context.Context, registry.AssetRef, registry.Params) (registry.Output, error) {
			if attempts.Add(1) == 1 {
				return registry.Output{}, services.Wrap(services.ErrExecution, "sampler", "run", "disk full", nil)
			}
			return registry.Output{Payload: []byte(`{}`)}, nil
		},
	}

	fx := newFixture(t,
		[]registry.Capability{flaky},
		[]pipeline.StageSpec{{Name: "sample", Capability: "sample"}},
	)

	ctx := context.Background()
	asset, err := fx.controller.Ingest(ctx, "/media/clip.mkv", 60, 1024)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetError)

	if err := fx.controller.Reprocess(ctx, asset.ID, "sample"); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetComplete)

	// The reset leaves an audit entry.
	lineage, err := fx.store.LineageForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	var reprocessed bool
	for _, entry := range lineage {
		if entry.Op == store.LineageReprocess {
			reprocessed = true
		}
	}
	if !reprocessed {
		t.Fatal("expected a reprocess lineage entry")
	}
}

func TestReprocessReExecutesExpandedUnits(t *testing.T) {
	var firstUnitCalls, secondUnitCalls atomic.Int32
	var failedOnce atomic.Bool
	sample := registry.Capability{
		Name:    "sample",
		Version: "1.0.0",
		Kind:    registry.KindSampledFrame,
		Schema:  registry.ParamSchema{"offset": {Tag: "min=0", Required: true}},
		Handler: func(_ context.Context, _ registry.AssetRef, params registry.Params) (registry.Output, error) {
			offset := params["offset"].(float64)
			if offset == 10 {
				firstUnitCalls.Add(1)
			} else {
				secondUnitCalls.Add(1)
			}
			if offset == 20 && failedOnce.CompareAndSwap(false, true) {
				return registry.Output{}, services.Wrap(services.ErrExecution, "sampler", "run", "decode error", nil)
			}
			return registry.Output{TimestampSecs: &offset, Payload: []byte(`{}`)}, nil
		},
	}

	fx := newFixture(t,
		[]registry.Capability{sample},
		[]pipeline.StageSpec{{
			Name:       "sample",
			Capability: "sample",
			Units: func(context.Context, *store.Store, *store.Asset) ([]map[string]any, error) {
				return []map[string]any{{"offset": 10.0}, {"offset": 20.0}}, nil
			},
		}},
	)

	ctx := context.Background()
	asset, err := fx.controller.Ingest(ctx, "/media/clip.mkv", 60, 1024)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetError)

	if err := fx.controller.Reprocess(ctx, asset.ID, "sample"); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetComplete)

	// Reprocess must evict every per-unit cache key, so the unit that
	// already succeeded runs again instead of being served from cache.
	if calls := firstUnitCalls.Load(); calls != 2 {
		t.Fatalf("first unit executed %d times, want 2", calls)
	}
	if calls := secondUnitCalls.Load(); calls != 2 {
		t.Fatalf("second unit executed %d times, want 2", calls)
	}
}

func TestReprocessRejectsUnknownStage(t *testing.T) {
	fx := newFixture(t,
		[]registry.Capability{simpleCapability("sample", registry.KindSampledFrame)},
		[]pipeline.StageSpec{{Name: "sample", Capability: "sample"}},
	)

	asset, err := fx.controller.Ingest(context.Background(), "/media/clip.mkv", 60, 1024)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetComplete)

	if err := fx.controller.Reprocess(context.Background(), asset.ID, "emboss"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// Full pipeline: sample fans out to three frames, caption runs once per
// frame, transcribe succeeds within its retry budget after two transient
// failures.
func TestEndToEndPipeline(t *testing.T) {
	frameOffsets := []float64{10, 20, 30}

	sample := registry.Capability{
		Name:    "sample",
		Version: "1.0.0",
		Kind:    registry.KindSampledFrame,
		Schema:  registry.ParamSchema{"offset": {Tag: "min=0", Required: true}},
		Handler: func(_ context.Context, _ registry.AssetRef, params registry.Params) (registry.Output, error) {
			offset := params["offset"].(float64)
			return registry.Output{
				TimestampSecs: &offset,
				Payload:       []byte(fmt.Sprintf(`{"frame_at":%v}`, offset)),
			}, nil
		},
	}
	caption := registry.Capability{
		Name:    "caption",
		Version: "1.0.0",
		Kind:    registry.KindCaption,
		Schema:  registry.ParamSchema{"timestamp": {Tag: "min=0", Required: true}},
		Handler: func(_ context.Context, _ registry.AssetRef, params registry.Params) (registry.Output, error) {
			ts := params["timestamp"].(float64)
			return registry.Output{
				TimestampSecs: &ts,
				Payload:       []byte(fmt.Sprintf(`{"text":"frame at %v"}`, ts)),
			}, nil
		},
	}
	var transcribeAttempts atomic.Int32
	transcribe := registry.Capability{
		Name:    "transcribe",
		Version: "1.0.0",
		Kind:    registry.KindTranscriptSegment,
		Handler: func(context.Context, registry.AssetRef, registry.Params) (registry.Output, error) {
			if transcribeAttempts.Add(1) <= 2 {
				return registry.Output{}, services.Wrap(services.ErrTransient, "whisper", "run", "model loading", nil)
			}
			return registry.Output{Payload: []byte(`{"text":"full transcript"}`)}, nil
		},
	}

	sampleUnits := func(context.Context, *store.Store, *store.Asset) ([]map[string]any, error) {
		units := make([]map[string]any, len(frameOffsets))
		for i, offset := range frameOffsets {
			units[i] = map[string]any{"offset": offset}
		}
		return units, nil
	}
	captionUnits := func(ctx context.Context, st *store.Store, asset *store.Asset) ([]map[string]any, error) {
		frames, err := st.QueryResults(ctx, asset.ID, store.ResultFilter{Kind: string(registry.KindSampledFrame)})
		if err != nil {
			return nil, err
		}
		units := make([]map[string]any, 0, len(frames))
		for _, frame := range frames {
			units = append(units, map[string]any{"timestamp": *frame.TimestampSecs})
		}
		return units, nil
	}

	fx := newFixture(t,
		[]registry.Capability{sample, caption, transcribe},
		[]pipeline.StageSpec{
			{Name: "sample", Capability: "sample", Units: sampleUnits},
			{Name: "caption", Capability: "caption", Prereqs: []string{"sample"}, Units: captionUnits},
			{Name: "transcribe", Capability: "transcribe"},
		},
	)

	ctx := context.Background()
	asset, err := fx.controller.Ingest(ctx, "/media/v1.mkv", 120, 8192)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitForAssetStatus(t, fx.store, asset.ID, store.AssetComplete)

	statuses := stageStatuses(t, fx.store, asset.ID)
	for _, stage := range []string{"sample", "caption", "transcribe"} {
		if statuses[stage] != store.StageSucceeded {
			t.Fatalf("expected %s succeeded, got %s", stage, statuses[stage])
		}
	}

	records, err := fx.store.QueryResults(ctx, asset.ID, store.ResultFilter{})
	if err != nil {
		t.Fatalf("query results: %v", err)
	}
	byKind := make(map[string]int)
	seen := make(map[string]bool)
	for _, rec := range records {
		byKind[rec.Kind]++
		key := fmt.Sprintf("%s|%v|%s", rec.Kind, rec.TimestampSecs, rec.Capability)
		if rec.TimestampSecs != nil {
			key = fmt.Sprintf("%s|%v|%s", rec.Kind, *rec.TimestampSecs, rec.Capability)
		}
		if seen[key] {
			t.Fatalf("duplicate record for %s", key)
		}
		seen[key] = true
	}
	if byKind[string(registry.KindSampledFrame)] != 3 {
		t.Fatalf("expected 3 frame records, got %d", byKind[string(registry.KindSampledFrame)])
	}
	if byKind[string(registry.KindCaption)] != 3 {
		t.Fatalf("expected 3 caption records, got %d", byKind[string(registry.KindCaption)])
	}
	if byKind[string(registry.KindTranscriptSegment)] != 1 {
		t.Fatalf("expected 1 transcript record, got %d", byKind[string(registry.KindTranscriptSegment)])
	}
	if transcribeAttempts.Load() != 3 {
		t.Fatalf("expected transcribe to run 3 times, ran %d", transcribeAttempts.Load())
	}
}
