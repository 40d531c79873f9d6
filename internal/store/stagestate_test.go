package store_test

import (
	"context"
	"errors"
	"testing"

	"loom/internal/services"
	"loom/internal/store"
	"loom/internal/testsupport"
)

func TestInitStagesIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	stages := []string{"sample", "caption", "transcribe"}
	if err := st.InitStages(ctx, asset.ID, stages); err != nil {
		t.Fatalf("InitStages failed: %v", err)
	}
	if err := st.SetStageStatus(ctx, asset.ID, "sample", store.StageNotStarted, store.StageRunning); err != nil {
		t.Fatalf("SetStageStatus failed: %v", err)
	}
	// Re-seeding must not clobber existing rows.
	if err := st.InitStages(ctx, asset.ID, stages); err != nil {
		t.Fatalf("second InitStages failed: %v", err)
	}

	states, err := st.StageStates(ctx, asset.ID)
	if err != nil {
		t.Fatalf("StageStates failed: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(states))
	}
	byName := map[string]store.StageStatus{}
	for _, state := range states {
		byName[state.Stage] = state.Status
	}
	if byName["sample"] != store.StageRunning {
		t.Fatalf("sample status = %s, want running", byName["sample"])
	}
}

func TestStageTransitionGuards(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	if err := st.InitStages(ctx, asset.ID, []string{"sample"}); err != nil {
		t.Fatalf("InitStages failed: %v", err)
	}

	// not_started -> succeeded is illegal.
	if err := st.SetStageStatus(ctx, asset.ID, "sample", store.StageNotStarted, store.StageSucceeded); err == nil {
		t.Fatal("expected transition error")
	}

	if err := st.SetStageStatus(ctx, asset.ID, "sample", store.StageNotStarted, store.StageRunning); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	// Second writer racing the same transition loses.
	if err := st.SetStageStatus(ctx, asset.ID, "sample", store.StageNotStarted, store.StageRunning); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected stale transition to fail, got %v", err)
	}

	if err := st.SetStageStatus(ctx, asset.ID, "sample", store.StageRunning, store.StageSucceeded); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	states, err := st.StageStates(ctx, asset.ID)
	if err != nil {
		t.Fatalf("StageStates failed: %v", err)
	}
	if states[0].StartedAt == nil || states[0].FinishedAt == nil {
		t.Fatalf("timestamps not recorded: %+v", states[0])
	}
}

func TestResetStageRequiresFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	if err := st.InitStages(ctx, asset.ID, []string{"transcribe"}); err != nil {
		t.Fatalf("InitStages failed: %v", err)
	}
	if err := st.ResetStage(ctx, asset.ID, "transcribe", "transcribe", "{}"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("reset of non-failed stage should fail, got %v", err)
	}

	if err := st.SetStageStatus(ctx, asset.ID, "transcribe", store.StageNotStarted, store.StageRunning); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := st.SetStageStatus(ctx, asset.ID, "transcribe", store.StageRunning, store.StageFailed); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	if err := st.ResetStage(ctx, asset.ID, "transcribe", "transcribe", "{}"); err != nil {
		t.Fatalf("ResetStage failed: %v", err)
	}

	states, err := st.StageStates(ctx, asset.ID)
	if err != nil {
		t.Fatalf("StageStates failed: %v", err)
	}
	if states[0].Status != store.StageNotStarted {
		t.Fatalf("status after reset = %s", states[0].Status)
	}

	lineage, err := st.LineageForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("LineageForAsset failed: %v", err)
	}
	var sawReprocess bool
	for _, entry := range lineage {
		if entry.Op == store.LineageReprocess {
			sawReprocess = true
		}
	}
	if !sawReprocess {
		t.Fatal("expected reprocess lineage entry")
	}
}

func TestReclaimRunningStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	if err := st.InitStages(ctx, asset.ID, []string{"sample", "caption"}); err != nil {
		t.Fatalf("InitStages failed: %v", err)
	}
	if err := st.SetStageStatus(ctx, asset.ID, "sample", store.StageNotStarted, store.StageRunning); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	reclaimed, err := st.ReclaimRunningStages(ctx)
	if err != nil {
		t.Fatalf("ReclaimRunningStages failed: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != asset.ID {
		t.Fatalf("reclaimed assets = %v, want [%s]", reclaimed, asset.ID)
	}

	states, err := st.StageStates(ctx, asset.ID)
	if err != nil {
		t.Fatalf("StageStates failed: %v", err)
	}
	for _, state := range states {
		if state.Status != store.StageNotStarted {
			t.Fatalf("stage %s status = %s after reclaim", state.Stage, state.Status)
		}
	}
}
