package store_test

import (
	"context"
	"errors"
	"testing"

	"loom/internal/services"
	"loom/internal/store"
	"loom/internal/testsupport"
)

func TestOpenCreatesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	asset, err := st.CreateAsset(ctx, "/media/v1.mp4", 120, 1<<20)
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	if asset.ID == "" {
		t.Fatal("expected asset ID to be assigned")
	}
	if asset.Status != store.AssetPending {
		t.Fatalf("new asset status = %s", asset.Status)
	}

	fetched, err := st.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if fetched.Source != "/media/v1.mp4" {
		t.Fatalf("unexpected fetched asset: %#v", fetched)
	}
}

func TestCreateAssetRequiresSource(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	if _, err := st.CreateAsset(context.Background(), "  ", 0, 0); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestUpdateAssetStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	asset, err := st.CreateAsset(ctx, "/media/v1.mp4", 0, 0)
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	if err := st.UpdateAssetStatus(ctx, asset.ID, store.AssetProcessing); err != nil {
		t.Fatalf("UpdateAssetStatus failed: %v", err)
	}
	updated, err := st.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetAsset failed: %v", err)
	}
	if updated.Status != store.AssetProcessing {
		t.Fatalf("status = %s, want processing", updated.Status)
	}

	if err := st.UpdateAssetStatus(ctx, "missing", store.AssetComplete); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for missing asset, got %v", err)
	}
}

func TestDeleteAssetIsSoft(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	asset, err := st.CreateAsset(ctx, "/media/v1.mp4", 0, 0)
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	ts := 1.0
	if _, err := st.UpsertResult(ctx, store.ResultRecord{
		AssetID:       asset.ID,
		Kind:          "caption",
		TimestampSecs: &ts,
		Payload:       []byte(`{"text":"hello"}`),
		Capability:    "caption-frames",
	}, "{}"); err != nil {
		t.Fatalf("UpsertResult failed: %v", err)
	}

	if err := st.DeleteAsset(ctx, asset.ID); err != nil {
		t.Fatalf("DeleteAsset failed: %v", err)
	}
	if _, err := st.GetAsset(ctx, asset.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}

	// Result and lineage rows survive for audit.
	results, err := st.QueryResults(ctx, asset.ID, store.ResultFilter{})
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 surviving result, got %d", len(results))
	}
	lineage, err := st.LineageForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("LineageForAsset failed: %v", err)
	}
	var sawDelete bool
	for _, entry := range lineage {
		if entry.Op == store.LineageDelete {
			sawDelete = true
		}
	}
	if !sawDelete {
		t.Fatal("expected a delete lineage entry")
	}
}

func TestHealthReport(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if _, err := st.CreateAsset(ctx, "/media/v1.mp4", 0, 0); err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}

	health := st.CheckHealth(ctx)
	if !health.DatabaseExists || !health.DatabaseReadable {
		t.Fatalf("unexpected health: %+v", health)
	}
	if !health.IntegrityCheck {
		t.Fatalf("integrity check failed: %+v", health)
	}
	if health.TotalAssets != 1 {
		t.Fatalf("TotalAssets = %d", health.TotalAssets)
	}
}
