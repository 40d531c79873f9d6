package store_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"loom/internal/services"
	"loom/internal/store"
	"loom/internal/testsupport"
)

func mustAsset(t *testing.T, st *store.Store) *store.Asset {
	t.Helper()
	asset, err := st.CreateAsset(context.Background(), "/media/v1.mp4", 90, 1<<20)
	if err != nil {
		t.Fatalf("CreateAsset failed: %v", err)
	}
	return asset
}

func TestUpsertFirstWriteSatisfiesLineageReference(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	// The very first write for a key creates the result row and a lineage
	// row pointing at it inside one transaction; the reference must hold
	// with SQLite foreign key enforcement active.
	ts := 10.0
	stored, err := st.UpsertResult(ctx, store.ResultRecord{
		AssetID:           asset.ID,
		Kind:              "sampled_frame",
		TimestampSecs:     &ts,
		Payload:           []byte(`{"frame":"f0"}`),
		Capability:        "sample",
		CapabilityVersion: "1",
	}, `{"offset":10}`)
	if err != nil {
		t.Fatalf("create upsert failed: %v", err)
	}

	lineage, err := st.LineageForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("LineageForAsset failed: %v", err)
	}
	if len(lineage) != 1 {
		t.Fatalf("expected one lineage row, got %d", len(lineage))
	}
	if lineage[0].Op != store.LineageCreate {
		t.Fatalf("expected create op, got %s", lineage[0].Op)
	}
	if lineage[0].ResultID != stored.ID {
		t.Fatalf("lineage references %s, result is %s", lineage[0].ResultID, stored.ID)
	}
}

func TestUpsertResultIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	ts := 2.5
	first := store.ResultRecord{
		AssetID:           asset.ID,
		Kind:              "caption",
		TimestampSecs:     &ts,
		Payload:           []byte(`{"text":"first"}`),
		Capability:        "caption-frames",
		CapabilityVersion: "1",
	}

	if _, err := st.UpsertResult(ctx, first, `{"model":"base"}`); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	second := first
	second.Payload = []byte(`{"text":"second"}`)
	stored, err := st.UpsertResult(ctx, second, `{"model":"base"}`)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	results, err := st.QueryResults(ctx, asset.ID, store.ResultFilter{})
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one result row, got %d", len(results))
	}
	if !bytes.Equal(results[0].Payload, second.Payload) {
		t.Fatalf("payload should reflect second invocation: %s", results[0].Payload)
	}
	if results[0].ID != stored.ID {
		t.Fatalf("result id changed on upsert: %s vs %s", results[0].ID, stored.ID)
	}

	lineage, err := st.LineageForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("LineageForAsset failed: %v", err)
	}
	if len(lineage) != 2 {
		t.Fatalf("expected two lineage rows, got %d", len(lineage))
	}
	if lineage[0].Op != store.LineageCreate || lineage[1].Op != store.LineageUpdate {
		t.Fatalf("lineage ops = %s, %s", lineage[0].Op, lineage[1].Op)
	}
	for _, entry := range lineage {
		if entry.Failed {
			t.Fatal("successful writes must not be flagged failed")
		}
		if entry.ResultID != stored.ID {
			t.Fatalf("lineage result id = %s, want %s", entry.ResultID, stored.ID)
		}
	}
}

func TestUpsertDistinguishesNilTimestamp(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	rec := store.ResultRecord{
		AssetID:    asset.ID,
		Kind:       "transcript-segment",
		Payload:    []byte(`{"text":"a"}`),
		Capability: "transcribe",
	}
	if _, err := st.UpsertResult(ctx, rec, "{}"); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	// Same key with nil timestamp again must update, not duplicate.
	rec.Payload = []byte(`{"text":"b"}`)
	if _, err := st.UpsertResult(ctx, rec, "{}"); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	results, err := st.QueryResults(ctx, asset.ID, store.ResultFilter{})
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("nil-timestamp upserts duplicated: %d rows", len(results))
	}
	if results[0].TimestampSecs != nil {
		t.Fatalf("timestamp should round-trip as nil, got %v", *results[0].TimestampSecs)
	}
}

func TestVerifyWritten(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	ts := 1.0
	rec := store.ResultRecord{
		AssetID:       asset.ID,
		Kind:          "sampled-frame",
		TimestampSecs: &ts,
		Payload:       []byte(`{}`),
		Capability:    "sample",
	}
	if _, err := st.UpsertResult(ctx, rec, "{}"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	verified, err := st.VerifyWritten(ctx, asset.ID, "sampled-frame", &ts, "sample")
	if err != nil {
		t.Fatalf("VerifyWritten failed: %v", err)
	}
	if verified.AssetID != asset.ID {
		t.Fatalf("verified wrong record: %#v", verified)
	}

	missing := 9.0
	if _, err := st.VerifyWritten(ctx, asset.ID, "sampled-frame", &missing, "sample"); !errors.Is(err, services.ErrVerification) {
		t.Fatalf("expected verification failure, got %v", err)
	}
}

func TestQueryResultsFilters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	for _, offset := range []float64{0, 5, 10} {
		ts := offset
		if _, err := st.UpsertResult(ctx, store.ResultRecord{
			AssetID:       asset.ID,
			Kind:          "sampled-frame",
			TimestampSecs: &ts,
			Payload:       []byte(`{}`),
			Capability:    "sample",
		}, "{}"); err != nil {
			t.Fatalf("upsert frame at %v failed: %v", offset, err)
		}
	}
	if _, err := st.UpsertResult(ctx, store.ResultRecord{
		AssetID:    asset.ID,
		Kind:       "transcript-segment",
		Payload:    []byte(`{}`),
		Capability: "transcribe",
	}, "{}"); err != nil {
		t.Fatalf("upsert transcript failed: %v", err)
	}

	byKind, err := st.QueryResults(ctx, asset.ID, store.ResultFilter{Kind: "sampled-frame"})
	if err != nil {
		t.Fatalf("QueryResults by kind failed: %v", err)
	}
	if len(byKind) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(byKind))
	}

	from, to := 4.0, 11.0
	byRange, err := st.QueryResults(ctx, asset.ID, store.ResultFilter{Kind: "sampled-frame", From: &from, To: &to})
	if err != nil {
		t.Fatalf("QueryResults by range failed: %v", err)
	}
	if len(byRange) != 2 {
		t.Fatalf("expected 2 frames in range, got %d", len(byRange))
	}
}

func TestRecordFailedWrite(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	asset := mustAsset(t, st)

	if err := st.RecordFailedWrite(ctx, asset.ID, "transcribe", "2", "{}", errors.New("handler crashed")); err != nil {
		t.Fatalf("RecordFailedWrite failed: %v", err)
	}

	lineage, err := st.LineageForAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("LineageForAsset failed: %v", err)
	}
	if len(lineage) != 1 {
		t.Fatalf("expected one lineage row, got %d", len(lineage))
	}
	entry := lineage[0]
	if !entry.Failed || entry.Error != "handler crashed" {
		t.Fatalf("failed-write entry not recorded: %+v", entry)
	}
	if entry.ResultID != "" {
		t.Fatalf("failed write must not reference a result row: %q", entry.ResultID)
	}

	// No result was written.
	results, err := st.QueryResults(ctx, asset.ID, store.ResultFilter{})
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}
