package ipc_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/daemon"
	"loom/internal/ipc"
	"loom/internal/logging"
	"loom/internal/testsupport"
)

func startServer(t *testing.T) (*ipc.Client, *daemon.Daemon) {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	d, err := daemon.Bootstrap(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	socket := filepath.Join(t.TempDir(), "loom.sock")
	server, err := ipc.NewServer(context.Background(), socket, d, logging.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	server.Serve()
	t.Cleanup(server.Close)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, d
}

func waitForComplete(t *testing.T, client *ipc.Client, assetID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := client.AssetStatus(assetID)
		if err != nil {
			t.Fatalf("asset status: %v", err)
		}
		if status.Asset.Status == "complete" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("asset %s never completed", assetID)
}

func TestStartStatusStop(t *testing.T) {
	client, _ := startServer(t)

	started, err := client.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !started.Started {
		t.Fatalf("daemon did not start: %s", started.Message)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running daemon")
	}
	if len(status.Capabilities) == 0 {
		t.Fatal("expected capability list")
	}

	stopped, err := client.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !stopped.Stopped {
		t.Fatal("daemon did not stop")
	}
}

func TestIngestExecuteResults(t *testing.T) {
	client, _ := startServer(t)

	if _, err := client.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Stop()

	ingested, err := client.Ingest(ipc.IngestRequest{Source: "/media/clip.mkv", DurationSecs: 60, SizeBytes: 1024})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitForComplete(t, client, ingested.Asset.ID)

	executed, err := client.Execute(ipc.ExecuteRequest{
		Capability: "transcribe",
		AssetID:    ingested.Asset.ID,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// The pipeline already ran transcribe with the same parameters.
	if !executed.FromCache {
		t.Fatal("expected cached transcription")
	}

	results, err := client.Results(ipc.ResultsRequest{AssetID: ingested.Asset.ID, Kind: "sampled_frame"})
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results.Results) != 2 {
		t.Fatalf("expected 2 frames for a 60s asset, got %d", len(results.Results))
	}

	stats, err := client.CacheStats()
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	if stats.Stats.Local.Hits == 0 {
		t.Fatal("expected at least one cache hit")
	}
}

func TestExecuteErrorsPropagate(t *testing.T) {
	client, _ := startServer(t)

	if _, err := client.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Stop()

	if _, err := client.Execute(ipc.ExecuteRequest{Capability: "emboss", AssetID: "asset-1"}); err == nil {
		t.Fatal("expected error for unknown capability")
	}
}

func TestReprocessUnknownStage(t *testing.T) {
	client, d := startServer(t)

	if _, err := client.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer client.Stop()

	asset, err := d.Ingest(context.Background(), "/media/clip.mkv", 30, 512)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	waitForComplete(t, client, asset.ID)

	if _, err := client.Reprocess(asset.ID, "emboss"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}
