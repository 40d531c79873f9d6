package ipc

import "loom/internal/api"

// Asset mirrors the HTTP API asset DTO for IPC callers.
type Asset = api.Asset

// StageState mirrors the HTTP API stage DTO.
type StageState = api.StageState

// Result mirrors the HTTP API result DTO.
type Result = api.Result

// StartRequest triggers daemon startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the daemon.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents combined daemon status information.
type StatusResponse struct {
	Running      bool                   `json:"running"`
	PID          int                    `json:"pid"`
	DBPath       string                 `json:"db_path"`
	LockPath     string                 `json:"lock_path"`
	Capabilities []string               `json:"capabilities"`
	Stages       []string               `json:"stages"`
	Breakers     []api.BreakerStatus    `json:"breakers"`
	Cache        api.CacheStatsResponse `json:"cache"`
	Store        api.StoreHealth        `json:"store"`
}

// IngestRequest registers a new asset and starts its pipeline.
type IngestRequest struct {
	Source       string  `json:"source"`
	DurationSecs float64 `json:"duration_secs"`
	SizeBytes    int64   `json:"size_bytes"`
}

// IngestResponse returns the created asset.
type IngestResponse struct {
	Asset Asset `json:"asset"`
}

// ExecuteRequest runs one capability invocation.
type ExecuteRequest struct {
	Capability string         `json:"capability"`
	AssetID    string         `json:"asset_id"`
	Params     map[string]any `json:"params"`
}

// ExecuteResponse reports the invocation outcome.
type ExecuteResponse struct {
	Capability string  `json:"capability"`
	Kind       string  `json:"kind"`
	Payload    string  `json:"payload"`
	Result     *Result `json:"result,omitempty"`
	FromCache  bool    `json:"from_cache"`
}

// AssetStatusRequest fetches lifecycle plus stage states for one asset.
type AssetStatusRequest struct {
	AssetID string `json:"asset_id"`
}

// AssetStatusResponse reports the asset and its stages.
type AssetStatusResponse struct {
	Asset   Asset        `json:"asset"`
	Stages  []StageState `json:"stages"`
	Partial bool         `json:"partial"`
}

// ResultsRequest reads persisted results, optionally filtered.
type ResultsRequest struct {
	AssetID string   `json:"asset_id"`
	Kind    string   `json:"kind"`
	From    *float64 `json:"from,omitempty"`
	To      *float64 `json:"to,omitempty"`
}

// ResultsResponse contains persisted results.
type ResultsResponse struct {
	Results []Result `json:"results"`
}

// CacheStatsRequest fetches cache counters.
type CacheStatsRequest struct{}

// CacheStatsResponse reports cache counters per tier.
type CacheStatsResponse struct {
	Stats api.CacheStatsResponse `json:"stats"`
}

// ReprocessRequest resets a failed stage for re-execution.
type ReprocessRequest struct {
	AssetID string `json:"asset_id"`
	Stage   string `json:"stage"`
}

// ReprocessResponse acknowledges the reset.
type ReprocessResponse struct {
	Accepted bool `json:"accepted"`
}
