package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Asset describes an ingested asset in a transport-friendly format.
type Asset struct {
	ID           string  `json:"id"`
	Source       string  `json:"source"`
	DurationSecs float64 `json:"durationSecs"`
	SizeBytes    int64   `json:"sizeBytes"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"createdAt,omitempty"`
	UpdatedAt    string  `json:"updatedAt,omitempty"`
}

// StageState reports one pipeline stage for an asset.
type StageState struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// AssetStatusResponse is the full GetAssetStatus payload. Partial reports
// that some stages succeeded while others are still pending; readers may use
// whatever is already there.
type AssetStatusResponse struct {
	Asset   Asset        `json:"asset"`
	Stages  []StageState `json:"stages"`
	Partial bool         `json:"partial"`
}

// Result is the transport form of one persisted capability output.
type Result struct {
	ID                string          `json:"id"`
	AssetID           string          `json:"assetId"`
	Kind              string          `json:"kind"`
	TimestampSecs     *float64        `json:"timestampSecs,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Capability        string          `json:"capability"`
	CapabilityVersion string          `json:"capabilityVersion"`
	CreatedAt         string          `json:"createdAt,omitempty"`
}

// ResultsResponse wraps a collection of results.
type ResultsResponse struct {
	Results []Result `json:"results"`
}

// ExecuteRequest names one capability invocation.
type ExecuteRequest struct {
	Capability string         `json:"capability"`
	AssetID    string         `json:"assetId"`
	Params     map[string]any `json:"params,omitempty"`
}

// ExecuteResponse reports the invocation outcome.
type ExecuteResponse struct {
	Capability string          `json:"capability"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     *Result         `json:"result,omitempty"`
	FromCache  bool            `json:"fromCache"`
}

// TierStats reports hit counters for one cache tier.
type TierStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hitRate"`
	Entries   int     `json:"entries,omitempty"`
	SizeBytes int64   `json:"sizeBytes,omitempty"`
}

// CacheStatsResponse aggregates cache counters per tier.
type CacheStatsResponse struct {
	Local  TierStats `json:"local"`
	Shared TierStats `json:"shared"`
}

// BreakerStatus reports one circuit breaker's position.
type BreakerStatus struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastOpenedAt string `json:"lastOpenedAt,omitempty"`
}

// StoreHealth reports database diagnostics.
type StoreHealth struct {
	DBPath           string `json:"dbPath"`
	DatabaseExists   bool   `json:"databaseExists"`
	DatabaseReadable bool   `json:"databaseReadable"`
	SchemaVersion    string `json:"schemaVersion"`
	IntegrityCheck   bool   `json:"integrityCheck"`
	TotalAssets      int    `json:"totalAssets"`
	TotalResults     int    `json:"totalResults"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	DBPath       string             `json:"dbPath"`
	LockFilePath string             `json:"lockFilePath"`
	Capabilities []string           `json:"capabilities"`
	Stages       []string           `json:"stages"`
	Breakers     []BreakerStatus    `json:"breakers"`
	Cache        CacheStatsResponse `json:"cache"`
	Store        StoreHealth        `json:"store"`
}

// IngestRequest registers a new asset.
type IngestRequest struct {
	Source       string  `json:"source"`
	DurationSecs float64 `json:"durationSecs,omitempty"`
	SizeBytes    int64   `json:"sizeBytes,omitempty"`
}

// IngestResponse returns the created asset.
type IngestResponse struct {
	Asset Asset `json:"asset"`
}

// ReprocessRequest resets a failed stage for re-execution.
type ReprocessRequest struct {
	AssetID string `json:"assetId"`
	Stage   string `json:"stage"`
}

// ReprocessResponse acknowledges the reset.
type ReprocessResponse struct {
	Accepted bool `json:"accepted"`
}

// Error is the uniform error payload carrying the stable taxonomy kind and,
// when a dependency rejected the call, a retry-after hint.
type Error struct {
	Kind             string  `json:"kind"`
	Message          string  `json:"message"`
	RetryAfterMillis float64 `json:"retryAfterMillis,omitempty"`
}
