package store

import (
	"strings"
	"time"
)

// AssetStatus represents the lifecycle of an ingested asset.
type AssetStatus string

const (
	AssetPending    AssetStatus = "pending"
	AssetProcessing AssetStatus = "processing"
	AssetComplete   AssetStatus = "complete"
	AssetError      AssetStatus = "error"
)

var assetStatusSet = map[AssetStatus]struct{}{
	AssetPending:    {},
	AssetProcessing: {},
	AssetComplete:   {},
	AssetError:      {},
}

// ParseAssetStatus converts a string into a known AssetStatus.
func ParseAssetStatus(value string) (AssetStatus, bool) {
	normalized := AssetStatus(strings.ToLower(strings.TrimSpace(value)))
	_, ok := assetStatusSet[normalized]
	return normalized, ok
}

// Asset is an ingested media asset tracked by the pipeline.
type Asset struct {
	ID           string
	Source       string
	DurationSecs float64
	SizeBytes    int64
	Status       AssetStatus
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ResultRecord is one durable output of a capability invocation. Uniqueness
// is enforced on (asset, kind, timestamp, capability); re-running the same
// capability at the same offset replaces the payload instead of duplicating
// the row.
type ResultRecord struct {
	ID                string
	AssetID           string
	Kind              string
	TimestampSecs     *float64
	Payload           []byte
	Capability        string
	CapabilityVersion string
	CreatedAt         time.Time
}

// LineageOp identifies the kind of write a lineage entry records.
type LineageOp string

const (
	LineageCreate    LineageOp = "create"
	LineageUpdate    LineageOp = "update"
	LineageDelete    LineageOp = "delete"
	LineageReprocess LineageOp = "reprocess"
)

// LineageEntry is one append-only audit row. Failed write attempts are
// recorded with Failed set; entries are never mutated.
type LineageEntry struct {
	ID                string
	AssetID           string
	ResultID          string
	Op                LineageOp
	Capability        string
	CapabilityVersion string
	ParamsJSON        string
	Failed            bool
	Error             string
	CreatedAt         time.Time
}

// StageStatus represents the state of one pipeline stage for one asset.
type StageStatus string

const (
	StageNotStarted StageStatus = "not_started"
	StageRunning    StageStatus = "running"
	StageSucceeded  StageStatus = "succeeded"
	StageFailed     StageStatus = "failed"
)

// legal transitions; reclaim (running→not_started) covers crash recovery and
// reprocess (failed→not_started) covers operator resets.
var stageTransitions = map[StageStatus][]StageStatus{
	StageNotStarted: {StageRunning},
	StageRunning:    {StageSucceeded, StageFailed, StageNotStarted},
	StageFailed:     {StageNotStarted},
}

func stageTransitionAllowed(from, to StageStatus) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StageState tracks one (asset, stage) pair.
type StageState struct {
	AssetID    string
	Stage      string
	Status     StageStatus
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// ResultFilter narrows QueryResults.
type ResultFilter struct {
	Kind string
	From *float64
	To   *float64
}

// Health captures diagnostic information about the database.
type Health struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    string
	IntegrityCheck   bool
	TotalAssets      int
	TotalResults     int
	Error            string
}
