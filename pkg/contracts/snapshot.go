package contracts

import "time"

// ManifestSchemaVersion is the version written into every manifest this
// engine produces. Restores refuse a manifest with a different major
// version (see snapshot.Manager).
const ManifestSchemaVersion = "1.2.0"

// SnapshotType classifies why a snapshot was taken.
type SnapshotType string

const (
	SnapshotPreAction SnapshotType = "pre_action"
	SnapshotGolden    SnapshotType = "golden"
	SnapshotManual    SnapshotType = "manual"
	SnapshotPeriodic  SnapshotType = "periodic"
)

// SnapshotStatus is the lifecycle state of a snapshot.
type SnapshotStatus string

const (
	SnapshotActive      SnapshotStatus = "active"
	SnapshotRestored    SnapshotStatus = "restored"
	SnapshotInvalidated SnapshotStatus = "invalidated"
)

// Capture component status values.
const (
	CaptureOK    = "captured"
	CaptureError = "error"
)

// ComponentCapture records the capture of one system component inside a
// snapshot manifest. A failed component keeps Status=error and its Error
// text; the snapshot remains usable in degraded form and restore skips it.
type ComponentCapture struct {
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	BlobURI  string         `json:"blob_uri,omitempty"`
	Digest   string         `json:"digest,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Captured reports whether the component can be restored from.
func (c ComponentCapture) Captured() bool { return c.Status == CaptureOK }

// Manifest is the per-component capture inventory of a snapshot. Its
// canonical hash is the snapshot's integrity anchor.
type Manifest struct {
	SchemaVersion string                      `json:"schema_version"`
	Components    map[string]ComponentCapture `json:"components"`
}

// SafeHoldSnapshot is a point-in-time capture of system state that the
// engine can roll back to. At most one snapshot is golden at any time.
type SafeHoldSnapshot struct {
	ID               string             `json:"id"`
	Type             SnapshotType       `json:"snapshot_type"`
	TriggeredBy      string             `json:"triggered_by"`
	ActionContractID string             `json:"action_contract_id,omitempty"`
	PlaybookRunID    string             `json:"playbook_run_id,omitempty"`
	Manifest         Manifest           `json:"manifest"`
	ManifestHash     string             `json:"manifest_hash"`
	StorageURI       string             `json:"storage_uri"`
	BaselineMetrics  map[string]float64 `json:"baseline_metrics,omitempty"`
	HealthScore      float64            `json:"health_score"`
	Status           SnapshotStatus     `json:"status"`
	IsGolden         bool               `json:"is_golden"`
	IsValidated      bool               `json:"is_validated"`
	ValidatedByRunID string             `json:"validated_by_run_id,omitempty"`
	Notes            string             `json:"notes,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	RestoredAt       *time.Time         `json:"restored_at,omitempty"`
}

// ComponentRestore is the per-component outcome of a restore pass.
type ComponentRestore struct {
	Type   string `json:"type"`
	Status string `json:"status"` // restored | skipped | error | valid
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RestoreResult reports a restore (or dry-run validation) of a snapshot.
type RestoreResult struct {
	SnapshotID string             `json:"snapshot_id"`
	DryRun     bool               `json:"dry_run"`
	Verified   bool               `json:"verified"`
	Components []ComponentRestore `json:"components"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}
