// Package snapshot captures and restores point-in-time system state with
// integrity hashing. Restores fail closed: a manifest whose recomputed hash
// does not match the persisted hash is never applied.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/safeholdhq/safehold/pkg/audit"
	"github.com/safeholdhq/safehold/pkg/blob"
	"github.com/safeholdhq/safehold/pkg/canonicalize"
	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/store"
)

var (
	// ErrIntegrityViolation means the stored manifest hash does not match
	// the manifest recomputed from durable storage. The restore is refused.
	ErrIntegrityViolation = errors.New("snapshot manifest integrity violation")
	// ErrSchemaIncompatible means the manifest was written by an engine
	// with a different major schema version.
	ErrSchemaIncompatible = errors.New("snapshot manifest schema incompatible")
)

// Manager is the snapshot subsystem: capture, validate, restore.
type Manager struct {
	snapshots *store.SnapshotStore
	blobs     blob.Store
	capturers []StateCapturer
	auditLog  audit.Logger
	log       *slog.Logger
	now       func() time.Time

	// restoreMu serializes restores. A restore mutates shared store/disk
	// state; two interleaved restores would corrupt both.
	restoreMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a snapshot manager over the given capturers.
func NewManager(ss *store.SnapshotStore, blobs blob.Store, capturers []StateCapturer, auditLog audit.Logger, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		snapshots: ss,
		blobs:     blobs,
		capturers: capturers,
		auditLog:  auditLog,
		log:       log,
		now:       time.Now,
	}
	if m.auditLog == nil {
		m.auditLog = audit.Nop{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest carries snapshot creation parameters.
type CreateRequest struct {
	Type             contracts.SnapshotType
	TriggeredBy      string
	ActionContractID string
	PlaybookRunID    string
	Notes            string
}

// CreateSnapshot captures every registered component independently. A
// failure in one component is recorded in the manifest and does not abort
// the others; partial captures are persisted and usable in degraded form.
func (m *Manager) CreateSnapshot(ctx context.Context, req CreateRequest) (*contracts.SafeHoldSnapshot, error) {
	id := "snap-" + uuid.New().String()
	createdAt := m.now().UTC()

	manifest := contracts.Manifest{
		SchemaVersion: contracts.ManifestSchemaVersion,
		Components:    make(map[string]contracts.ComponentCapture, len(m.capturers)),
	}
	baseline := map[string]float64{}
	captured := 0

	for _, capturer := range m.capturers {
		componentType := capturer.ComponentType()
		capture, err := m.captureOne(ctx, capturer)
		if err != nil {
			m.log.Warn("component capture failed",
				"snapshot_id", id, "component", componentType, "error", err)
			manifest.Components[componentType] = contracts.ComponentCapture{
				Type:   componentType,
				Status: contracts.CaptureError,
				Error:  err.Error(),
			}
			continue
		}
		manifest.Components[componentType] = *capture
		captured++

		if componentType == ComponentHealth {
			for k, v := range capture.Metadata {
				if f, ok := v.(float64); ok {
					baseline[k] = f
				}
			}
		}
	}

	manifestHash, err := canonicalize.Hash(manifest)
	if err != nil {
		return nil, fmt.Errorf("snapshot: hash manifest: %w", err)
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode manifest: %w", err)
	}
	storageURI, err := m.blobs.Store(ctx, manifestJSON)
	if err != nil {
		return nil, fmt.Errorf("snapshot: persist manifest: %w", err)
	}

	healthScore := 0.0
	if len(m.capturers) > 0 {
		healthScore = 100 * float64(captured) / float64(len(m.capturers))
	}

	snap := &contracts.SafeHoldSnapshot{
		ID:               id,
		Type:             req.Type,
		TriggeredBy:      req.TriggeredBy,
		ActionContractID: req.ActionContractID,
		PlaybookRunID:    req.PlaybookRunID,
		Manifest:         manifest,
		ManifestHash:     manifestHash,
		StorageURI:       storageURI,
		BaselineMetrics:  baseline,
		HealthScore:      healthScore,
		Status:           contracts.SnapshotActive,
		Notes:            req.Notes,
		CreatedAt:        createdAt,
	}
	if err := m.snapshots.Create(ctx, snap); err != nil {
		return nil, err
	}

	if err := m.auditLog.Record(ctx, req.TriggeredBy, "create_snapshot", id, "snapshot", map[string]any{
		"snapshot_type": string(req.Type),
		"components":    len(manifest.Components),
		"captured":      captured,
		"manifest_hash": manifestHash,
	}, "created"); err != nil {
		m.log.Warn("audit append failed", "action", "create_snapshot", "error", err)
	}

	m.log.Info("snapshot created",
		"snapshot_id", id,
		"type", string(req.Type),
		"captured", captured,
		"total", len(m.capturers))
	return snap, nil
}

// captureOne isolates a capturer: a panic inside one component must not
// take down the whole snapshot.
func (m *Manager) captureOne(ctx context.Context, capturer StateCapturer) (capture *contracts.ComponentCapture, err error) {
	defer func() {
		if r := recover(); r != nil {
			capture = nil
			err = fmt.Errorf("capturer panic: %v", r)
		}
	}()
	return capturer.Capture(ctx)
}

// RestoreSnapshot restores system state from a snapshot. The integrity
// check always precedes any mutation; dryRun validates and reports without
// touching anything.
func (m *Manager) RestoreSnapshot(ctx context.Context, snapshotID string, dryRun bool) (*contracts.RestoreResult, error) {
	snap, err := m.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	result := &contracts.RestoreResult{
		SnapshotID: snapshotID,
		DryRun:     dryRun,
		StartedAt:  m.now().UTC(),
	}

	// 1. Integrity: refetch the manifest from durable storage, recompute
	// its canonical hash, and compare against the persisted hash.
	manifestJSON, err := m.blobs.Get(ctx, snap.StorageURI)
	if err != nil {
		return nil, fmt.Errorf("snapshot: fetch manifest: %w", err)
	}
	var manifest contracts.Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, fmt.Errorf("snapshot: decode manifest: %w", err)
	}
	recomputed, err := canonicalize.Hash(manifest)
	if err != nil {
		return nil, fmt.Errorf("snapshot: rehash manifest: %w", err)
	}
	if recomputed != snap.ManifestHash {
		m.recordRestoreAudit(ctx, snap, dryRun, "integrity_violation")
		return nil, fmt.Errorf("%w: stored %s, recomputed %s", ErrIntegrityViolation, snap.ManifestHash, recomputed)
	}

	// 2. Schema compatibility gate.
	if err := checkSchemaVersion(manifest.SchemaVersion); err != nil {
		m.recordRestoreAudit(ctx, snap, dryRun, "schema_incompatible")
		return nil, err
	}
	result.Verified = true

	// 3. Dry run: report what a restore would do, mutate nothing.
	if dryRun {
		for componentType, capture := range manifest.Components {
			cr := contracts.ComponentRestore{Type: componentType}
			switch {
			case !capture.Captured():
				cr.Status = "skipped"
				cr.Detail = "component was not captured"
			default:
				ok, err := m.blobs.Exists(ctx, capture.BlobURI)
				if err != nil || !ok {
					cr.Status = "error"
					cr.Error = "component blob missing"
				} else {
					cr.Status = "valid"
				}
			}
			result.Components = append(result.Components, cr)
		}
		result.FinishedAt = m.now().UTC()
		m.recordRestoreAudit(ctx, snap, dryRun, "validated")
		return result, nil
	}

	// 4. Real restore. Serialized: restores mutate shared state.
	m.restoreMu.Lock()
	defer m.restoreMu.Unlock()

	for _, capturer := range m.capturers {
		componentType := capturer.ComponentType()
		capture, ok := manifest.Components[componentType]
		cr := contracts.ComponentRestore{Type: componentType}

		if !ok || !capture.Captured() {
			cr.Status = "skipped"
			cr.Detail = "component was not captured"
			result.Components = append(result.Components, cr)
			continue
		}

		// Back up the current state before overwriting it, so a botched
		// restore is itself recoverable.
		if backup, err := m.captureOne(ctx, capturer); err == nil {
			cr.Detail = "pre-restore backup " + backup.BlobURI
		} else {
			m.log.Warn("pre-restore backup failed",
				"snapshot_id", snapshotID, "component", componentType, "error", err)
		}

		if err := capturer.Restore(ctx, &capture); err != nil {
			cr.Status = "error"
			cr.Error = err.Error()
		} else {
			cr.Status = "restored"
		}
		result.Components = append(result.Components, cr)
	}

	restoredAt := m.now().UTC()
	if err := m.snapshots.MarkRestored(ctx, snapshotID, restoredAt); err != nil {
		return nil, err
	}
	result.FinishedAt = restoredAt

	m.recordRestoreAudit(ctx, snap, dryRun, "restored")
	m.log.Info("snapshot restored", "snapshot_id", snapshotID, "components", len(result.Components))
	return result, nil
}

// ValidateSnapshot is the only path that marks a snapshot validated and
// golden, gated strictly on the benchmark run having passed.
func (m *Manager) ValidateSnapshot(ctx context.Context, snapshotID string, bench *contracts.BenchmarkRun) (bool, error) {
	if bench == nil || !bench.Passed {
		return false, nil
	}
	if err := m.snapshots.MarkGolden(ctx, snapshotID, bench.RunID); err != nil {
		return false, err
	}
	if err := m.auditLog.Record(ctx, bench.TriggeredBy, "validate_snapshot", snapshotID, "snapshot", map[string]any{
		"benchmark_run_id": bench.RunID,
	}, "golden"); err != nil {
		m.log.Warn("audit append failed", "action", "validate_snapshot", "error", err)
	}
	m.log.Info("snapshot promoted to golden", "snapshot_id", snapshotID, "run_id", bench.RunID)
	return true, nil
}

// InvalidateSnapshot retires a snapshot from service without deleting it.
func (m *Manager) InvalidateSnapshot(ctx context.Context, snapshotID, reason string) error {
	if err := m.snapshots.Invalidate(ctx, snapshotID, reason); err != nil {
		return err
	}
	if err := m.auditLog.Record(ctx, "system", "invalidate_snapshot", snapshotID, "snapshot", map[string]any{
		"reason": reason,
	}, "invalidated"); err != nil {
		m.log.Warn("audit append failed", "action", "invalidate_snapshot", "error", err)
	}
	return nil
}

// LatestGolden returns the most recent active golden snapshot, or nil.
func (m *Manager) LatestGolden(ctx context.Context) (*contracts.SafeHoldSnapshot, error) {
	return m.snapshots.LatestGolden(ctx)
}

// Get returns a snapshot by id.
func (m *Manager) Get(ctx context.Context, snapshotID string) (*contracts.SafeHoldSnapshot, error) {
	return m.snapshots.Get(ctx, snapshotID)
}

func (m *Manager) recordRestoreAudit(ctx context.Context, snap *contracts.SafeHoldSnapshot, dryRun bool, outcome string) {
	if err := m.auditLog.Record(ctx, snap.TriggeredBy, "restore_snapshot", snap.ID, "snapshot", map[string]any{
		"dry_run": dryRun,
	}, outcome); err != nil {
		m.log.Warn("audit append failed", "action", "restore_snapshot", "error", err)
	}
}

func checkSchemaVersion(version string) error {
	manifestVer, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q", ErrSchemaIncompatible, version)
	}
	engineVer := semver.MustParse(contracts.ManifestSchemaVersion)
	if manifestVer.Major() != engineVer.Major() {
		return fmt.Errorf("%w: manifest %s, engine %s", ErrSchemaIncompatible, version, contracts.ManifestSchemaVersion)
	}
	return nil
}
