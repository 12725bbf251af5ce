package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/safeholdhq/safehold/pkg/blob"
	"github.com/safeholdhq/safehold/pkg/contracts"
	"github.com/safeholdhq/safehold/pkg/store"
)

// Component type names used in manifests. Stable identifiers: restores
// match captures to capturers by these strings.
const (
	ComponentPrimaryStore = "primary_store"
	ComponentConfig       = "config_export"
	ComponentHealth       = "health_metrics"
)

// StateCapturer captures and restores one component of system state.
// Implementations must be independent: a capturer sees only its own
// component and never another's blobs.
type StateCapturer interface {
	// ComponentType returns the stable manifest key for this component.
	ComponentType() string
	// Capture persists the component's current state to the blob store and
	// returns its manifest entry.
	Capture(ctx context.Context) (*contracts.ComponentCapture, error)
	// Restore overwrites the component's current state from a capture.
	Restore(ctx context.Context, capture *contracts.ComponentCapture) error
}

// StoreCheckpointCapturer captures the managed system's SQLite store by
// checkpointing it into a single consistent file (VACUUM INTO) and
// persisting the bytes to the blob store. It opens a short-lived
// connection per operation and never holds the store open, so Restore can
// swap the file without leaving writers on a replaced inode.
//
// The captured store must be the managed target's data store, never the
// engine's own bookkeeping database: a restore rewrites this file, and the
// engine keeps writing snapshot status and audit entries after the swap.
type StoreCheckpointCapturer struct {
	dbPath string
	blobs  blob.Store
}

// NewStoreCheckpointCapturer creates a capturer for the SQLite store at
// dbPath.
func NewStoreCheckpointCapturer(dbPath string, blobs blob.Store) *StoreCheckpointCapturer {
	return &StoreCheckpointCapturer{dbPath: dbPath, blobs: blobs}
}

func (c *StoreCheckpointCapturer) ComponentType() string { return ComponentPrimaryStore }

func (c *StoreCheckpointCapturer) Capture(ctx context.Context) (*contracts.ComponentCapture, error) {
	db, err := store.Open(c.dbPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open store: %w", err)
	}
	defer db.Close()

	tmp := fmt.Sprintf("%s.ckpt-%d", c.dbPath, time.Now().UnixNano())
	defer func() { _ = os.Remove(tmp) }()

	// VACUUM INTO produces a consistent point-in-time copy without
	// blocking writers under WAL. SQLite has no placeholder for the
	// target path, so the literal is quote-escaped by hand.
	quoted := strings.ReplaceAll(tmp, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return nil, fmt.Errorf("snapshot: checkpoint store: %w", err)
	}
	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read checkpoint: %w", err)
	}
	addr, err := c.blobs.Store(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("snapshot: persist checkpoint: %w", err)
	}
	return &contracts.ComponentCapture{
		Type:    ComponentPrimaryStore,
		Status:  contracts.CaptureOK,
		BlobURI: addr,
		Digest:  addr,
		Metadata: map[string]any{
			"bytes": len(data),
			"path":  c.dbPath,
		},
	}, nil
}

func (c *StoreCheckpointCapturer) Restore(ctx context.Context, capture *contracts.ComponentCapture) error {
	data, err := c.blobs.Get(ctx, capture.BlobURI)
	if err != nil {
		return fmt.Errorf("snapshot: fetch checkpoint: %w", err)
	}
	// Write beside the live file, then rename over it. The manager holds
	// the restore lock, so no concurrent restore can interleave. The
	// checkpoint is a plain single-file image; stale WAL sidecars from the
	// replaced store must not be recovered into it.
	for _, sidecar := range []string{c.dbPath + "-wal", c.dbPath + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("snapshot: clear sidecar %s: %w", sidecar, err)
		}
	}
	tmp := c.dbPath + ".restore"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: stage checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.dbPath); err != nil {
		return fmt.Errorf("snapshot: swap checkpoint: %w", err)
	}
	return nil
}

// ConfigExportCapturer archives a configuration directory as a JSON map of
// relative path to file content.
type ConfigExportCapturer struct {
	dir   string
	blobs blob.Store
}

// NewConfigExportCapturer creates a capturer for the config directory.
func NewConfigExportCapturer(dir string, blobs blob.Store) *ConfigExportCapturer {
	return &ConfigExportCapturer{dir: dir, blobs: blobs}
}

func (c *ConfigExportCapturer) ComponentType() string { return ComponentConfig }

func (c *ConfigExportCapturer) Capture(ctx context.Context) (*contracts.ComponentCapture, error) {
	files := map[string]string{}
	err := filepath.WalkDir(c.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			return err
		}
		files[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: export config: %w", err)
	}
	payload, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode config export: %w", err)
	}
	addr, err := c.blobs.Store(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("snapshot: persist config export: %w", err)
	}
	return &contracts.ComponentCapture{
		Type:     ComponentConfig,
		Status:   contracts.CaptureOK,
		BlobURI:  addr,
		Digest:   addr,
		Metadata: map[string]any{"files": len(files)},
	}, nil
}

func (c *ConfigExportCapturer) Restore(ctx context.Context, capture *contracts.ComponentCapture) error {
	payload, err := c.blobs.Get(ctx, capture.BlobURI)
	if err != nil {
		return fmt.Errorf("snapshot: fetch config export: %w", err)
	}
	var files map[string]string
	if err := json.Unmarshal(payload, &files); err != nil {
		return fmt.Errorf("snapshot: decode config export: %w", err)
	}
	for rel, content := range files {
		path := filepath.Join(c.dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("snapshot: restore config dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("snapshot: restore config file %s: %w", rel, err)
		}
	}
	return nil
}

// HealthMetricsCapturer records a baseline of host health metrics. The
// baseline is reference data for later comparison; restore is a no-op by
// design since host metrics are not restorable state.
type HealthMetricsCapturer struct {
	blobs blob.Store
}

// NewHealthMetricsCapturer creates the host metrics capturer.
func NewHealthMetricsCapturer(blobs blob.Store) *HealthMetricsCapturer {
	return &HealthMetricsCapturer{blobs: blobs}
}

func (c *HealthMetricsCapturer) ComponentType() string { return ComponentHealth }

func (c *HealthMetricsCapturer) Capture(ctx context.Context) (*contracts.ComponentCapture, error) {
	metrics := map[string]float64{}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics["memory_used_percent"] = vm.UsedPercent
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		metrics["cpu_percent"] = percents[0]
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		metrics["disk_used_percent"] = du.UsedPercent
	}

	payload, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode health baseline: %w", err)
	}
	addr, err := c.blobs.Store(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("snapshot: persist health baseline: %w", err)
	}

	meta := make(map[string]any, len(metrics))
	for k, v := range metrics {
		meta[k] = v
	}
	return &contracts.ComponentCapture{
		Type:     ComponentHealth,
		Status:   contracts.CaptureOK,
		BlobURI:  addr,
		Digest:   addr,
		Metadata: meta,
	}, nil
}

func (c *HealthMetricsCapturer) Restore(ctx context.Context, capture *contracts.ComponentCapture) error {
	// Baseline metrics describe the host at capture time; there is nothing
	// to write back.
	return nil
}
