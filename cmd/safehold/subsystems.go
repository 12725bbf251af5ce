package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/safeholdhq/safehold/pkg/audit"
	"github.com/safeholdhq/safehold/pkg/benchmark"
	"github.com/safeholdhq/safehold/pkg/blob"
	"github.com/safeholdhq/safehold/pkg/config"
	"github.com/safeholdhq/safehold/pkg/mission"
	"github.com/safeholdhq/safehold/pkg/snapshot"
	"github.com/safeholdhq/safehold/pkg/store"

	_ "github.com/lib/pq" // Postgres driver for the audit store
)

// subsystems bundles every wired component the subcommands need.
type subsystems struct {
	cfg        *config.Config
	db         *sql.DB
	blobs      blob.Store
	contracts  *store.ContractStore
	snapshots  *snapshot.Manager
	bench      *benchmark.Suite
	missions   *mission.Tracker
	auditLog   audit.Logger
	auditStore store.AuditStore
	log        *slog.Logger
}

// buildSubsystems wires storage, audit, snapshot, and benchmark components
// from configuration. Callers own closing the returned subsystems.
func buildSubsystems(ctx context.Context, cfg *config.Config) (*subsystems, error) {
	log := newLogger(cfg.LogLevel)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open primary store: %w", err)
	}

	blobs, err := blob.New(ctx, blob.FactoryConfig{
		Backend: blob.Backend(cfg.BlobBackend),
		Dir:     cfg.BlobDir,
		S3: blob.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		},
		GCS: blob.GCSConfig{Bucket: cfg.GCSBucket},
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	auditStore, err := buildAuditStore(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	auditLog := audit.NewStoreLogger(auditStore)

	contractStore, err := store.NewContractStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	snapshotStore, err := store.NewSnapshotStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	benchStore, err := store.NewBenchmarkStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	missionStore, err := store.NewMissionStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := checkTargetStorePath(cfg); err != nil {
		db.Close()
		return nil, err
	}
	capturers := []snapshot.StateCapturer{
		snapshot.NewStoreCheckpointCapturer(cfg.TargetDBPath, blobs),
		snapshot.NewConfigExportCapturer(cfg.ConfigDir, blobs),
		snapshot.NewHealthMetricsCapturer(blobs),
	}
	snapshots := snapshot.NewManager(snapshotStore, blobs, capturers, auditLog, log)

	profile := config.DefaultBenchmarkProfile()
	if cfg.ProfilePath != "" {
		profile, err = config.LoadBenchmarkProfile(cfg.ProfilePath)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	bench := buildBenchmarkSuite(db, blobs, benchStore, auditLog, log, profile)

	missions := mission.NewTracker(missionStore, auditLog, log)

	return &subsystems{
		cfg:        cfg,
		db:         db,
		blobs:      blobs,
		contracts:  contractStore,
		snapshots:  snapshots,
		bench:      bench,
		missions:   missions,
		auditLog:   auditLog,
		auditStore: auditStore,
		log:        log,
	}, nil
}

func (s *subsystems) Close() error {
	return s.db.Close()
}

func (s *subsystems) recentAudit(ctx context.Context, limit int) ([]*store.AuditEntry, error) {
	return s.auditStore.Recent(ctx, limit)
}

// checkTargetStorePath rejects a target store that aliases the engine's own
// database. A restore renames a checkpoint over the target file; pointing it
// at the bookkeeping database would strand the engine's open pool on the
// replaced inode and silently drop every write made after the swap.
func checkTargetStorePath(cfg *config.Config) error {
	target, err := filepath.Abs(cfg.TargetDBPath)
	if err != nil {
		return fmt.Errorf("resolve target store path: %w", err)
	}
	own, err := filepath.Abs(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("resolve primary store path: %w", err)
	}
	if target == own {
		return fmt.Errorf("target store %s must not be the engine's own database", cfg.TargetDBPath)
	}
	return nil
}

// buildAuditStore prefers Postgres when a URL is configured, falling back
// to the local SQLite store.
func buildAuditStore(db *sql.DB, cfg *config.Config) (store.AuditStore, error) {
	if cfg.AuditDatabaseURL != "" {
		pg, err := sql.Open("postgres", cfg.AuditDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		as, err := store.NewPostgresAuditStore(pg)
		if err != nil {
			return nil, err
		}
		return as, nil
	}
	as, err := store.NewSQLiteAuditStore(db)
	if err != nil {
		return nil, err
	}
	return as, nil
}

func buildBenchmarkSuite(db *sql.DB, blobs blob.Store, benchStore *store.BenchmarkStore, auditLog audit.Logger, log *slog.Logger, profile *config.BenchmarkProfile) *benchmark.Suite {
	storeOp := func(ctx context.Context) error {
		var one int
		return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	}

	smoke := []benchmark.Probe{
		&benchmark.StorePingProbe{DB: db},
		&benchmark.LivenessProbe{Check: storeOp},
		&benchmark.SubsystemReachabilityProbe{Blobs: blobs},
		&benchmark.ExecutionPathProbe{Dispatch: storeOp},
	}
	extended := []benchmark.Probe{
		&benchmark.LatencyUnderLoadProbe{
			Op:        storeOp,
			Requests:  profile.Latency.Requests,
			PerSecond: profile.Latency.RatePerSecond,
			MaxP95MS:  profile.Latency.MaxP95MS,
		},
		&benchmark.ConcurrencyProbe{
			Op:    storeOp,
			Tasks: profile.Concurrency.Tasks,
		},
		&benchmark.ResourceCeilingProbe{
			MaxMemoryPercent: profile.Resources.MaxMemoryPercent,
			MaxCPUPercent:    profile.Resources.MaxCPUPercent,
		},
	}

	return benchmark.NewSuite(benchStore, smoke, extended, auditLog, log,
		benchmark.WithDriftThreshold(profile.DriftThresholdPercent),
		benchmark.WithProbeTimeout(profile.ProbeTimeout))
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
