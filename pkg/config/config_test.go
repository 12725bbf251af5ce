package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"SAFEHOLD_DB", "SAFEHOLD_TARGET_DB", "SAFEHOLD_BLOB_BACKEND", "SAFEHOLD_BLOB_DIR",
		"SAFEHOLD_CONFIG_DIR", "SAFEHOLD_AUDIT_DATABASE_URL",
		"SAFEHOLD_BENCHMARK_PROFILE", "SAFEHOLD_TELEMETRY",
		"LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := Load()
	assert.Equal(t, "safehold.db", cfg.DBPath)
	assert.Equal(t, "safehold-target.db", cfg.TargetDBPath)
	assert.Equal(t, "file", cfg.BlobBackend)
	assert.Equal(t, "safehold-blobs", cfg.BlobDir)
	assert.Equal(t, "config", cfg.ConfigDir)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.False(t, cfg.Telemetry)
	assert.Empty(t, cfg.AuditDatabaseURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SAFEHOLD_DB", "/var/lib/safehold/engine.db")
	t.Setenv("SAFEHOLD_TARGET_DB", "/var/lib/app/data.db")
	t.Setenv("SAFEHOLD_BLOB_BACKEND", "s3")
	t.Setenv("SAFEHOLD_S3_BUCKET", "safehold-snapshots")
	t.Setenv("SAFEHOLD_S3_REGION", "eu-west-1")
	t.Setenv("SAFEHOLD_AUDIT_DATABASE_URL", "postgres://audit:pw@db/audit")
	t.Setenv("SAFEHOLD_TELEMETRY", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	assert.Equal(t, "/var/lib/safehold/engine.db", cfg.DBPath)
	assert.Equal(t, "/var/lib/app/data.db", cfg.TargetDBPath)
	assert.Equal(t, "s3", cfg.BlobBackend)
	assert.Equal(t, "safehold-snapshots", cfg.S3Bucket)
	assert.Equal(t, "eu-west-1", cfg.S3Region)
	assert.Equal(t, "postgres://audit:pw@db/audit", cfg.AuditDatabaseURL)
	assert.True(t, cfg.Telemetry)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestDefaultBenchmarkProfile(t *testing.T) {
	p := DefaultBenchmarkProfile()
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, 20.0, p.DriftThresholdPercent)
	assert.Equal(t, 30*time.Second, p.ProbeTimeout)
	assert.Equal(t, 50, p.Latency.Requests)
	assert.Equal(t, 16, p.Concurrency.Tasks)
	assert.Equal(t, 90.0, p.Resources.MaxMemoryPercent)
}

func TestLoadBenchmarkProfilePartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	yaml := `name: staging
drift_threshold_percent: 35
latency:
  requests: 200
  max_p95_ms: 80
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	p, err := LoadBenchmarkProfile(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", p.Name)
	assert.Equal(t, 35.0, p.DriftThresholdPercent)
	assert.Equal(t, 200, p.Latency.Requests)
	assert.Equal(t, 80.0, p.Latency.MaxP95MS)

	// Unset fields keep the built-in defaults.
	assert.Equal(t, 30*time.Second, p.ProbeTimeout)
	assert.Equal(t, 100.0, p.Latency.RatePerSecond)
	assert.Equal(t, 16, p.Concurrency.Tasks)
	assert.Equal(t, 95.0, p.Resources.MaxCPUPercent)
}

func TestLoadBenchmarkProfileZeroFallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	yaml := `drift_threshold_percent: 0
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	p, err := LoadBenchmarkProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, 20.0, p.DriftThresholdPercent)
}

func TestLoadBenchmarkProfileMissingFile(t *testing.T) {
	_, err := LoadBenchmarkProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBenchmarkProfileBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("latency: [not a map"), 0o600))
	_, err := LoadBenchmarkProfile(path)
	assert.Error(t, err)
}
