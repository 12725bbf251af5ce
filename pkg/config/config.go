package config

import "os"

// Config holds engine configuration.
type Config struct {
	// DBPath is the SQLite database file for contracts, snapshots,
	// benchmark runs, and missions.
	DBPath string
	// TargetDBPath is the managed system's SQLite store, the file the
	// primary-store snapshot component captures and restores. It must not
	// be the engine's own database: restores rewrite this file while the
	// engine keeps writing its bookkeeping.
	TargetDBPath string
	// AuditDatabaseURL, when set, sends audit entries to Postgres instead
	// of the local SQLite store.
	AuditDatabaseURL string
	// BlobBackend selects snapshot blob storage: "file", "s3", or "gcs".
	BlobBackend string
	BlobDir     string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	GCSBucket   string
	// ConfigDir is the directory captured by the config snapshot component.
	ConfigDir string
	// ProfilePath is the benchmark profile YAML. Empty means built-in
	// defaults.
	ProfilePath  string
	LogLevel     string
	OTLPEndpoint string
	Telemetry    bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	dbPath := os.Getenv("SAFEHOLD_DB")
	if dbPath == "" {
		dbPath = "safehold.db"
	}

	targetDBPath := os.Getenv("SAFEHOLD_TARGET_DB")
	if targetDBPath == "" {
		targetDBPath = "safehold-target.db"
	}

	backend := os.Getenv("SAFEHOLD_BLOB_BACKEND")
	if backend == "" {
		backend = "file"
	}

	blobDir := os.Getenv("SAFEHOLD_BLOB_DIR")
	if blobDir == "" {
		blobDir = "safehold-blobs"
	}

	configDir := os.Getenv("SAFEHOLD_CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	return &Config{
		DBPath:           dbPath,
		TargetDBPath:     targetDBPath,
		AuditDatabaseURL: os.Getenv("SAFEHOLD_AUDIT_DATABASE_URL"),
		BlobBackend:      backend,
		BlobDir:          blobDir,
		S3Bucket:         os.Getenv("SAFEHOLD_S3_BUCKET"),
		S3Region:         os.Getenv("SAFEHOLD_S3_REGION"),
		S3Endpoint:       os.Getenv("SAFEHOLD_S3_ENDPOINT"),
		GCSBucket:        os.Getenv("SAFEHOLD_GCS_BUCKET"),
		ConfigDir:        configDir,
		ProfilePath:      os.Getenv("SAFEHOLD_BENCHMARK_PROFILE"),
		LogLevel:         logLevel,
		OTLPEndpoint:     otlpEndpoint,
		Telemetry:        os.Getenv("SAFEHOLD_TELEMETRY") == "true",
	}
}
