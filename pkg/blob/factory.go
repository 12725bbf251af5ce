package blob

import (
	"context"
	"fmt"
)

// Backend selects a blob storage implementation.
type Backend string

const (
	BackendFile Backend = "file"
	BackendS3   Backend = "s3"
	BackendGCS  Backend = "gcs"
)

// FactoryConfig carries the union of backend settings; only the selected
// backend's fields are consulted.
type FactoryConfig struct {
	Backend Backend
	Dir     string // file backend
	S3      S3Config
	GCS     GCSConfig
}

// New constructs the configured blob store.
func New(ctx context.Context, cfg FactoryConfig) (Store, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileStore(cfg.Dir)
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case BackendGCS:
		return NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", cfg.Backend)
	}
}
