package staging

import (
	"context"
	"fmt"
)

// NewBackend builds a storage backend from config.
func NewBackend(ctx context.Context, cfg BackendConfig) (StorageBackend, error) {
	switch cfg.Type {
	case BackendFS, "":
		return NewFSBackend(cfg.BasePath, cfg.MaxArtifactBytes)
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 backend requires a bucket")
		}
		return NewS3Backend(ctx, cfg)
	case BackendGCS:
		return newGCSBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Type)
	}
}
