//go:build gcp

package staging

import (
	"context"
	"fmt"
)

func newGCSBackend(ctx context.Context, cfg BackendConfig) (StorageBackend, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("gcs backend requires a bucket")
	}
	return NewGCSBackend(ctx, cfg)
}
