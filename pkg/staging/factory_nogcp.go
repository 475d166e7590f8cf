//go:build !gcp

package staging

import (
	"context"
	"fmt"
)

func newGCSBackend(ctx context.Context, cfg BackendConfig) (StorageBackend, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
