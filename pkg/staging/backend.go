// Package staging owns artifact byte content: pluggable storage
// backends plus the Area service that coordinates a backend with the
// metadata store and receipt outbox.
package staging

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// ChunkSize is the read granularity for streamed retrieval.
const ChunkSize = 64 * 1024

// StorageBackend is the storage capability. Location strings are opaque
// to callers and must be validated by the backend on every resolution.
type StorageBackend interface {
	// Store writes content, computing a running SHA-256. Exceeding the
	// backend's size limit aborts the write, removes any partial
	// content, and returns contracts.ErrSizeLimit.
	Store(ctx context.Context, tenantID, rootTaskID string, artifactID uuid.UUID, content io.Reader, mimeType string) (location string, sizeBytes int64, sha256Hex string, err error)

	// Retrieve returns the full content, contracts.ErrNotFound if absent.
	Retrieve(ctx context.Context, location string) ([]byte, error)

	// RetrieveStream returns a reader over the content. Callers own the
	// Close.
	RetrieveStream(ctx context.Context, location string) (io.ReadCloser, error)

	// Delete removes content. Returns false (no error) if already
	// absent.
	Delete(ctx context.Context, location string) (bool, error)

	Exists(ctx context.Context, location string) (bool, error)
	Size(ctx context.Context, location string) (int64, error)
}

// BackendType selects a storage backend implementation.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// BackendConfig carries the settings the factory needs.
type BackendConfig struct {
	Type             BackendType
	BasePath         string // fs root
	MaxArtifactBytes int64  // 0 = unlimited
	S3Bucket         string
	S3Region         string
	S3Endpoint       string // optional, MinIO/LocalStack
	S3Prefix         string
	GCSBucket        string
	GCSPrefix        string
}
