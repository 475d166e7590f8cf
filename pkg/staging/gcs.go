//go:build gcp

package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/depotgate/depotgate/pkg/contracts"
)

const gcsScheme = "gcs://"

// GCSBackend stores artifact content in a Google Cloud Storage bucket.
// Uses ADC for credentials.
type GCSBackend struct {
	client   *storage.Client
	bucket   string
	prefix   string
	maxBytes int64
}

// NewGCSBackend creates the backend.
func NewGCSBackend(ctx context.Context, cfg BackendConfig) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSBackend{
		client:   client,
		bucket:   cfg.GCSBucket,
		prefix:   cfg.GCSPrefix,
		maxBytes: cfg.MaxArtifactBytes,
	}, nil
}

func (b *GCSBackend) object(location string) (string, error) {
	if !strings.HasPrefix(location, gcsScheme) {
		return "", fmt.Errorf("%w: location %q lacks %s prefix", contracts.ErrPathEscape, location, gcsScheme)
	}
	key := strings.TrimPrefix(location, gcsScheme)
	if cleaned := path.Clean("/" + key); strings.Contains(cleaned, "..") || cleaned == "/" {
		return "", fmt.Errorf("%w: location %q", contracts.ErrPathEscape, location)
	}
	return key, nil
}

func (b *GCSBackend) Store(ctx context.Context, tenantID, rootTaskID string, artifactID uuid.UUID, content io.Reader, mimeType string) (string, int64, string, error) {
	key := path.Join(b.prefix, sanitizeComponent(tenantID), sanitizeComponent(rootTaskID), artifactID.String())

	var buf bytes.Buffer
	hasher := sha256.New()
	limited := io.Reader(content)
	if b.maxBytes > 0 {
		limited = io.LimitReader(content, b.maxBytes+1)
	}
	size, err := io.Copy(io.MultiWriter(&buf, hasher), limited)
	if err != nil {
		return "", 0, "", fmt.Errorf("read content: %w", err)
	}
	if b.maxBytes > 0 && size > b.maxBytes {
		return "", 0, "", fmt.Errorf("%w: limit %d bytes", contracts.ErrSizeLimit, b.maxBytes)
	}

	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = mimeType
	if _, err := w.Write(buf.Bytes()); err != nil {
		_ = w.Close()
		return "", 0, "", fmt.Errorf("gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", 0, "", fmt.Errorf("gcs commit: %w", err)
	}
	return gcsScheme + key, size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (b *GCSBackend) Retrieve(ctx context.Context, location string) ([]byte, error) {
	rc, err := b.RetrieveStream(ctx, location)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("gcs read: %w", err)
	}
	return data, nil
}

func (b *GCSBackend) RetrieveStream(ctx context.Context, location string) (io.ReadCloser, error) {
	key, err := b.object(location)
	if err != nil {
		return nil, err
	}
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("artifact at %s: %w", location, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs open: %w", err)
	}
	return r, nil
}

func (b *GCSBackend) Delete(ctx context.Context, location string) (bool, error) {
	key, err := b.object(location)
	if err != nil {
		return false, err
	}
	err = b.client.Bucket(b.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs delete: %w", err)
	}
	return true, nil
}

func (b *GCSBackend) Exists(ctx context.Context, location string) (bool, error) {
	key, err := b.object(location)
	if err != nil {
		return false, err
	}
	_, err = b.client.Bucket(b.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs: %w", err)
	}
	return true, nil
}

func (b *GCSBackend) Size(ctx context.Context, location string) (int64, error) {
	key, err := b.object(location)
	if err != nil {
		return 0, err
	}
	attrs, err := b.client.Bucket(b.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return 0, fmt.Errorf("artifact at %s: %w", location, contracts.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("gcs attrs: %w", err)
	}
	return attrs.Size, nil
}
