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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/depotgate/depotgate/pkg/contracts"
)

const s3Scheme = "s3://"

// S3Backend stores artifact content in an S3 bucket. Locations are
// "s3://<key>" with the same sanitized tenant/task namespacing as the
// filesystem backend.
type S3Backend struct {
	client   *s3.Client
	bucket   string
	prefix   string
	maxBytes int64
}

// NewS3Backend loads AWS config and returns the backend. Endpoint, when
// set, switches to path-style addressing for MinIO/LocalStack.
func NewS3Backend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Backend{
		client:   client,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		maxBytes: cfg.MaxArtifactBytes,
	}, nil
}

func (b *S3Backend) key(location string) (string, error) {
	if !strings.HasPrefix(location, s3Scheme) {
		return "", fmt.Errorf("%w: location %q lacks %s prefix", contracts.ErrPathEscape, location, s3Scheme)
	}
	key := strings.TrimPrefix(location, s3Scheme)
	// Keys are flat but the containment rule still applies: no parent
	// traversal tokens survive a clean.
	if cleaned := path.Clean("/" + key); strings.Contains(cleaned, "..") || cleaned == "/" {
		return "", fmt.Errorf("%w: location %q", contracts.ErrPathEscape, location)
	}
	return key, nil
}

func (b *S3Backend) Store(ctx context.Context, tenantID, rootTaskID string, artifactID uuid.UUID, content io.Reader, mimeType string) (string, int64, string, error) {
	key := path.Join(b.prefix, sanitizeComponent(tenantID), sanitizeComponent(rootTaskID), artifactID.String())

	// S3 uploads need a known length; buffer while enforcing the cap so
	// an oversized stream never reaches the bucket.
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

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return "", 0, "", fmt.Errorf("s3 put: %w", err)
	}
	return s3Scheme + key, size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (b *S3Backend) Retrieve(ctx context.Context, location string) ([]byte, error) {
	rc, err := b.RetrieveStream(ctx, location)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("s3 read: %w", err)
	}
	return data, nil
}

func (b *S3Backend) RetrieveStream(ctx context.Context, location string) (io.ReadCloser, error) {
	key, err := b.key(location)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("artifact at %s: %w", location, contracts.ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	return out.Body, nil
}

func (b *S3Backend) Delete(ctx context.Context, location string) (bool, error) {
	key, err := b.key(location)
	if err != nil {
		return false, err
	}
	existed, err := b.Exists(ctx, location)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("s3 delete: %w", err)
	}
	return true, nil
}

func (b *S3Backend) Exists(ctx context.Context, location string) (bool, error) {
	key, err := b.key(location)
	if err != nil {
		return false, err
	}
	_, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head: %w", err)
	}
	return true, nil
}

func (b *S3Backend) Size(ctx context.Context, location string) (int64, error) {
	key, err := b.key(location)
	if err != nil {
		return 0, err
	}
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, fmt.Errorf("artifact at %s: %w", location, contracts.ErrNotFound)
		}
		return 0, fmt.Errorf("s3 head: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}
