package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/depotgate/depotgate/pkg/contracts"
)

const fsScheme = "fs://"

var unsafeComponent = regexp.MustCompile(`[/\\.]+`)

// FSBackend stores artifact content on the local filesystem under
// <root>/<tenant>/<task>/<artifact-id>. Every location it produces or
// consumes is sanitized and re-validated to resolve inside the root.
type FSBackend struct {
	root     string
	maxBytes int64
}

// NewFSBackend creates the root directory if needed. maxBytes of 0
// disables the size limit.
func NewFSBackend(root string, maxBytes int64) (*FSBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("ensure storage root: %w", err)
	}
	return &FSBackend{root: abs, maxBytes: maxBytes}, nil
}

// sanitizeComponent strips path separators and dot runs from a tenant or
// task identifier so it can never traverse out of the root.
func sanitizeComponent(component string) string {
	safe := unsafeComponent.ReplaceAllString(component, "_")
	if len(safe) > 200 {
		safe = safe[:200]
	}
	if safe == "" {
		safe = "invalid"
	}
	return safe
}

// resolve converts a location to an absolute path, failing closed if the
// path would land outside the root.
func (b *FSBackend) resolve(location string) (string, error) {
	if !strings.HasPrefix(location, fsScheme) {
		return "", fmt.Errorf("%w: location %q lacks %s prefix", contracts.ErrPathEscape, location, fsScheme)
	}
	rel := strings.TrimPrefix(location, fsScheme)
	path := filepath.Join(b.root, filepath.FromSlash(rel))

	// Join cleans the path; verify it is still under the root.
	inside, err := filepath.Rel(b.root, path)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: location %q", contracts.ErrPathEscape, location)
	}
	return path, nil
}

func (b *FSBackend) location(path string) (string, error) {
	rel, err := filepath.Rel(b.root, path)
	if err != nil {
		return "", fmt.Errorf("%w: path %q", contracts.ErrPathEscape, path)
	}
	return fsScheme + filepath.ToSlash(rel), nil
}

func (b *FSBackend) Store(ctx context.Context, tenantID, rootTaskID string, artifactID uuid.UUID, content io.Reader, mimeType string) (string, int64, string, error) {
	dir := filepath.Join(b.root, sanitizeComponent(tenantID), sanitizeComponent(rootTaskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, "", fmt.Errorf("ensure artifact dir: %w", err)
	}
	path := filepath.Join(dir, artifactID.String())

	// Write to a temp file, then rename: a partial artifact is never
	// visible at its final path.
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, "", fmt.Errorf("create artifact file: %w", err)
	}

	hasher := sha256.New()
	var size int64
	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			abortWrite(f, tmp)
			return "", 0, "", err
		}
		n, rerr := content.Read(buf)
		if n > 0 {
			size += int64(n)
			if b.maxBytes > 0 && size > b.maxBytes {
				abortWrite(f, tmp)
				return "", 0, "", fmt.Errorf("%w: limit %d bytes", contracts.ErrSizeLimit, b.maxBytes)
			}
			hasher.Write(buf[:n])
			if _, werr := f.Write(buf[:n]); werr != nil {
				abortWrite(f, tmp)
				return "", 0, "", fmt.Errorf("write artifact: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			abortWrite(f, tmp)
			return "", 0, "", fmt.Errorf("read content: %w", rerr)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", 0, "", fmt.Errorf("close artifact file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", 0, "", fmt.Errorf("commit artifact file: %w", err)
	}

	location, err := b.location(path)
	if err != nil {
		return "", 0, "", err
	}
	return location, size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func abortWrite(f *os.File, path string) {
	_ = f.Close()
	_ = os.Remove(path)
}

func (b *FSBackend) Retrieve(ctx context.Context, location string) ([]byte, error) {
	path, err := b.resolve(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("artifact at %s: %w", location, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

func (b *FSBackend) RetrieveStream(ctx context.Context, location string) (io.ReadCloser, error) {
	path, err := b.resolve(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("artifact at %s: %w", location, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (b *FSBackend) Delete(ctx context.Context, location string) (bool, error) {
	path, err := b.resolve(location)
	if err != nil {
		return false, err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete artifact: %w", err)
	}
	b.pruneEmptyParents(filepath.Dir(path))
	return true, nil
}

// pruneEmptyParents removes now-empty directories up to the root as a
// courtesy. Best effort; a concurrent write racing the prune just wins.
func (b *FSBackend) pruneEmptyParents(dir string) {
	for dir != b.root {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (b *FSBackend) Exists(ctx context.Context, location string) (bool, error) {
	path, err := b.resolve(location)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat artifact: %w", err)
	}
	return true, nil
}

func (b *FSBackend) Size(ctx context.Context, location string) (int64, error) {
	path, err := b.resolve(location)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("artifact at %s: %w", location, contracts.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("stat artifact: %w", err)
	}
	return info.Size(), nil
}
