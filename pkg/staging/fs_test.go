package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotgate/depotgate/pkg/contracts"
)

func TestFSBackend_RoundTrip(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir(), 0)
	require.NoError(t, err)
	ctx := context.Background()

	content := []byte("hello, staging area")
	id := uuid.New()
	location, size, hash, err := backend.Store(ctx, "tenant-a", "task-1", id, bytes.NewReader(content), "text/plain")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(location, "fs://"))
	assert.Equal(t, int64(len(content)), size)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	got, err := backend.Retrieve(ctx, location)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	stream, err := backend.RetrieveStream(ctx, location)
	require.NoError(t, err)
	defer stream.Close()

	n, err := backend.Size(ctx, location)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
}

func TestFSBackend_SizeLimitAbortsLeavingNothing(t *testing.T) {
	root := t.TempDir()
	backend, err := NewFSBackend(root, 10)
	require.NoError(t, err)

	_, _, _, err = backend.Store(context.Background(), "t", "task", uuid.New(),
		bytes.NewReader(bytes.Repeat([]byte("x"), 11)), "text/plain")
	require.ErrorIs(t, err, contracts.ErrSizeLimit)

	// no partial content, temp file included
	var files []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFSBackend_SizeLimitBoundary(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir(), 10)
	require.NoError(t, err)

	_, size, _, err := backend.Store(context.Background(), "t", "task", uuid.New(),
		bytes.NewReader(bytes.Repeat([]byte("x"), 10)), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestFSBackend_SanitizesHostileIdentifiers(t *testing.T) {
	root := t.TempDir()
	backend, err := NewFSBackend(root, 0)
	require.NoError(t, err)
	ctx := context.Background()

	location, _, _, err := backend.Store(ctx, "../../etc", "..\\passwd", uuid.New(),
		bytes.NewReader([]byte("content")), "text/plain")
	require.NoError(t, err)

	path, err := backend.resolve(location)
	require.NoError(t, err)
	rel, err := filepath.Rel(root, path)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(rel, ".."))
}

func TestSanitizeComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tenant-a", "tenant-a"},
		{"../../etc/passwd", "_etc_passwd"},
		{"a/b\\c.d", "a_b_c_d"},
		{"", "invalid"},
		{"...", "_"},
		{strings.Repeat("a", 300), strings.Repeat("a", 200)},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, sanitizeComponent(tc.in), "input %q", tc.in)
	}
}

func TestFSBackend_ResolveRejectsEscapes(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir(), 0)
	require.NoError(t, err)

	for _, location := range []string{
		"fs://../outside",
		"fs://../../etc/passwd",
		"relative/no-scheme",
	} {
		_, err := backend.Retrieve(context.Background(), location)
		assert.ErrorIs(t, err, contracts.ErrPathEscape, "location %q", location)
	}
}

func TestFSBackend_DeleteIsIdempotentAndPrunes(t *testing.T) {
	root := t.TempDir()
	backend, err := NewFSBackend(root, 0)
	require.NoError(t, err)
	ctx := context.Background()

	location, _, _, err := backend.Store(ctx, "tenant", "task", uuid.New(),
		bytes.NewReader([]byte("bye")), "text/plain")
	require.NoError(t, err)

	removed, err := backend.Delete(ctx, location)
	require.NoError(t, err)
	assert.True(t, removed)

	// second delete reports nothing removed, no error
	removed, err = backend.Delete(ctx, location)
	require.NoError(t, err)
	assert.False(t, removed)

	// tenant/task dirs pruned once empty
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = backend.Retrieve(ctx, location)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	exists, err := backend.Exists(ctx, location)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFSBackend_CancelledContextAborts(t *testing.T) {
	backend, err := NewFSBackend(t.TempDir(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, _, err = backend.Store(ctx, "t", "task", uuid.New(),
		bytes.NewReader([]byte("content")), "text/plain")
	require.ErrorIs(t, err, context.Canceled)
}
