package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/depotgate/depotgate/pkg/contracts"
)

// FilesystemSink ships artifacts into a directory tree. Each shipment
// gets its own directory named by the manifest id, with a serialized
// manifest.json written alongside the artifacts.
type FilesystemSink struct {
	base string
}

// NewFilesystemSink resolves and creates the base directory.
func NewFilesystemSink(base string) (*FilesystemSink, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve sink base: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("ensure sink base: %w", err)
	}
	return &FilesystemSink{base: abs}, nil
}

func (s *FilesystemSink) Type() string { return "filesystem" }

// resolve maps a destination to an absolute path contained in the base
// directory. Escape attempts fail closed.
func (s *FilesystemSink) resolve(destination string) (string, error) {
	_, dest := SplitDestination(destination)
	if filepath.IsAbs(dest) {
		rel, err := filepath.Rel(s.base, dest)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: destination %q outside sink base", contracts.ErrPathEscape, destination)
		}
		return filepath.Join(s.base, rel), nil
	}
	path := filepath.Join(s.base, filepath.FromSlash(dest))
	rel, err := filepath.Rel(s.base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: destination %q", contracts.ErrPathEscape, destination)
	}
	return path, nil
}

func (s *FilesystemSink) ValidateDestination(ctx context.Context, destination string) error {
	path, err := s.resolve(destination)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrInvalidDestination, err)
	}
	return nil
}

func (s *FilesystemSink) Ship(ctx context.Context, artifacts []contracts.ArtifactPointer, destination string, manifest contracts.ShipmentManifest, content ContentFunc) (map[string]string, error) {
	destPath, err := s.resolve(destination)
	if err != nil {
		return nil, err
	}
	shipmentDir := filepath.Join(destPath, manifest.ManifestID.String())
	if err := os.MkdirAll(shipmentDir, 0o755); err != nil {
		return nil, fmt.Errorf("create shipment dir: %w", err)
	}

	refs := make(map[string]string, len(artifacts))
	for _, artifact := range artifacts {
		data, err := content(ctx, artifact.ArtifactID)
		if err != nil {
			return nil, fmt.Errorf("fetch content for %s: %w", artifact.ArtifactID, err)
		}
		filename := artifact.ArtifactID.String() + extensionFor(artifact.MimeType)
		filePath := filepath.Join(shipmentDir, filename)
		if err := os.WriteFile(filePath, data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", filename, err)
		}
		refs[artifact.ArtifactID.String()] = filePath
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(shipmentDir, "manifest.json"), manifestJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return refs, nil
}

var mimeExtensions = map[string]string{
	"application/json":         ".json",
	"application/xml":          ".xml",
	"application/pdf":          ".pdf",
	"application/octet-stream": ".bin",
	"text/plain":               ".txt",
	"text/html":                ".html",
	"text/css":                 ".css",
	"text/javascript":          ".js",
	"text/markdown":            ".md",
	"image/png":                ".png",
	"image/jpeg":               ".jpg",
	"image/gif":                ".gif",
	"image/svg+xml":            ".svg",
}

func extensionFor(mimeType string) string {
	if ext, ok := mimeExtensions[mimeType]; ok {
		return ext
	}
	return ".bin"
}
