package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "default", cfg.TenantID)
	assert.Equal(t, "sqlite", cfg.MetadataDriver)
	assert.Equal(t, filepath.Join("./data", "metadata.db"), cfg.MetadataDSN)
	assert.Equal(t, "fs", cfg.StorageBackend)
	assert.Equal(t, int64(100), cfg.MaxArtifactSizeMB)
	assert.Equal(t, int64(100*1024*1024), cfg.MaxArtifactBytes())
	assert.Equal(t, 30, cfg.SinkHTTPTimeoutSeconds)
	assert.Equal(t, []string{"http", "https"}, cfg.AllowedSchemes())
	assert.Empty(t, cfg.AllowedHosts())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DEPOTGATE_TENANT_ID", "acme")
	t.Setenv("DEPOTGATE_METADATA_DRIVER", "postgres")
	t.Setenv("DEPOTGATE_METADATA_DSN", "postgres://depotgate@localhost/depotgate?sslmode=disable")
	t.Setenv("DEPOTGATE_MAX_ARTIFACT_SIZE_MB", "0")
	t.Setenv("DEPOTGATE_SINK_HTTP_ALLOWED_HOSTS", "a.example.com, b.example.com")

	cfg := Load()
	assert.Equal(t, "acme", cfg.TenantID)
	assert.Equal(t, "postgres", cfg.MetadataDriver)
	assert.Equal(t, int64(0), cfg.MaxArtifactSizeMB)
	assert.Zero(t, cfg.MaxArtifactBytes())
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.AllowedHosts())
}

func TestLoad_BadIntFallsBack(t *testing.T) {
	t.Setenv("DEPOTGATE_MAX_ARTIFACT_SIZE_MB", "not-a-number")
	cfg := Load()
	assert.Equal(t, int64(100), cfg.MaxArtifactSizeMB)
}

func TestLoadProfile_Overlay(t *testing.T) {
	t.Setenv("DEPOTGATE_TENANT_ID", "from-env")
	cfg := Load()

	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"tenant_id: from-profile\nmax_artifact_size_mb: 5\nredis_addr: localhost:6379\n"), 0o644))

	require.NoError(t, LoadProfile(cfg, path))

	// profile keys win, untouched keys keep env values
	assert.Equal(t, "from-profile", cfg.TenantID)
	assert.Equal(t, int64(5), cfg.MaxArtifactSizeMB)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "sqlite", cfg.MetadataDriver)
}

func TestLoadProfile_Errors(t *testing.T) {
	cfg := Load()
	assert.Error(t, LoadProfile(cfg, filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenant_id: [not: valid"), 0o644))
	assert.Error(t, LoadProfile(cfg, path))
}
