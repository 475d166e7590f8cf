// Package config loads service configuration from DEPOTGATE_ prefixed
// environment variables, optionally overlaid with a YAML profile.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the full service configuration.
type Config struct {
	TenantID string `yaml:"tenant_id"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	// Metadata and receipts may live in separate databases, as the
	// ledger has a different durability profile.
	MetadataDriver string `yaml:"metadata_driver"`
	MetadataDSN    string `yaml:"metadata_dsn"`
	ReceiptsDriver string `yaml:"receipts_driver"`
	ReceiptsDSN    string `yaml:"receipts_dsn"`

	StorageBackend    string `yaml:"storage_backend"` // fs | s3 | gcs
	StorageBasePath   string `yaml:"storage_base_path"`
	MaxArtifactSizeMB int64  `yaml:"max_artifact_size_mb"` // 0 = unlimited
	S3Bucket          string `yaml:"s3_bucket"`
	S3Region          string `yaml:"s3_region"`
	S3Endpoint        string `yaml:"s3_endpoint"`
	S3Prefix          string `yaml:"s3_prefix"`
	GCSBucket         string `yaml:"gcs_bucket"`
	GCSPrefix         string `yaml:"gcs_prefix"`

	SinkFilesystemBasePath string `yaml:"sink_filesystem_base_path"`
	SinkHTTPTimeoutSeconds int    `yaml:"sink_http_timeout_seconds"`
	SinkHTTPAllowedSchemes string `yaml:"sink_http_allowed_schemes"` // comma separated
	SinkHTTPAllowedHosts   string `yaml:"sink_http_allowed_hosts"`   // comma separated, "*" = any, empty = reject all

	RedisAddr    string `yaml:"redis_addr"`    // optional, enables distributed leases
	OTLPEndpoint string `yaml:"otlp_endpoint"` // optional, enables trace export
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	dataDir := getenv("DEPOTGATE_DATA_DIR", "./data")

	cfg := &Config{
		TenantID: getenv("DEPOTGATE_TENANT_ID", "default"),
		DataDir:  dataDir,
		LogLevel: getenv("DEPOTGATE_LOG_LEVEL", "INFO"),

		MetadataDriver: getenv("DEPOTGATE_METADATA_DRIVER", "sqlite"),
		MetadataDSN:    getenv("DEPOTGATE_METADATA_DSN", filepath.Join(dataDir, "metadata.db")),
		ReceiptsDriver: getenv("DEPOTGATE_RECEIPTS_DRIVER", "sqlite"),
		ReceiptsDSN:    getenv("DEPOTGATE_RECEIPTS_DSN", filepath.Join(dataDir, "receipts.db")),

		StorageBackend:    getenv("DEPOTGATE_STORAGE_BACKEND", "fs"),
		StorageBasePath:   getenv("DEPOTGATE_STORAGE_BASE_PATH", filepath.Join(dataDir, "staging")),
		MaxArtifactSizeMB: getenvInt64("DEPOTGATE_MAX_ARTIFACT_SIZE_MB", 100),
		S3Bucket:          os.Getenv("DEPOTGATE_S3_BUCKET"),
		S3Region:          os.Getenv("DEPOTGATE_S3_REGION"),
		S3Endpoint:        os.Getenv("DEPOTGATE_S3_ENDPOINT"),
		S3Prefix:          os.Getenv("DEPOTGATE_S3_PREFIX"),
		GCSBucket:         os.Getenv("DEPOTGATE_GCS_BUCKET"),
		GCSPrefix:         os.Getenv("DEPOTGATE_GCS_PREFIX"),

		SinkFilesystemBasePath: getenv("DEPOTGATE_SINK_FILESYSTEM_BASE_PATH", filepath.Join(dataDir, "shipped")),
		SinkHTTPTimeoutSeconds: int(getenvInt64("DEPOTGATE_SINK_HTTP_TIMEOUT_SECONDS", 30)),
		SinkHTTPAllowedSchemes: getenv("DEPOTGATE_SINK_HTTP_ALLOWED_SCHEMES", "http,https"),
		SinkHTTPAllowedHosts:   os.Getenv("DEPOTGATE_SINK_HTTP_ALLOWED_HOSTS"),

		RedisAddr:    os.Getenv("DEPOTGATE_REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("DEPOTGATE_OTLP_ENDPOINT"),
	}
	return cfg
}

// MaxArtifactBytes converts the size limit to bytes. Zero disables the
// limit.
func (c *Config) MaxArtifactBytes() int64 {
	if c.MaxArtifactSizeMB <= 0 {
		return 0
	}
	return c.MaxArtifactSizeMB * 1024 * 1024
}

// AllowedSchemes splits the HTTP sink scheme allow-list.
func (c *Config) AllowedSchemes() []string {
	return splitList(c.SinkHTTPAllowedSchemes)
}

// AllowedHosts splits the HTTP sink host allow-list.
func (c *Config) AllowedHosts() []string {
	return splitList(c.SinkHTTPAllowedHosts)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
