package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/depotgate/depotgate/pkg/config"
	"github.com/depotgate/depotgate/pkg/deliverables"
	"github.com/depotgate/depotgate/pkg/lease"
	"github.com/depotgate/depotgate/pkg/observability"
	"github.com/depotgate/depotgate/pkg/shipping"
	"github.com/depotgate/depotgate/pkg/sinks"
	"github.com/depotgate/depotgate/pkg/staging"
	"github.com/depotgate/depotgate/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// app wires the full service graph for a single CLI invocation.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	area     *staging.Area
	registry *deliverables.Registry
	ledger   store.ReceiptLedger
	shipper  *shipping.Service

	metaDB     *sql.DB
	receiptsDB *sql.DB
	provider   *observability.Provider
}

func newApp(ctx context.Context, profilePath string) (*app, error) {
	cfg := config.Load()
	if profilePath != "" {
		if err := config.LoadProfile(cfg, profilePath); err != nil {
			return nil, err
		}
	}

	logger := observability.NewLogger(&observability.Config{
		ServiceName: "depotgate",
		LogLevel:    cfg.LogLevel,
	})
	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:  "depotgate",
		LogLevel:     cfg.LogLevel,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     true,
		BatchTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	metaDB, err := store.Open(cfg.MetadataDriver, cfg.MetadataDSN)
	if err != nil {
		return nil, err
	}
	meta, err := store.NewSQLMetadataStore(metaDB, cfg.MetadataDriver)
	if err != nil {
		metaDB.Close()
		return nil, err
	}

	receiptsDB := metaDB
	if cfg.ReceiptsDSN != cfg.MetadataDSN || cfg.ReceiptsDriver != cfg.MetadataDriver {
		receiptsDB, err = store.Open(cfg.ReceiptsDriver, cfg.ReceiptsDSN)
		if err != nil {
			metaDB.Close()
			return nil, err
		}
	}
	ledger, err := store.NewSQLReceiptLedger(receiptsDB, cfg.ReceiptsDriver)
	if err != nil {
		metaDB.Close()
		if receiptsDB != metaDB {
			receiptsDB.Close()
		}
		return nil, err
	}

	relay := store.NewRelay(meta, ledger, logger)

	backend, err := staging.NewBackend(ctx, staging.BackendConfig{
		Type:             staging.BackendType(cfg.StorageBackend),
		BasePath:         cfg.StorageBasePath,
		MaxArtifactBytes: cfg.MaxArtifactBytes(),
		S3Bucket:         cfg.S3Bucket,
		S3Region:         cfg.S3Region,
		S3Endpoint:       cfg.S3Endpoint,
		S3Prefix:         cfg.S3Prefix,
		GCSBucket:        cfg.GCSBucket,
		GCSPrefix:        cfg.GCSPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("storage backend: %w", err)
	}

	sinkRegistry := sinks.NewRegistry()
	fsSink, err := sinks.NewFilesystemSink(cfg.SinkFilesystemBasePath)
	if err != nil {
		return nil, fmt.Errorf("filesystem sink: %w", err)
	}
	sinkRegistry.Register("filesystem", fsSink)
	httpSink := sinks.NewHTTPSink(
		time.Duration(cfg.SinkHTTPTimeoutSeconds)*time.Second,
		cfg.AllowedSchemes(),
		cfg.AllowedHosts(),
	)
	sinkRegistry.Register("http", httpSink)
	sinkRegistry.Register("https", httpSink)

	var guard lease.Guard
	if cfg.RedisAddr != "" {
		guard = lease.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}

	area := staging.NewArea(backend, meta, relay, logger)
	registry := deliverables.NewRegistry(meta)
	shipper := shipping.NewService(area, registry, sinkRegistry, meta, relay, guard, logger)

	return &app{
		cfg:        cfg,
		log:        logger,
		area:       area,
		registry:   registry,
		ledger:     ledger,
		shipper:    shipper,
		metaDB:     metaDB,
		receiptsDB: receiptsDB,
		provider:   provider,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.provider.Shutdown(ctx); err != nil {
		a.log.Warn("trace provider shutdown failed", "error", err)
	}
	if a.receiptsDB != a.metaDB {
		_ = a.receiptsDB.Close()
	}
	_ = a.metaDB.Close()
}
