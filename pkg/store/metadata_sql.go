package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/depotgate/depotgate/pkg/contracts"
)

// SQLMetadataStore implements MetadataStore over database/sql. Queries
// are written sqlite-style and rebound for postgres.
type SQLMetadataStore struct {
	db     *sql.DB
	driver string
}

// NewSQLMetadataStore runs migrations and returns the store.
func NewSQLMetadataStore(db *sql.DB, driver string) (*SQLMetadataStore, error) {
	s := &SQLMetadataStore{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate metadata store: %w", err)
	}
	return s, nil
}

func (s *SQLMetadataStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			root_task_id TEXT NOT NULL,
			location TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			mime_type TEXT NOT NULL,
			content_hash TEXT,
			artifact_role TEXT NOT NULL,
			produced_by_receipt_id TEXT,
			metadata TEXT,
			staged_at TEXT NOT NULL,
			purged_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_tenant_task ON artifacts (tenant_id, root_task_id)`,
		`CREATE TABLE IF NOT EXISTS deliverables (
			deliverable_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			root_task_id TEXT NOT NULL,
			spec TEXT NOT NULL,
			status TEXT NOT NULL,
			declared_at TEXT NOT NULL,
			shipped_at TEXT,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliverables_tenant_task ON deliverables (tenant_id, root_task_id)`,
		`CREATE TABLE IF NOT EXISTS shipments (
			manifest_id TEXT PRIMARY KEY,
			deliverable_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			root_task_id TEXT NOT NULL,
			destination TEXT NOT NULL,
			manifest TEXT NOT NULL,
			shipped_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_tenant_task ON shipments (tenant_id, root_task_id)`,
		`CREATE TABLE IF NOT EXISTS receipt_outbox (
			receipt_id TEXT PRIMARY KEY,
			receipt TEXT NOT NULL,
			enqueued_at TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLMetadataStore) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	q := rebind(s.driver, query)
	if tx != nil {
		return tx.ExecContext(ctx, q, args...)
	}
	return s.db.ExecContext(ctx, q, args...)
}

func (s *SQLMetadataStore) enqueueReceipt(ctx context.Context, tx *sql.Tx, r contracts.Receipt) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	_, err = s.exec(ctx, tx,
		`INSERT INTO receipt_outbox (receipt_id, receipt, enqueued_at, status) VALUES (?, ?, ?, 'PENDING')`,
		r.ReceiptID.String(), string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue receipt: %w", err)
	}
	return nil
}

// StageArtifact inserts the pointer and enqueues the staged receipt in
// one transaction.
func (s *SQLMetadataStore) StageArtifact(ctx context.Context, pointer contracts.ArtifactPointer, metadata map[string]any, receipt contracts.Receipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var metaJSON any
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal artifact metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	_, err = s.exec(ctx, tx, `INSERT INTO artifacts (
		artifact_id, tenant_id, root_task_id, location, size_bytes, mime_type,
		content_hash, artifact_role, produced_by_receipt_id, metadata, staged_at, purged_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		pointer.ArtifactID.String(), pointer.TenantID, pointer.RootTaskID,
		pointer.Location, pointer.SizeBytes, pointer.MimeType,
		nullable(pointer.ContentHash), string(pointer.Role),
		nullable(pointer.ProducedByReceiptID), metaJSON,
		pointer.StagedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	if err := s.enqueueReceipt(ctx, tx, receipt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const artifactColumns = `artifact_id, tenant_id, root_task_id, location, size_bytes, mime_type,
	content_hash, artifact_role, produced_by_receipt_id, staged_at, purged_at`

func (s *SQLMetadataStore) GetArtifact(ctx context.Context, tenantID string, artifactID uuid.UUID) (contracts.ArtifactPointer, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.driver,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE artifact_id = ? AND tenant_id = ? AND purged_at IS NULL`),
		artifactID.String(), tenantID)
	p, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ArtifactPointer{}, fmt.Errorf("artifact %s: %w", artifactID, contracts.ErrNotFound)
	}
	return p, err
}

func (s *SQLMetadataStore) ListArtifacts(ctx context.Context, tenantID, rootTaskID string, filter ArtifactFilter) ([]contracts.ArtifactPointer, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE tenant_id = ? AND root_task_id = ?`
	args := []any{tenantID, rootTaskID}
	if filter.Role != nil {
		query += ` AND artifact_role = ?`
		args = append(args, string(*filter.Role))
	}
	if !filter.IncludePurged {
		query += ` AND purged_at IS NULL`
	}
	query += ` ORDER BY staged_at`

	rows, err := s.db.QueryContext(ctx, rebind(s.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ArtifactPointer
	for rows.Next() {
		p, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLMetadataStore) MarkArtifactsPurged(ctx context.Context, tenantID string, artifactIDs []uuid.UUID, at time.Time, receipt *contracts.Receipt) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	marked := 0
	for _, id := range artifactIDs {
		res, err := s.exec(ctx, tx,
			`UPDATE artifacts SET purged_at = ? WHERE artifact_id = ? AND tenant_id = ? AND purged_at IS NULL`,
			at.UTC().Format(time.RFC3339Nano), id.String(), tenantID)
		if err != nil {
			return 0, fmt.Errorf("mark purged: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("mark purged: %w", err)
		}
		marked += int(n)
	}
	if marked > 0 && receipt != nil {
		if err := s.enqueueReceipt(ctx, tx, *receipt); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return marked, nil
}

func (s *SQLMetadataStore) DeclareDeliverable(ctx context.Context, d contracts.Deliverable) error {
	specJSON, err := json.Marshal(d.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = s.exec(ctx, nil, `INSERT INTO deliverables (
		deliverable_id, tenant_id, root_task_id, spec, status, declared_at, shipped_at, version
	) VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		d.DeliverableID.String(), d.TenantID, d.RootTaskID, string(specJSON),
		string(d.Status), d.DeclaredAt.UTC().Format(time.RFC3339Nano), d.Version)
	if err != nil {
		return fmt.Errorf("insert deliverable: %w", err)
	}
	return nil
}

const deliverableColumns = `deliverable_id, tenant_id, root_task_id, spec, status, declared_at, shipped_at, version`

func (s *SQLMetadataStore) GetDeliverable(ctx context.Context, tenantID string, deliverableID uuid.UUID) (contracts.Deliverable, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.driver,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE deliverable_id = ? AND tenant_id = ?`),
		deliverableID.String(), tenantID)
	d, err := scanDeliverable(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Deliverable{}, fmt.Errorf("deliverable %s: %w", deliverableID, contracts.ErrNotFound)
	}
	return d, err
}

func (s *SQLMetadataStore) ListDeliverables(ctx context.Context, tenantID, rootTaskID string, status *contracts.DeliverableStatus) ([]contracts.Deliverable, error) {
	query := `SELECT ` + deliverableColumns + ` FROM deliverables WHERE tenant_id = ? AND root_task_id = ?`
	args := []any{tenantID, rootTaskID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY declared_at`

	rows, err := s.db.QueryContext(ctx, rebind(s.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLMetadataStore) MarkDeliverableRejected(ctx context.Context, tenantID string, deliverableID uuid.UUID, expectedVersion int64, receipt contracts.Receipt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.casStatus(ctx, tx, tenantID, deliverableID, expectedVersion, contracts.StatusRejected, nil); err != nil {
		return err
	}
	if err := s.enqueueReceipt(ctx, tx, receipt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLMetadataStore) RecordShipment(ctx context.Context, manifest contracts.ShipmentManifest, expectedVersion int64, receipt contracts.Receipt) error {
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = s.exec(ctx, tx, `INSERT INTO shipments (
		manifest_id, deliverable_id, tenant_id, root_task_id, destination, manifest, shipped_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		manifest.ManifestID.String(), manifest.DeliverableID.String(),
		manifest.TenantID, manifest.RootTaskID, manifest.Destination,
		string(manifestJSON), manifest.ShippedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert shipment: %w", err)
	}

	shippedAt := manifest.ShippedAt
	if err := s.casStatus(ctx, tx, manifest.TenantID, manifest.DeliverableID, expectedVersion, contracts.StatusShipped, &shippedAt); err != nil {
		return err
	}
	if err := s.enqueueReceipt(ctx, tx, receipt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// casStatus flips a deliverable's status guarded by the version counter.
func (s *SQLMetadataStore) casStatus(ctx context.Context, tx *sql.Tx, tenantID string, deliverableID uuid.UUID, expectedVersion int64, status contracts.DeliverableStatus, shippedAt *time.Time) error {
	var res sql.Result
	var err error
	if shippedAt != nil {
		res, err = s.exec(ctx, tx,
			`UPDATE deliverables SET status = ?, shipped_at = ?, version = version + 1
			 WHERE deliverable_id = ? AND tenant_id = ? AND version = ?`,
			string(status), shippedAt.UTC().Format(time.RFC3339Nano),
			deliverableID.String(), tenantID, expectedVersion)
	} else {
		res, err = s.exec(ctx, tx,
			`UPDATE deliverables SET status = ?, version = version + 1
			 WHERE deliverable_id = ? AND tenant_id = ? AND version = ?`,
			string(status), deliverableID.String(), tenantID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("update deliverable status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update deliverable status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deliverable %s at version %d: %w", deliverableID, expectedVersion, contracts.ErrVersionConflict)
	}
	return nil
}

func (s *SQLMetadataStore) GetShipment(ctx context.Context, tenantID string, manifestID uuid.UUID) (contracts.ShipmentManifest, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, rebind(s.driver,
		`SELECT manifest FROM shipments WHERE manifest_id = ? AND tenant_id = ?`),
		manifestID.String(), tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ShipmentManifest{}, fmt.Errorf("shipment %s: %w", manifestID, contracts.ErrNotFound)
	}
	if err != nil {
		return contracts.ShipmentManifest{}, fmt.Errorf("get shipment: %w", err)
	}
	var m contracts.ShipmentManifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return contracts.ShipmentManifest{}, fmt.Errorf("corrupt manifest %s: %w", manifestID, err)
	}
	return m, nil
}

func (s *SQLMetadataStore) ListShipments(ctx context.Context, tenantID, rootTaskID string) ([]contracts.ShipmentManifest, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver,
		`SELECT manifest FROM shipments WHERE tenant_id = ? AND root_task_id = ? ORDER BY shipped_at`),
		tenantID, rootTaskID)
	if err != nil {
		return nil, fmt.Errorf("list shipments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ShipmentManifest
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m contracts.ShipmentManifest
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("corrupt manifest: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLMetadataStore) PendingReceipts(ctx context.Context, limit int) ([]contracts.Receipt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, rebind(s.driver,
		`SELECT receipt FROM receipt_outbox WHERE status = 'PENDING' ORDER BY enqueued_at LIMIT ?`),
		limit)
	if err != nil {
		return nil, fmt.Errorf("pending receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Receipt
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r contracts.Receipt
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("corrupt outbox receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLMetadataStore) MarkReceiptRelayed(ctx context.Context, receiptID uuid.UUID) error {
	_, err := s.exec(ctx, nil,
		`UPDATE receipt_outbox SET status = 'DONE' WHERE receipt_id = ?`, receiptID.String())
	if err != nil {
		return fmt.Errorf("mark relayed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (contracts.ArtifactPointer, error) {
	var (
		id, tenantID, taskID, location, mimeType, role string
		sizeBytes                                      int64
		contentHash, producedBy, stagedAt, purgedAt    sql.NullString
	)
	if err := row.Scan(&id, &tenantID, &taskID, &location, &sizeBytes, &mimeType,
		&contentHash, &role, &producedBy, &stagedAt, &purgedAt); err != nil {
		return contracts.ArtifactPointer{}, err
	}
	artifactID, err := uuid.Parse(id)
	if err != nil {
		return contracts.ArtifactPointer{}, fmt.Errorf("corrupt artifact id %q: %w", id, err)
	}
	p := contracts.ArtifactPointer{
		ArtifactID:          artifactID,
		TenantID:            tenantID,
		RootTaskID:          taskID,
		Location:            location,
		SizeBytes:           sizeBytes,
		MimeType:            mimeType,
		ContentHash:         contentHash.String,
		Role:                contracts.ArtifactRole(role),
		ProducedByReceiptID: producedBy.String,
		StagedAt:            parseTime(stagedAt.String),
	}
	if purgedAt.Valid && purgedAt.String != "" {
		t := parseTime(purgedAt.String)
		p.PurgedAt = &t
	}
	return p, nil
}

func scanDeliverable(row rowScanner) (contracts.Deliverable, error) {
	var (
		id, tenantID, taskID, specJSON, status string
		declaredAt, shippedAt                  sql.NullString
		version                                int64
	)
	if err := row.Scan(&id, &tenantID, &taskID, &specJSON, &status, &declaredAt, &shippedAt, &version); err != nil {
		return contracts.Deliverable{}, err
	}
	deliverableID, err := uuid.Parse(id)
	if err != nil {
		return contracts.Deliverable{}, fmt.Errorf("corrupt deliverable id %q: %w", id, err)
	}
	var spec contracts.DeliverableSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		return contracts.Deliverable{}, fmt.Errorf("corrupt spec for %s: %w", id, err)
	}
	d := contracts.Deliverable{
		DeliverableID: deliverableID,
		TenantID:      tenantID,
		RootTaskID:    taskID,
		Spec:          spec,
		Status:        contracts.DeliverableStatus(status),
		DeclaredAt:    parseTime(declaredAt.String),
		Version:       version,
	}
	if shippedAt.Valid && shippedAt.String != "" {
		t := parseTime(shippedAt.String)
		d.ShippedAt = &t
	}
	return d, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
