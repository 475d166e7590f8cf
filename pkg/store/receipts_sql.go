package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/depotgate/depotgate/pkg/contracts"
)

const genesisHash = "genesis"

// SQLReceiptLedger implements ReceiptLedger over database/sql. Receipts
// are append-only; each append chains to the tenant's previous receipt
// via sha256 over the JCS-canonicalized receipt body, so any rewrite of
// history breaks the chain.
type SQLReceiptLedger struct {
	db     *sql.DB
	driver string
}

// NewSQLReceiptLedger runs migrations and returns the ledger.
func NewSQLReceiptLedger(db *sql.DB, driver string) (*SQLReceiptLedger, error) {
	l := &SQLReceiptLedger{db: db, driver: driver}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate receipt ledger: %w", err)
	}
	return l, nil
}

func (l *SQLReceiptLedger) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			receipt_id TEXT PRIMARY KEY,
			receipt_type TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			root_task_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			caused_by_receipt_id TEXT,
			payload TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			seq BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_tenant ON receipts (tenant_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_task ON receipts (root_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_type ON receipts (receipt_type)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_time ON receipts (timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

// chainBody is the hashed portion of a receipt. Field order is
// irrelevant: JCS canonicalization makes the encoding deterministic.
type chainBody struct {
	ReceiptID  string         `json:"receipt_id"`
	Type       string         `json:"receipt_type"`
	TenantID   string         `json:"tenant_id"`
	RootTaskID string         `json:"root_task_id"`
	Timestamp  string         `json:"timestamp"`
	CausedBy   string         `json:"caused_by_receipt_id"`
	Payload    map[string]any `json:"payload"`
	PrevHash   string         `json:"prev_hash"`
}

func receiptHash(r contracts.Receipt, prevHash string) (string, error) {
	raw, err := json.Marshal(chainBody{
		ReceiptID:  r.ReceiptID.String(),
		Type:       string(r.Type),
		TenantID:   r.TenantID,
		RootTaskID: r.RootTaskID,
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
		CausedBy:   r.CausedByReceiptID,
		Payload:    r.Payload,
		PrevHash:   prevHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal receipt body: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize receipt body: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Append stores the receipt at the head of its tenant's chain. Appending
// an already-stored receipt id is a no-op returning the stored receipt,
// which makes the outbox relay safe to retry.
func (l *SQLReceiptLedger) Append(ctx context.Context, r contracts.Receipt) (contracts.Receipt, error) {
	if _, err := contracts.ParseReceiptType(string(r.Type)); err != nil {
		return contracts.Receipt{}, err
	}

	if existing, err := l.Get(ctx, r.ReceiptID); err == nil {
		return existing, nil
	} else if !errors.Is(err, contracts.ErrNotFound) {
		return contracts.Receipt{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.Receipt{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	prev := genesisHash
	var prevContentHash sql.NullString
	var prevSeq sql.NullInt64
	err = tx.QueryRowContext(ctx, rebind(l.driver,
		`SELECT content_hash, seq FROM receipts WHERE tenant_id = ? ORDER BY seq DESC LIMIT 1`),
		r.TenantID).Scan(&prevContentHash, &prevSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq = 1
	case err != nil:
		return contracts.Receipt{}, fmt.Errorf("read chain head: %w", err)
	default:
		prev = prevContentHash.String
		seq = prevSeq.Int64 + 1
	}

	hash, err := receiptHash(r, prev)
	if err != nil {
		return contracts.Receipt{}, err
	}

	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return contracts.Receipt{}, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, rebind(l.driver, `INSERT INTO receipts (
		receipt_id, receipt_type, tenant_id, root_task_id, timestamp,
		caused_by_receipt_id, payload, prev_hash, content_hash, seq
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ReceiptID.String(), string(r.Type), r.TenantID, r.RootTaskID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		nullable(r.CausedByReceiptID), string(payloadJSON), prev, hash, seq)
	if err != nil {
		return contracts.Receipt{}, fmt.Errorf("insert receipt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.Receipt{}, fmt.Errorf("commit: %w", err)
	}

	r.PrevHash = prev
	r.ContentHash = hash
	return r, nil
}

const receiptColumns = `receipt_id, receipt_type, tenant_id, root_task_id, timestamp,
	caused_by_receipt_id, payload, prev_hash, content_hash`

func (l *SQLReceiptLedger) Get(ctx context.Context, receiptID uuid.UUID) (contracts.Receipt, error) {
	row := l.db.QueryRowContext(ctx, rebind(l.driver,
		`SELECT `+receiptColumns+` FROM receipts WHERE receipt_id = ?`), receiptID.String())
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Receipt{}, fmt.Errorf("receipt %s: %w", receiptID, contracts.ErrNotFound)
	}
	return r, err
}

func (l *SQLReceiptLedger) List(ctx context.Context, filter ReceiptFilter) ([]contracts.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE 1=1`
	var args []any
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.RootTaskID != "" {
		query += ` AND root_task_id = ?`
		args = append(args, filter.RootTaskID)
	}
	if filter.Type != "" {
		query += ` AND receipt_type = ?`
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, rebind(l.driver, query), args...)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VerifyChain recomputes the tenant's chain from genesis and reports
// whether every stored hash matches.
func (l *SQLReceiptLedger) VerifyChain(ctx context.Context, tenantID string) (bool, error) {
	rows, err := l.db.QueryContext(ctx, rebind(l.driver,
		`SELECT `+receiptColumns+` FROM receipts WHERE tenant_id = ? ORDER BY seq`), tenantID)
	if err != nil {
		return false, fmt.Errorf("verify chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	prev := genesisHash
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return false, err
		}
		if r.PrevHash != prev {
			return false, nil
		}
		want, err := receiptHash(r, prev)
		if err != nil {
			return false, err
		}
		if r.ContentHash != want {
			return false, nil
		}
		prev = r.ContentHash
	}
	return true, rows.Err()
}

func scanReceipt(row rowScanner) (contracts.Receipt, error) {
	var (
		id, receiptType, tenantID, taskID, timestamp string
		causedBy                                     sql.NullString
		payloadJSON, prevHash, contentHash           string
	)
	if err := row.Scan(&id, &receiptType, &tenantID, &taskID, &timestamp,
		&causedBy, &payloadJSON, &prevHash, &contentHash); err != nil {
		return contracts.Receipt{}, err
	}
	receiptID, err := uuid.Parse(id)
	if err != nil {
		return contracts.Receipt{}, fmt.Errorf("corrupt receipt id %q: %w", id, err)
	}
	var payload map[string]any
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return contracts.Receipt{}, fmt.Errorf("corrupt payload for %s: %w", id, err)
		}
	}
	return contracts.Receipt{
		ReceiptID:         receiptID,
		Type:              contracts.ReceiptType(receiptType),
		TenantID:          tenantID,
		RootTaskID:        taskID,
		Timestamp:         parseTime(timestamp),
		CausedByReceiptID: causedBy.String,
		Payload:           payload,
		PrevHash:          prevHash,
		ContentHash:       contentHash,
	}, nil
}
