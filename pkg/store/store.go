// Package store provides the persistence capabilities DepotGate depends
// on: the metadata store (artifacts, deliverables, shipments, and the
// receipt outbox) and the append-only receipt ledger. Both run on
// database/sql with the sqlite or postgres driver.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/depotgate/depotgate/pkg/contracts"
)

// ArtifactFilter narrows List results.
type ArtifactFilter struct {
	Role          *contracts.ArtifactRole
	IncludePurged bool
}

// MetadataStore is the metadata persistence capability. Mutating methods
// that accept a receipt write the domain change and enqueue the receipt
// on the outbox inside one transaction, so a crash cannot record the
// change without its audit event (or vice versa).
type MetadataStore interface {
	// Artifacts.
	StageArtifact(ctx context.Context, pointer contracts.ArtifactPointer, metadata map[string]any, receipt contracts.Receipt) error
	GetArtifact(ctx context.Context, tenantID string, artifactID uuid.UUID) (contracts.ArtifactPointer, error)
	ListArtifacts(ctx context.Context, tenantID, rootTaskID string, filter ArtifactFilter) ([]contracts.ArtifactPointer, error)
	// MarkArtifactsPurged soft-deletes; already-purged ids are silently
	// skipped. The receipt is enqueued only when at least one row
	// changed and may be nil when the caller emits it separately.
	MarkArtifactsPurged(ctx context.Context, tenantID string, artifactIDs []uuid.UUID, at time.Time, receipt *contracts.Receipt) (int, error)

	// Deliverables.
	DeclareDeliverable(ctx context.Context, d contracts.Deliverable) error
	GetDeliverable(ctx context.Context, tenantID string, deliverableID uuid.UUID) (contracts.Deliverable, error)
	ListDeliverables(ctx context.Context, tenantID, rootTaskID string, status *contracts.DeliverableStatus) ([]contracts.Deliverable, error)
	// MarkDeliverableRejected bumps Version; expectedVersion guards the
	// transition (contracts.ErrVersionConflict on mismatch).
	MarkDeliverableRejected(ctx context.Context, tenantID string, deliverableID uuid.UUID, expectedVersion int64, receipt contracts.Receipt) error

	// Shipments. RecordShipment persists the manifest, flips the
	// deliverable to shipped (CAS on expectedVersion), and enqueues the
	// completion receipt, all in one transaction.
	RecordShipment(ctx context.Context, manifest contracts.ShipmentManifest, expectedVersion int64, receipt contracts.Receipt) error
	GetShipment(ctx context.Context, tenantID string, manifestID uuid.UUID) (contracts.ShipmentManifest, error)
	ListShipments(ctx context.Context, tenantID, rootTaskID string) ([]contracts.ShipmentManifest, error)

	// Outbox.
	PendingReceipts(ctx context.Context, limit int) ([]contracts.Receipt, error)
	MarkReceiptRelayed(ctx context.Context, receiptID uuid.UUID) error
}

// ReceiptFilter narrows ledger queries. Zero values mean "no filter".
type ReceiptFilter struct {
	TenantID   string
	RootTaskID string
	Type       contracts.ReceiptType
	Since      time.Time
	Limit      int
}

// ReceiptLedger is the append-only receipts capability. Append fills the
// per-tenant hash chain (PrevHash, ContentHash) and is idempotent on
// ReceiptID so the outbox relay can safely retry.
type ReceiptLedger interface {
	Append(ctx context.Context, r contracts.Receipt) (contracts.Receipt, error)
	Get(ctx context.Context, receiptID uuid.UUID) (contracts.Receipt, error)
	// List returns receipts newest-first. Limit defaults to 100.
	List(ctx context.Context, filter ReceiptFilter) ([]contracts.Receipt, error)
	// VerifyChain recomputes a tenant's hash chain from the start.
	VerifyChain(ctx context.Context, tenantID string) (bool, error)
}

const defaultListLimit = 100

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
