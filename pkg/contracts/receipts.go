package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReceiptType categorizes a ledger event.
type ReceiptType string

const (
	ReceiptArtifactStaged   ReceiptType = "artifact_staged"
	ReceiptShipmentRejected ReceiptType = "shipment_rejected"
	ReceiptShipmentComplete ReceiptType = "shipment_complete"
	ReceiptPurged           ReceiptType = "purged"
)

// ParseReceiptType validates a receipt type string.
func ParseReceiptType(s string) (ReceiptType, error) {
	switch ReceiptType(s) {
	case ReceiptArtifactStaged, ReceiptShipmentRejected, ReceiptShipmentComplete, ReceiptPurged:
		return ReceiptType(s), nil
	}
	return "", fmt.Errorf("%w: receipt type %q", ErrValidation, s)
}

// Receipt is an append-only audit event. CausedByReceiptID is an
// advisory causal link, not an enforced foreign key. PrevHash and
// ContentHash are filled by the ledger on append and chain each receipt
// to its tenant's predecessor.
type Receipt struct {
	ReceiptID         uuid.UUID      `json:"receipt_id"`
	Type              ReceiptType    `json:"receipt_type"`
	TenantID          string         `json:"tenant_id"`
	RootTaskID        string         `json:"root_task_id"`
	Timestamp         time.Time      `json:"timestamp"`
	CausedByReceiptID string         `json:"caused_by_receipt_id,omitempty"`
	Payload           map[string]any `json:"payload"`
	PrevHash          string         `json:"prev_hash,omitempty"`
	ContentHash       string         `json:"content_hash,omitempty"`
}

// The constructors below always populate the flattened Payload so the
// ledger stays queryable by consumers unaware of the richer schema.

// NewArtifactStagedReceipt records that an artifact entered staging.
func NewArtifactStagedReceipt(pointer ArtifactPointer, causedBy string) Receipt {
	return Receipt{
		ReceiptID:         uuid.New(),
		Type:              ReceiptArtifactStaged,
		TenantID:          pointer.TenantID,
		RootTaskID:        pointer.RootTaskID,
		Timestamp:         time.Now().UTC(),
		CausedByReceiptID: causedBy,
		Payload: map[string]any{
			"artifact_id":   pointer.ArtifactID.String(),
			"location":      pointer.Location,
			"size_bytes":    pointer.SizeBytes,
			"mime_type":     pointer.MimeType,
			"content_hash":  pointer.ContentHash,
			"artifact_role": string(pointer.Role),
		},
	}
}

// NewShipmentRejectedReceipt records a ship attempt that failed closure.
func NewShipmentRejectedReceipt(tenantID, rootTaskID string, deliverableID uuid.UUID, unmet []ClosureRequirement, reason string) Receipt {
	reqs := make([]map[string]any, 0, len(unmet))
	for _, r := range unmet {
		reqs = append(reqs, map[string]any{
			"type":        string(r.Type),
			"value":       r.Value,
			"description": r.Description,
		})
	}
	return Receipt{
		ReceiptID:  uuid.New(),
		Type:       ReceiptShipmentRejected,
		TenantID:   tenantID,
		RootTaskID: rootTaskID,
		Timestamp:  time.Now().UTC(),
		Payload: map[string]any{
			"deliverable_id":     deliverableID.String(),
			"reason":             reason,
			"unmet_requirements": reqs,
		},
	}
}

// NewShipmentCompleteReceipt records a successful shipment.
func NewShipmentCompleteReceipt(manifest ShipmentManifest) Receipt {
	ids := make([]string, 0, len(manifest.Artifacts))
	for _, a := range manifest.Artifacts {
		ids = append(ids, a.ArtifactID.String())
	}
	return Receipt{
		ReceiptID:  uuid.New(),
		Type:       ReceiptShipmentComplete,
		TenantID:   manifest.TenantID,
		RootTaskID: manifest.RootTaskID,
		Timestamp:  time.Now().UTC(),
		Payload: map[string]any{
			"manifest_id":      manifest.ManifestID.String(),
			"deliverable_id":   manifest.DeliverableID.String(),
			"destination":      manifest.Destination,
			"artifact_count":   len(manifest.Artifacts),
			"artifact_ids":     ids,
			"destination_refs": manifest.DestinationRefs,
		},
	}
}

// NewPurgedReceipt records a purge of one or more staged artifacts.
func NewPurgedReceipt(tenantID, rootTaskID string, purged []uuid.UUID, policy PurgePolicy) Receipt {
	ids := make([]string, 0, len(purged))
	for _, id := range purged {
		ids = append(ids, id.String())
	}
	return Receipt{
		ReceiptID:  uuid.New(),
		Type:       ReceiptPurged,
		TenantID:   tenantID,
		RootTaskID: rootTaskID,
		Timestamp:  time.Now().UTC(),
		Payload: map[string]any{
			"purged_artifact_ids": ids,
			"policy":              string(policy),
			"count":               len(purged),
		},
	}
}
