// Package contracts defines the domain objects shared across DepotGate:
// artifact pointers, deliverable contracts, shipment manifests, receipts,
// and the error taxonomy the services report against.
package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ArtifactRole classifies a staged artifact.
type ArtifactRole string

const (
	RolePlan         ArtifactRole = "plan"
	RoleFinalOutput  ArtifactRole = "final_output"
	RoleSupporting   ArtifactRole = "supporting"
	RoleIntermediate ArtifactRole = "intermediate"
)

// ParseArtifactRole validates a role string.
func ParseArtifactRole(s string) (ArtifactRole, error) {
	switch ArtifactRole(s) {
	case RolePlan, RoleFinalOutput, RoleSupporting, RoleIntermediate:
		return ArtifactRole(s), nil
	}
	return "", fmt.Errorf("%w: artifact role %q", ErrValidation, s)
}

// ArtifactState is the explicit lifecycle state of a staged artifact.
// Purged artifacts keep their metadata but their content may be gone.
type ArtifactState string

const (
	ArtifactActive ArtifactState = "active"
	ArtifactPurged ArtifactState = "purged"
)

// ArtifactPointer is a content-opaque reference to a staged artifact.
// Identity fields (TenantID, RootTaskID, ArtifactID) are immutable, and
// a Location is never reused across tenants.
type ArtifactPointer struct {
	ArtifactID          uuid.UUID    `json:"artifact_id"`
	TenantID            string       `json:"tenant_id"`
	RootTaskID          string       `json:"root_task_id"`
	Location            string       `json:"location"`
	SizeBytes           int64        `json:"size_bytes"`
	MimeType            string       `json:"mime_type"`
	ContentHash         string       `json:"content_hash,omitempty"`
	Role                ArtifactRole `json:"artifact_role"`
	ProducedByReceiptID string       `json:"produced_by_receipt_id,omitempty"`
	StagedAt            time.Time    `json:"staged_at"`
	PurgedAt            *time.Time   `json:"purged_at,omitempty"`
}

// State derives the explicit lifecycle state. Callers branch on this
// instead of inspecting PurgedAt directly.
func (a ArtifactPointer) State() ArtifactState {
	if a.PurgedAt != nil {
		return ArtifactPurged
	}
	return ArtifactActive
}

// RequirementType tags a closure requirement variant.
type RequirementType string

const (
	RequirementChildTask    RequirementType = "child_task"
	RequirementArtifactRole RequirementType = "artifact_role"
	RequirementArtifactID   RequirementType = "artifact_id"
	RequirementReceiptPhase RequirementType = "receipt_phase"
)

// ParseRequirementType validates a requirement type string.
func ParseRequirementType(s string) (RequirementType, error) {
	switch RequirementType(s) {
	case RequirementChildTask, RequirementArtifactRole, RequirementArtifactID, RequirementReceiptPhase:
		return RequirementType(s), nil
	}
	return "", fmt.Errorf("%w: requirement type %q", ErrValidation, s)
}

// ClosureRequirement is a single predicate a deliverable declares over
// the staged artifact set.
type ClosureRequirement struct {
	Type        RequirementType `json:"requirement_type"`
	Value       string          `json:"value"`
	Description string          `json:"description,omitempty"`
}

// DeliverableSpec is the declared contract for a deliverable.
type DeliverableSpec struct {
	ArtifactIDs         []uuid.UUID          `json:"artifact_ids,omitempty"`
	Roles               []ArtifactRole       `json:"artifact_roles,omitempty"`
	Requirements        []ClosureRequirement `json:"requirements,omitempty"`
	ShippingDestination string               `json:"shipping_destination"`
	Metadata            map[string]any       `json:"metadata,omitempty"`
}

// Validate checks enum values and required fields. No state is touched
// on failure.
func (s DeliverableSpec) Validate() error {
	if s.ShippingDestination == "" {
		return fmt.Errorf("%w: shipping_destination is required", ErrValidation)
	}
	for _, r := range s.Roles {
		if _, err := ParseArtifactRole(string(r)); err != nil {
			return err
		}
	}
	for _, req := range s.Requirements {
		if _, err := ParseRequirementType(string(req.Type)); err != nil {
			return err
		}
		if req.Value == "" {
			return fmt.Errorf("%w: requirement value is required", ErrValidation)
		}
		if req.Type == RequirementArtifactID {
			if _, err := uuid.Parse(req.Value); err != nil {
				return fmt.Errorf("%w: requirement artifact id %q", ErrValidation, req.Value)
			}
		}
		if req.Type == RequirementArtifactRole {
			if _, err := ParseArtifactRole(req.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeliverableStatus is the lifecycle state of a declared deliverable.
// Shipped is terminal; rejected deliverables may be retried.
type DeliverableStatus string

const (
	StatusPending  DeliverableStatus = "pending"
	StatusShipped  DeliverableStatus = "shipped"
	StatusRejected DeliverableStatus = "rejected"
)

// ParseDeliverableStatus validates a status string.
func ParseDeliverableStatus(s string) (DeliverableStatus, error) {
	switch DeliverableStatus(s) {
	case StatusPending, StatusShipped, StatusRejected:
		return DeliverableStatus(s), nil
	}
	return "", fmt.Errorf("%w: deliverable status %q", ErrValidation, s)
}

// Deliverable is a declared contract plus its lifecycle state. Version
// is a monotonic counter bumped on every status transition; transitions
// are compare-and-swap on it.
type Deliverable struct {
	DeliverableID uuid.UUID         `json:"deliverable_id"`
	RootTaskID    string            `json:"root_task_id"`
	TenantID      string            `json:"tenant_id"`
	Spec          DeliverableSpec   `json:"spec"`
	DeclaredAt    time.Time         `json:"declared_at"`
	ShippedAt     *time.Time        `json:"shipped_at,omitempty"`
	Status        DeliverableStatus `json:"status"`
	Version       int64             `json:"version"`
}

// ShipmentManifest records what was shipped, where, and with what
// per-artifact destination references. Immutable once created.
type ShipmentManifest struct {
	ManifestID      uuid.UUID         `json:"manifest_id"`
	DeliverableID   uuid.UUID         `json:"deliverable_id"`
	RootTaskID      string            `json:"root_task_id"`
	TenantID        string            `json:"tenant_id"`
	Artifacts       []ArtifactPointer `json:"artifacts"`
	Destination     string            `json:"destination"`
	DestinationRefs map[string]string `json:"destination_refs,omitempty"`
	ShippedAt       time.Time         `json:"shipped_at"`
}

// PurgePolicy controls what happens to staged content on purge.
// Only PolicyImmediate deletes content; the others soft-delete metadata
// and leave hard deletion to an external scheduled reaper.
type PurgePolicy string

const (
	PolicyImmediate PurgePolicy = "immediate"
	PolicyRetain24h PurgePolicy = "retain_24h"
	PolicyRetain7d  PurgePolicy = "retain_7d"
	PolicyManual    PurgePolicy = "manual"
)

// ParsePurgePolicy validates a policy string.
func ParsePurgePolicy(s string) (PurgePolicy, error) {
	switch PurgePolicy(s) {
	case PolicyImmediate, PolicyRetain24h, PolicyRetain7d, PolicyManual:
		return PurgePolicy(s), nil
	}
	return "", fmt.Errorf("%w: purge policy %q", ErrValidation, s)
}

// ClosureStatus is the result of evaluating a deliverable's requirements
// against the currently staged artifact set.
type ClosureStatus struct {
	DeliverableID   uuid.UUID            `json:"deliverable_id"`
	AllMet          bool                 `json:"all_met"`
	Met             []ClosureRequirement `json:"met_requirements"`
	Unmet           []ClosureRequirement `json:"unmet_requirements"`
	StagedArtifacts []ArtifactPointer    `json:"staged_artifacts"`
}
