// Package deliverables manages deliverable contracts: declaration,
// lookup, closure checks, and lifecycle transitions.
package deliverables

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/depotgate/depotgate/pkg/closure"
	"github.com/depotgate/depotgate/pkg/contracts"
	"github.com/depotgate/depotgate/pkg/store"
)

// Registry owns deliverable lifecycle state. Transitions are guarded by
// the deliverable's version counter; shipped is terminal, rejected can
// be retried.
type Registry struct {
	meta  store.MetadataStore
	clock func() time.Time
	newID func() uuid.UUID
}

// NewRegistry wires a registry.
func NewRegistry(meta store.MetadataStore) *Registry {
	return &Registry{meta: meta, clock: time.Now, newID: uuid.New}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithIDSource overrides deliverable id generation for testing.
func (r *Registry) WithIDSource(newID func() uuid.UUID) *Registry {
	r.newID = newID
	return r
}

// Declare records a deliverable contract in pending state.
func (r *Registry) Declare(ctx context.Context, tenantID, rootTaskID string, spec contracts.DeliverableSpec) (contracts.Deliverable, error) {
	if tenantID == "" || rootTaskID == "" {
		return contracts.Deliverable{}, fmt.Errorf("%w: tenant and root task are required", contracts.ErrValidation)
	}
	if err := spec.Validate(); err != nil {
		return contracts.Deliverable{}, err
	}
	d := contracts.Deliverable{
		DeliverableID: r.newID(),
		RootTaskID:    rootTaskID,
		TenantID:      tenantID,
		Spec:          spec,
		DeclaredAt:    r.clock().UTC(),
		Status:        contracts.StatusPending,
		Version:       1,
	}
	if err := r.meta.DeclareDeliverable(ctx, d); err != nil {
		return contracts.Deliverable{}, err
	}
	return d, nil
}

// Get returns a deliverable owned by the tenant.
func (r *Registry) Get(ctx context.Context, tenantID string, deliverableID uuid.UUID) (contracts.Deliverable, error) {
	return r.meta.GetDeliverable(ctx, tenantID, deliverableID)
}

// List returns the task's deliverables ordered by declaration time.
func (r *Registry) List(ctx context.Context, tenantID, rootTaskID string, status *contracts.DeliverableStatus) ([]contracts.Deliverable, error) {
	return r.meta.ListDeliverables(ctx, tenantID, rootTaskID, status)
}

// CheckClosure evaluates the deliverable's requirements against the
// current non-purged staged set.
func (r *Registry) CheckClosure(ctx context.Context, tenantID string, deliverableID uuid.UUID) (contracts.ClosureStatus, error) {
	d, err := r.meta.GetDeliverable(ctx, tenantID, deliverableID)
	if err != nil {
		return contracts.ClosureStatus{}, err
	}
	staged, err := r.meta.ListArtifacts(ctx, tenantID, d.RootTaskID, store.ArtifactFilter{})
	if err != nil {
		return contracts.ClosureStatus{}, err
	}
	result := closure.Evaluate(d.Spec, staged)
	return contracts.ClosureStatus{
		DeliverableID:   deliverableID,
		AllMet:          result.AllMet,
		Met:             result.Met,
		Unmet:           result.Unmet,
		StagedArtifacts: staged,
	}, nil
}

// MarkRejected transitions to rejected, guarded by expectedVersion, and
// enqueues the rejection receipt with the update.
func (r *Registry) MarkRejected(ctx context.Context, tenantID string, deliverableID uuid.UUID, expectedVersion int64, receipt contracts.Receipt) error {
	return r.meta.MarkDeliverableRejected(ctx, tenantID, deliverableID, expectedVersion, receipt)
}
