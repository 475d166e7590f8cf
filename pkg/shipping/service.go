// Package shipping orchestrates shipments and purges: closure
// evaluation, artifact selection, sink transfer, and the metadata/
// receipt commits that follow.
package shipping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/depotgate/depotgate/pkg/contracts"
	"github.com/depotgate/depotgate/pkg/deliverables"
	"github.com/depotgate/depotgate/pkg/lease"
	"github.com/depotgate/depotgate/pkg/sinks"
	"github.com/depotgate/depotgate/pkg/staging"
	"github.com/depotgate/depotgate/pkg/store"
)

const leaseTTL = 2 * time.Minute

// Service executes ship and purge operations.
type Service struct {
	area     *staging.Area
	registry *deliverables.Registry
	sinks    *sinks.Registry
	meta     store.MetadataStore
	relay    *store.Relay
	guard    lease.Guard
	tracer   trace.Tracer
	log      *slog.Logger
	clock    func() time.Time
	newID    func() uuid.UUID
}

// NewService wires a shipping service. guard and logger may be nil; a
// nil guard falls back to an in-process lease.
func NewService(area *staging.Area, registry *deliverables.Registry, sinkRegistry *sinks.Registry, meta store.MetadataStore, relay *store.Relay, guard lease.Guard, logger *slog.Logger) *Service {
	if guard == nil {
		guard = lease.NewLocal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		area:     area,
		registry: registry,
		sinks:    sinkRegistry,
		meta:     meta,
		relay:    relay,
		guard:    guard,
		tracer:   otel.Tracer("depotgate/shipping"),
		log:      logger,
		clock:    time.Now,
		newID:    uuid.New,
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithIDSource overrides manifest id generation for testing.
func (s *Service) WithIDSource(newID func() uuid.UUID) *Service {
	s.newID = newID
	return s
}

// Ship transfers a deliverable's qualifying artifacts to its declared
// destination. The deliverable is marked shipped only after the external
// transfer succeeded; a failed closure check transitions it to rejected
// and returns *contracts.ClosureNotMetError.
func (s *Service) Ship(ctx context.Context, tenantID, rootTaskID string, deliverableID uuid.UUID) (contracts.ShipmentManifest, error) {
	ctx, span := s.tracer.Start(ctx, "depotgate.ship",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("root_task_id", rootTaskID),
			attribute.String("deliverable_id", deliverableID.String()),
		))
	defer span.End()

	deliverable, err := s.registry.Get(ctx, tenantID, deliverableID)
	if err != nil {
		return contracts.ShipmentManifest{}, err
	}
	if deliverable.RootTaskID != rootTaskID {
		return contracts.ShipmentManifest{}, fmt.Errorf("deliverable %s, task %s: %w",
			deliverableID, rootTaskID, contracts.ErrTaskMismatch)
	}
	if deliverable.Status == contracts.StatusShipped {
		return contracts.ShipmentManifest{}, fmt.Errorf("deliverable %s: %w",
			deliverableID, contracts.ErrAlreadyShipped)
	}

	status, err := s.registry.CheckClosure(ctx, tenantID, deliverableID)
	if err != nil {
		return contracts.ShipmentManifest{}, err
	}
	if !status.AllMet {
		rejection := contracts.NewShipmentRejectedReceipt(
			tenantID, rootTaskID, deliverableID, status.Unmet, "closure requirements not met")
		if err := s.registry.MarkRejected(ctx, tenantID, deliverableID, deliverable.Version, rejection); err != nil {
			return contracts.ShipmentManifest{}, err
		}
		s.drain(ctx)
		s.log.Info("shipment rejected",
			"tenant", tenantID, "deliverable", deliverableID, "unmet", len(status.Unmet))
		return contracts.ShipmentManifest{}, &contracts.ClosureNotMetError{
			DeliverableID: deliverableID,
			Unmet:         status.Unmet,
		}
	}

	selected := selectArtifacts(deliverable.Spec, status.StagedArtifacts)
	if len(selected) == 0 {
		return contracts.ShipmentManifest{}, contracts.ErrEmptyShipment
	}

	destination := deliverable.Spec.ShippingDestination
	sink, err := s.sinks.ForDestination(destination)
	if err != nil {
		return contracts.ShipmentManifest{}, err
	}
	if err := sink.ValidateDestination(ctx, destination); err != nil {
		return contracts.ShipmentManifest{}, err
	}

	// Hold leases over the selected artifacts so a concurrent purge
	// cannot invalidate content mid-transfer.
	release, err := s.acquireAll(ctx, tenantID, rootTaskID, selected)
	if err != nil {
		return contracts.ShipmentManifest{}, err
	}
	defer release()

	manifest := contracts.ShipmentManifest{
		ManifestID:    s.newID(),
		DeliverableID: deliverableID,
		RootTaskID:    rootTaskID,
		TenantID:      tenantID,
		Artifacts:     selected,
		Destination:   destination,
		ShippedAt:     s.clock().UTC(),
	}

	refs, err := sink.Ship(ctx, selected, destination, manifest, func(ctx context.Context, artifactID uuid.UUID) ([]byte, error) {
		return s.area.Retrieve(ctx, tenantID, artifactID)
	})
	if err != nil {
		// Transfer failed: no state change, no completion receipt.
		return contracts.ShipmentManifest{}, fmt.Errorf("ship to %s: %w", destination, err)
	}
	manifest.DestinationRefs = refs

	// Commit point. A crash between the external transfer above and
	// this commit leaves the destination holding content the metadata
	// does not acknowledge; recovery is out of scope here.
	receipt := contracts.NewShipmentCompleteReceipt(manifest)
	if err := s.meta.RecordShipment(ctx, manifest, deliverable.Version, receipt); err != nil {
		return contracts.ShipmentManifest{}, err
	}
	s.drain(ctx)

	s.log.Info("shipment complete",
		"tenant", tenantID, "deliverable", deliverableID,
		"manifest", manifest.ManifestID, "artifacts", len(selected), "destination", destination)
	return manifest, nil
}

// selectArtifacts picks the shipment set: explicit ids, then artifacts
// matching any declared role, de-duplicated by id in first-seen order.
// A spec declaring neither ids nor roles ships everything staged.
func selectArtifacts(spec contracts.DeliverableSpec, staged []contracts.ArtifactPointer) []contracts.ArtifactPointer {
	if len(spec.ArtifactIDs) == 0 && len(spec.Roles) == 0 {
		return staged
	}
	var selected []contracts.ArtifactPointer
	seen := make(map[uuid.UUID]bool)
	for _, id := range spec.ArtifactIDs {
		for _, artifact := range staged {
			if artifact.ArtifactID == id {
				if !seen[id] {
					selected = append(selected, artifact)
					seen[id] = true
				}
				break
			}
		}
	}
	for _, role := range spec.Roles {
		for _, artifact := range staged {
			if artifact.Role == role && !seen[artifact.ArtifactID] {
				selected = append(selected, artifact)
				seen[artifact.ArtifactID] = true
			}
		}
	}
	return selected
}

func (s *Service) acquireAll(ctx context.Context, tenantID, rootTaskID string, artifacts []contracts.ArtifactPointer) (func(), error) {
	releases := make([]func(), 0, len(artifacts))
	releaseAll := func() {
		for _, r := range releases {
			r()
		}
	}
	for _, artifact := range artifacts {
		key := fmt.Sprintf("%s/%s/%s", tenantID, rootTaskID, artifact.ArtifactID)
		release, err := s.guard.Acquire(ctx, key, leaseTTL)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("artifact %s: %w", artifact.ArtifactID, err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// Purge removes or soft-deletes staged artifacts per the policy. An
// empty target set is a defined no-op: no receipt, nil result.
func (s *Service) Purge(ctx context.Context, tenantID, rootTaskID string, policy contracts.PurgePolicy, artifactIDs []uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "depotgate.purge",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("root_task_id", rootTaskID),
			attribute.String("policy", string(policy)),
		))
	defer span.End()

	if _, err := contracts.ParsePurgePolicy(string(policy)); err != nil {
		return nil, err
	}

	var targets []contracts.ArtifactPointer
	if len(artifactIDs) > 0 {
		for _, id := range artifactIDs {
			artifact, err := s.area.Get(ctx, tenantID, id)
			if err != nil {
				if errors.Is(err, contracts.ErrNotFound) {
					continue // already purged or never staged
				}
				return nil, err
			}
			if artifact.RootTaskID == rootTaskID {
				targets = append(targets, artifact)
			}
		}
	} else {
		var err error
		targets, err = s.area.List(ctx, tenantID, rootTaskID, staging.ListOptions{})
		if err != nil {
			return nil, err
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	release, err := s.acquireAll(ctx, tenantID, rootTaskID, targets)
	if err != nil {
		return nil, err
	}
	defer release()

	purgedIDs := make([]uuid.UUID, 0, len(targets))
	for _, t := range targets {
		purgedIDs = append(purgedIDs, t.ArtifactID)
	}

	if policy == contracts.PolicyImmediate {
		if _, err := s.area.DeleteContent(ctx, tenantID, purgedIDs); err != nil {
			return nil, err
		}
	}
	// Retention policies only soft-delete; content reaping is a
	// scheduled external responsibility.
	receipt := contracts.NewPurgedReceipt(tenantID, rootTaskID, purgedIDs, policy)
	if _, err := s.area.MarkPurged(ctx, tenantID, purgedIDs, &receipt); err != nil {
		return nil, err
	}
	s.drain(ctx)

	s.log.Info("artifacts purged",
		"tenant", tenantID, "task", rootTaskID, "policy", string(policy), "count", len(purgedIDs))
	return purgedIDs, nil
}

// GetShipment returns a manifest owned by the tenant.
func (s *Service) GetShipment(ctx context.Context, tenantID string, manifestID uuid.UUID) (contracts.ShipmentManifest, error) {
	return s.meta.GetShipment(ctx, tenantID, manifestID)
}

// ListShipments returns a task's manifests ordered by shipping time.
func (s *Service) ListShipments(ctx context.Context, tenantID, rootTaskID string) ([]contracts.ShipmentManifest, error) {
	return s.meta.ListShipments(ctx, tenantID, rootTaskID)
}

func (s *Service) drain(ctx context.Context) {
	if _, err := s.relay.Drain(ctx); err != nil {
		s.log.Warn("receipt relay failed, receipts remain queued", "error", err)
	}
}
