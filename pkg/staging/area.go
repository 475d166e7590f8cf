package staging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/depotgate/depotgate/pkg/contracts"
	"github.com/depotgate/depotgate/pkg/store"
)

// Area coordinates a storage backend with the metadata store. Staging a
// new artifact writes content, records the pointer, and enqueues the
// artifact_staged receipt transactionally, then drains the outbox.
type Area struct {
	backend StorageBackend
	meta    store.MetadataStore
	relay   *store.Relay
	log     *slog.Logger
	clock   func() time.Time
	newID   func() uuid.UUID
}

// NewArea wires a staging area. logger may be nil.
func NewArea(backend StorageBackend, meta store.MetadataStore, relay *store.Relay, logger *slog.Logger) *Area {
	if logger == nil {
		logger = slog.Default()
	}
	return &Area{
		backend: backend,
		meta:    meta,
		relay:   relay,
		log:     logger,
		clock:   time.Now,
		newID:   uuid.New,
	}
}

// WithClock overrides the clock for testing.
func (a *Area) WithClock(clock func() time.Time) *Area {
	a.clock = clock
	return a
}

// WithIDSource overrides artifact id generation for testing.
func (a *Area) WithIDSource(newID func() uuid.UUID) *Area {
	a.newID = newID
	return a
}

// StageRequest describes one artifact to stage. ArtifactID may be zero
// to have one generated. Content is consumed fully.
type StageRequest struct {
	TenantID            string
	RootTaskID          string
	ArtifactID          uuid.UUID
	Content             io.Reader
	MimeType            string
	Role                contracts.ArtifactRole
	ProducedByReceiptID string
	Metadata            map[string]any
}

// Stage writes the content and records the pointer. On a size-limit or
// path-safety failure no partial artifact is left visible.
func (a *Area) Stage(ctx context.Context, req StageRequest) (contracts.ArtifactPointer, error) {
	if req.TenantID == "" || req.RootTaskID == "" {
		return contracts.ArtifactPointer{}, fmt.Errorf("%w: tenant and root task are required", contracts.ErrValidation)
	}
	role := req.Role
	if role == "" {
		role = contracts.RoleSupporting
	}
	if _, err := contracts.ParseArtifactRole(string(role)); err != nil {
		return contracts.ArtifactPointer{}, err
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	artifactID := req.ArtifactID
	if artifactID == uuid.Nil {
		artifactID = a.newID()
	}

	location, size, hash, err := a.backend.Store(ctx, req.TenantID, req.RootTaskID, artifactID, req.Content, mimeType)
	if err != nil {
		return contracts.ArtifactPointer{}, err
	}

	pointer := contracts.ArtifactPointer{
		ArtifactID:          artifactID,
		TenantID:            req.TenantID,
		RootTaskID:          req.RootTaskID,
		Location:            location,
		SizeBytes:           size,
		MimeType:            mimeType,
		ContentHash:         hash,
		Role:                role,
		ProducedByReceiptID: req.ProducedByReceiptID,
		StagedAt:            a.clock().UTC(),
	}

	receipt := contracts.NewArtifactStagedReceipt(pointer, req.ProducedByReceiptID)
	if err := a.meta.StageArtifact(ctx, pointer, req.Metadata, receipt); err != nil {
		// Metadata failed; the blob is unreachable without a pointer, so
		// remove it rather than leak content.
		if _, derr := a.backend.Delete(ctx, location); derr != nil {
			a.log.Warn("orphan cleanup failed", "location", location, "error", derr)
		}
		return contracts.ArtifactPointer{}, err
	}

	if _, err := a.relay.Drain(ctx); err != nil {
		a.log.Warn("receipt relay failed, receipt remains queued", "error", err)
	}

	a.log.Info("artifact staged",
		"tenant", req.TenantID, "task", req.RootTaskID,
		"artifact", artifactID, "size", size, "role", string(role))
	return pointer, nil
}

// ListOptions narrows List results.
type ListOptions struct {
	Role          *contracts.ArtifactRole
	IncludePurged bool
}

// List returns the task's artifacts ordered by staging time.
func (a *Area) List(ctx context.Context, tenantID, rootTaskID string, opts ListOptions) ([]contracts.ArtifactPointer, error) {
	return a.meta.ListArtifacts(ctx, tenantID, rootTaskID, store.ArtifactFilter{
		Role:          opts.Role,
		IncludePurged: opts.IncludePurged,
	})
}

// Get returns a non-purged artifact owned by the tenant.
func (a *Area) Get(ctx context.Context, tenantID string, artifactID uuid.UUID) (contracts.ArtifactPointer, error) {
	return a.meta.GetArtifact(ctx, tenantID, artifactID)
}

// Retrieve returns the artifact's full content.
func (a *Area) Retrieve(ctx context.Context, tenantID string, artifactID uuid.UUID) ([]byte, error) {
	pointer, err := a.meta.GetArtifact(ctx, tenantID, artifactID)
	if err != nil {
		return nil, err
	}
	return a.backend.Retrieve(ctx, pointer.Location)
}

// RetrieveStream returns a reader over the artifact's content.
func (a *Area) RetrieveStream(ctx context.Context, tenantID string, artifactID uuid.UUID) (io.ReadCloser, error) {
	pointer, err := a.meta.GetArtifact(ctx, tenantID, artifactID)
	if err != nil {
		return nil, err
	}
	return a.backend.RetrieveStream(ctx, pointer.Location)
}

// MarkPurged soft-deletes metadata for the given ids. Already-purged ids
// are skipped. The receipt, when non-nil, is enqueued with the update.
func (a *Area) MarkPurged(ctx context.Context, tenantID string, artifactIDs []uuid.UUID, receipt *contracts.Receipt) (int, error) {
	return a.meta.MarkArtifactsPurged(ctx, tenantID, artifactIDs, a.clock().UTC(), receipt)
}

// DeleteContent removes underlying content for the given ids, returning
// how many blobs were actually deleted.
func (a *Area) DeleteContent(ctx context.Context, tenantID string, artifactIDs []uuid.UUID) (int, error) {
	deleted := 0
	for _, id := range artifactIDs {
		pointer, err := a.meta.GetArtifact(ctx, tenantID, id)
		if err != nil {
			continue // already purged or foreign; nothing to delete
		}
		ok, err := a.backend.Delete(ctx, pointer.Location)
		if err != nil {
			return deleted, fmt.Errorf("delete content for %s: %w", id, err)
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}
