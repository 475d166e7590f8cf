package shipping_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotgate/depotgate/pkg/contracts"
	"github.com/depotgate/depotgate/pkg/deliverables"
	"github.com/depotgate/depotgate/pkg/shipping"
	"github.com/depotgate/depotgate/pkg/sinks"
	"github.com/depotgate/depotgate/pkg/staging"
	"github.com/depotgate/depotgate/pkg/store"

	_ "modernc.org/sqlite"
)

type fixture struct {
	area     *staging.Area
	registry *deliverables.Registry
	shipper  *shipping.Service
	ledger   store.ReceiptLedger
	sinkBase string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	meta, err := store.NewSQLMetadataStore(db, store.DriverSQLite)
	require.NoError(t, err)
	ledger, err := store.NewSQLReceiptLedger(db, store.DriverSQLite)
	require.NoError(t, err)
	relay := store.NewRelay(meta, ledger, nil)

	backend, err := staging.NewFSBackend(t.TempDir(), 0)
	require.NoError(t, err)
	area := staging.NewArea(backend, meta, relay, nil)
	registry := deliverables.NewRegistry(meta)

	sinkBase := t.TempDir()
	fsSink, err := sinks.NewFilesystemSink(sinkBase)
	require.NoError(t, err)
	sinkRegistry := sinks.NewRegistry()
	sinkRegistry.Register("filesystem", fsSink)

	shipper := shipping.NewService(area, registry, sinkRegistry, meta, relay, nil, nil)
	return &fixture{
		area:     area,
		registry: registry,
		shipper:  shipper,
		ledger:   ledger,
		sinkBase: sinkBase,
	}
}

func (f *fixture) stage(t *testing.T, task string, role contracts.ArtifactRole, content string) contracts.ArtifactPointer {
	t.Helper()
	pointer, err := f.area.Stage(context.Background(), staging.StageRequest{
		TenantID:   "t1",
		RootTaskID: task,
		Content:    bytes.NewReader([]byte(content)),
		Role:       role,
		MimeType:   "text/plain",
	})
	require.NoError(t, err)
	return pointer
}

func TestService_ShipEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan := f.stage(t, "task-1", contracts.RolePlan, "the plan")
	final := f.stage(t, "task-1", contracts.RoleFinalOutput, "the result")

	d, err := f.registry.Declare(ctx, "t1", "task-1", contracts.DeliverableSpec{
		ShippingDestination: "filesystem://out",
		Roles:               []contracts.ArtifactRole{contracts.RolePlan, contracts.RoleFinalOutput},
	})
	require.NoError(t, err)

	manifest, err := f.shipper.Ship(ctx, "t1", "task-1", d.DeliverableID)
	require.NoError(t, err)
	assert.Len(t, manifest.Artifacts, 2)
	assert.Len(t, manifest.DestinationRefs, 2)

	// content landed at the destination
	planFile := filepath.Join(f.sinkBase, "out", manifest.ManifestID.String(), plan.ArtifactID.String()+".txt")
	data, err := os.ReadFile(planFile)
	require.NoError(t, err)
	assert.Equal(t, "the plan", string(data))

	// deliverable transitioned with a version bump
	shipped, err := f.registry.Get(ctx, "t1", d.DeliverableID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusShipped, shipped.Status)
	assert.Equal(t, int64(2), shipped.Version)
	require.NotNil(t, shipped.ShippedAt)

	// manifest is persisted and listable
	stored, err := f.shipper.GetShipment(ctx, "t1", manifest.ManifestID)
	require.NoError(t, err)
	assert.Equal(t, manifest.ManifestID, stored.ManifestID)

	listed, err := f.shipper.ListShipments(ctx, "t1", "task-1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	// ledger holds staged receipts plus the completion, chain intact
	receipts, err := f.ledger.List(ctx, store.ReceiptFilter{TenantID: "t1", Type: contracts.ReceiptShipmentComplete})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, manifest.ManifestID.String(), receipts[0].Payload["manifest_id"])
	assert.EqualValues(t, 2, receipts[0].Payload["artifact_count"])

	ok, err := f.ledger.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Contains(t, manifest.DestinationRefs, final.ArtifactID.String())

	// shipped is terminal
	_, err = f.shipper.Ship(ctx, "t1", "task-1", d.DeliverableID)
	assert.ErrorIs(t, err, contracts.ErrAlreadyShipped)
}

func TestService_ShipRejectsOnUnmetClosure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stage(t, "task-1", contracts.RolePlan, "only a plan")

	d, err := f.registry.Declare(ctx, "t1", "task-1", contracts.DeliverableSpec{
		ShippingDestination: "filesystem://out",
		Roles:               []contracts.ArtifactRole{contracts.RoleFinalOutput},
	})
	require.NoError(t, err)

	_, err = f.shipper.Ship(ctx, "t1", "task-1", d.DeliverableID)
	var notMet *contracts.ClosureNotMetError
	require.ErrorAs(t, err, &notMet)
	require.Len(t, notMet.Unmet, 1)
	assert.Equal(t, string(contracts.RoleFinalOutput), notMet.Unmet[0].Value)

	rejected, err := f.registry.Get(ctx, "t1", d.DeliverableID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, rejected.Status)

	receipts, err := f.ledger.List(ctx, store.ReceiptFilter{TenantID: "t1", Type: contracts.ReceiptShipmentRejected})
	require.NoError(t, err)
	require.Len(t, receipts, 1)

	// staging the missing role and retrying succeeds
	f.stage(t, "task-1", contracts.RoleFinalOutput, "done")
	manifest, err := f.shipper.Ship(ctx, "t1", "task-1", d.DeliverableID)
	require.NoError(t, err)
	assert.NotEmpty(t, manifest.DestinationRefs)
}

func TestService_ShipSelectionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.stage(t, "task-1", contracts.RoleSupporting, "a")
	b := f.stage(t, "task-1", contracts.RoleFinalOutput, "b")
	f.stage(t, "task-1", contracts.RoleIntermediate, "c")

	// explicit id first, then role matches, de-duplicated
	d, err := f.registry.Declare(ctx, "t1", "task-1", contracts.DeliverableSpec{
		ShippingDestination: "filesystem://out",
		ArtifactIDs:         []uuid.UUID{a.ArtifactID},
		Roles:               []contracts.ArtifactRole{contracts.RoleFinalOutput, contracts.RoleSupporting},
	})
	require.NoError(t, err)

	manifest, err := f.shipper.Ship(ctx, "t1", "task-1", d.DeliverableID)
	require.NoError(t, err)
	require.Len(t, manifest.Artifacts, 2)
	assert.Equal(t, a.ArtifactID, manifest.Artifacts[0].ArtifactID)
	assert.Equal(t, b.ArtifactID, manifest.Artifacts[1].ArtifactID)
}

func TestService_ShipAllWhenSpecNamesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stage(t, "task-1", contracts.RolePlan, "1")
	f.stage(t, "task-1", contracts.RoleSupporting, "2")

	d, err := f.registry.Declare(ctx, "t1", "task-1", contracts.DeliverableSpec{
		ShippingDestination: "filesystem://out",
	})
	require.NoError(t, err)

	manifest, err := f.shipper.Ship(ctx, "t1", "task-1", d.DeliverableID)
	require.NoError(t, err)
	assert.Len(t, manifest.Artifacts, 2)
}

func TestService_ShipEmptySelectionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.registry.Declare(ctx, "t1", "task-1", contracts.DeliverableSpec{
		ShippingDestination: "filesystem://out",
	})
	require.NoError(t, err)

	_, err = f.shipper.Ship(ctx, "t1", "task-1", d.DeliverableID)
	assert.ErrorIs(t, err, contracts.ErrEmptyShipment)
}

func TestService_ShipTaskMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stage(t, "task-1", contracts.RoleSupporting, "x")
	d, err := f.registry.Declare(ctx, "t1", "task-1", contracts.DeliverableSpec{
		ShippingDestination: "filesystem://out",
	})
	require.NoError(t, err)

	_, err = f.shipper.Ship(ctx, "t1", "task-2", d.DeliverableID)
	assert.ErrorIs(t, err, contracts.ErrTaskMismatch)

	_, err = f.shipper.Ship(ctx, "t1", "task-1", uuid.New())
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestService_PurgeImmediateDeletesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pointer := f.stage(t, "task-1", contracts.RoleSupporting, "bye")

	purged, err := f.shipper.Purge(ctx, "t1", "task-1", contracts.PolicyImmediate, nil)
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, pointer.ArtifactID, purged[0])

	_, err = f.area.Get(ctx, "t1", pointer.ArtifactID)
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	receipts, err := f.ledger.List(ctx, store.ReceiptFilter{TenantID: "t1", Type: contracts.ReceiptPurged})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, string(contracts.PolicyImmediate), receipts[0].Payload["policy"])

	// purging again is a no-op with no extra receipt
	again, err := f.shipper.Purge(ctx, "t1", "task-1", contracts.PolicyImmediate, nil)
	require.NoError(t, err)
	assert.Nil(t, again)

	receipts, err = f.ledger.List(ctx, store.ReceiptFilter{TenantID: "t1", Type: contracts.ReceiptPurged})
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestService_PurgeRetentionKeepsContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pointer := f.stage(t, "task-1", contracts.RoleSupporting, "keep me")

	purged, err := f.shipper.Purge(ctx, "t1", "task-1", contracts.PolicyRetain24h, []uuid.UUID{pointer.ArtifactID})
	require.NoError(t, err)
	require.Len(t, purged, 1)

	// metadata is soft-deleted but the blob survives for the reaper
	all, err := f.area.List(ctx, "t1", "task-1", staging.ListOptions{IncludePurged: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, contracts.ArtifactPurged, all[0].State())
}

func TestService_PurgeUnknownPolicy(t *testing.T) {
	f := newFixture(t)
	_, err := f.shipper.Purge(context.Background(), "t1", "task-1", "whenever", nil)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestService_PurgeIgnoresForeignTaskArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine := f.stage(t, "task-1", contracts.RoleSupporting, "mine")
	other := f.stage(t, "task-2", contracts.RoleSupporting, "other")

	purged, err := f.shipper.Purge(ctx, "t1", "task-1", contracts.PolicyImmediate,
		[]uuid.UUID{mine.ArtifactID, other.ArtifactID})
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, mine.ArtifactID, purged[0])

	// the other task's artifact is untouched
	got, err := f.area.Get(ctx, "t1", other.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ArtifactActive, got.State())
}

func TestService_ShipWithFixedClockAndID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fixed := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	manifestID := uuid.New()
	f.shipper.WithClock(func() time.Time { return fixed }).
		WithIDSource(func() uuid.UUID { return manifestID })

	f.stage(t, "task-1", contracts.RoleFinalOutput, "x")
	d, err := f.registry.Declare(ctx, "t1", "task-1", contracts.DeliverableSpec{
		ShippingDestination: "filesystem://out",
	})
	require.NoError(t, err)

	manifest, err := f.shipper.Ship(ctx, "t1", "task-1", d.DeliverableID)
	require.NoError(t, err)
	assert.Equal(t, manifestID, manifest.ManifestID)
	assert.Equal(t, fixed, manifest.ShippedAt)
}
