package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotgate/depotgate/pkg/contracts"
)

func newTestLedger(t *testing.T) *SQLReceiptLedger {
	t.Helper()
	db, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l, err := NewSQLReceiptLedger(db, DriverSQLite)
	require.NoError(t, err)
	return l
}

func TestSQLReceiptLedger_AppendChainsPerTenant(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, contracts.NewPurgedReceipt("t1", "task-1", []uuid.UUID{uuid.New()}, contracts.PolicyImmediate))
	require.NoError(t, err)
	assert.Equal(t, "genesis", first.PrevHash)
	assert.NotEmpty(t, first.ContentHash)

	second, err := l.Append(ctx, contracts.NewPurgedReceipt("t1", "task-1", []uuid.UUID{uuid.New()}, contracts.PolicyManual))
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, second.PrevHash)

	// a different tenant starts its own chain
	other, err := l.Append(ctx, contracts.NewPurgedReceipt("t2", "task-9", []uuid.UUID{uuid.New()}, contracts.PolicyImmediate))
	require.NoError(t, err)
	assert.Equal(t, "genesis", other.PrevHash)

	for _, tenant := range []string{"t1", "t2"} {
		ok, err := l.VerifyChain(ctx, tenant)
		require.NoError(t, err)
		assert.True(t, ok, "chain for %s", tenant)
	}
}

func TestSQLReceiptLedger_AppendIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	r := contracts.NewPurgedReceipt("t1", "task-1", []uuid.UUID{uuid.New()}, contracts.PolicyImmediate)
	stored, err := l.Append(ctx, r)
	require.NoError(t, err)

	replayed, err := l.Append(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, stored.ContentHash, replayed.ContentHash)

	list, err := l.List(ctx, ReceiptFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLReceiptLedger_AppendRejectsUnknownType(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Append(context.Background(), contracts.Receipt{
		ReceiptID:  uuid.New(),
		Type:       "made_up",
		TenantID:   "t1",
		RootTaskID: "task-1",
		Timestamp:  time.Now().UTC(),
	})
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestSQLReceiptLedger_ListFilters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	base := time.Now().UTC()

	mk := func(taskID string, rt contracts.ReceiptType, at time.Time) contracts.Receipt {
		return contracts.Receipt{
			ReceiptID:  uuid.New(),
			Type:       rt,
			TenantID:   "t1",
			RootTaskID: taskID,
			Timestamp:  at,
			Payload:    map[string]any{"n": 1},
		}
	}
	_, err := l.Append(ctx, mk("task-1", contracts.ReceiptPurged, base.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = l.Append(ctx, mk("task-1", contracts.ReceiptShipmentComplete, base.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = l.Append(ctx, mk("task-2", contracts.ReceiptPurged, base))
	require.NoError(t, err)

	byTask, err := l.List(ctx, ReceiptFilter{TenantID: "t1", RootTaskID: "task-1"})
	require.NoError(t, err)
	assert.Len(t, byTask, 2)
	// newest first
	assert.Equal(t, contracts.ReceiptShipmentComplete, byTask[0].Type)

	byType, err := l.List(ctx, ReceiptFilter{TenantID: "t1", Type: contracts.ReceiptPurged})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	since, err := l.List(ctx, ReceiptFilter{TenantID: "t1", Since: base.Add(-90 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := l.List(ctx, ReceiptFilter{TenantID: "t1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLReceiptLedger_VerifyChainDetectsTampering(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	stored, err := l.Append(ctx, contracts.NewPurgedReceipt("t1", "task-1", []uuid.UUID{uuid.New()}, contracts.PolicyImmediate))
	require.NoError(t, err)
	_, err = l.Append(ctx, contracts.NewPurgedReceipt("t1", "task-1", []uuid.UUID{uuid.New()}, contracts.PolicyManual))
	require.NoError(t, err)

	// rewrite history behind the ledger's back
	_, err = l.db.Exec(`UPDATE receipts SET payload = '{"forged":true}' WHERE receipt_id = ?`,
		stored.ReceiptID.String())
	require.NoError(t, err)

	ok, err := l.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLReceiptLedger_VerifyChainSurvivesJSONRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// payload carries integers that come back as float64 after the JSON
	// round trip; canonicalization keeps the hash stable regardless
	p := contracts.ArtifactPointer{
		ArtifactID: uuid.New(),
		TenantID:   "t1",
		RootTaskID: "task-1",
		Location:   "fs://t1/task-1/x",
		SizeBytes:  1048576,
		MimeType:   "application/json",
		Role:       contracts.RoleFinalOutput,
		StagedAt:   time.Now().UTC(),
	}
	_, err := l.Append(ctx, contracts.NewArtifactStagedReceipt(p, ""))
	require.NoError(t, err)

	ok, err := l.VerifyChain(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}
