package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Relay drains the metadata store's receipt outbox into the receipt
// ledger. The two stores are not transactionally coupled; the outbox row
// is the durable handoff, so a crash between metadata commit and ledger
// append loses nothing: the receipt is relayed on the next drain.
type Relay struct {
	meta   MetadataStore
	ledger ReceiptLedger
	log    *slog.Logger
}

// NewRelay wires a relay. logger may be nil.
func NewRelay(meta MetadataStore, ledger ReceiptLedger, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{meta: meta, ledger: ledger, log: logger}
}

// Drain appends every pending outbox receipt to the ledger and marks it
// relayed. Ledger appends are idempotent on receipt id, so a crash
// between append and mark only causes a harmless replay.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	pending, err := r.meta.PendingReceipts(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("drain outbox: %w", err)
	}
	relayed := 0
	for _, receipt := range pending {
		if _, err := r.ledger.Append(ctx, receipt); err != nil {
			return relayed, fmt.Errorf("relay receipt %s: %w", receipt.ReceiptID, err)
		}
		if err := r.meta.MarkReceiptRelayed(ctx, receipt.ReceiptID); err != nil {
			return relayed, fmt.Errorf("relay receipt %s: %w", receipt.ReceiptID, err)
		}
		relayed++
	}
	if relayed > 0 {
		r.log.Debug("relayed receipts", "count", relayed)
	}
	return relayed, nil
}
