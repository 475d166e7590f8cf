package contracts

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for the DepotGate error taxonomy. Callers discriminate
// with errors.Is / errors.As; none of these implies partial state was
// left behind.
var (
	// ErrValidation covers unknown enum values, malformed ids, and
	// missing required fields. Reported before any state changes.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound covers artifacts, deliverables, manifests, and
	// receipts that are absent or not owned by the caller's tenant.
	ErrNotFound = errors.New("not found")

	// ErrTaskMismatch: the deliverable exists but belongs to another
	// root task.
	ErrTaskMismatch = errors.New("deliverable does not belong to task")

	// ErrAlreadyShipped: shipped is a terminal state.
	ErrAlreadyShipped = errors.New("deliverable already shipped")

	// ErrEmptyShipment: closure passed but selection produced nothing.
	ErrEmptyShipment = errors.New("no artifacts to ship")

	// ErrSizeLimit: staged content exceeded the configured maximum.
	// Any partially written content has been removed.
	ErrSizeLimit = errors.New("artifact size exceeds limit")

	// ErrPathEscape: a location or destination resolved outside the
	// configured root. Fails closed; nothing was read or written.
	ErrPathEscape = errors.New("path escapes storage root")

	// ErrUnknownSink: no sink is registered for the destination scheme.
	ErrUnknownSink = errors.New("unknown sink scheme")

	// ErrInvalidDestination: the sink rejected the destination.
	ErrInvalidDestination = errors.New("invalid destination")

	// ErrVersionConflict: optimistic concurrency check failed; the
	// deliverable changed underneath the caller.
	ErrVersionConflict = errors.New("deliverable version conflict")

	// ErrLeaseHeld: another operation holds the artifact lease.
	ErrLeaseHeld = errors.New("artifact lease held")
)

// ClosureNotMetError is returned when a ship attempt fails closure
// evaluation. It carries the unmet requirement list; the deliverable has
// been transitioned to rejected and a shipment_rejected receipt appended.
type ClosureNotMetError struct {
	DeliverableID uuid.UUID
	Unmet         []ClosureRequirement
}

func (e *ClosureNotMetError) Error() string {
	return fmt.Sprintf("closure requirements not met for deliverable %s (%d unmet)",
		e.DeliverableID, len(e.Unmet))
}
