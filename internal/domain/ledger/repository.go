// Package ledger provides the movement ledger: immutable, append-only
// records of every stock movement with soft deletion only.
package ledger

import (
	"context"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
)

// Repository defines operations for movement ledger persistence.
type Repository interface {
	// CreateEntries batch inserts ledger entries.
	CreateEntries(ctx context.Context, entries []*entity.MovementLedgerEntry) error

	// CreateSerialMovements batch inserts serial children.
	CreateSerialMovements(ctx context.Context, rows []*entity.SerialMovement) error

	// ListByTrxNo returns entries for a document number, oldest first.
	ListByTrxNo(ctx context.Context, trxNo string, includeDeleted bool) ([]*entity.MovementLedgerEntry, error)

	// ListSerialMovements returns serial children of an entry.
	ListSerialMovements(ctx context.Context, entryID id.ID) ([]*entity.SerialMovement, error)

	// SoftDeleteByTrxNo flags every entry and serial child of a document
	// as deleted. Entries are never physically removed.
	SoftDeleteByTrxNo(ctx context.Context, trxNo string) error

	// SoftDeleteEntries flags specific entries (and their serial children)
	// as deleted. Used by mid-operation compensation.
	SoftDeleteEntries(ctx context.Context, entryIDs []id.ID) error
}
