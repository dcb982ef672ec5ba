// Package balance provides the balance accumulation register.
package balance

import (
	"context"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
)

// KeyShape selects which flavor of balance records a query returns.
// Serial-managed stock lives in serial records, batch-managed in batch
// records, everything else in plain location records.
type KeyShape string

const (
	ShapeLocation KeyShape = "location"
	ShapeBatch    KeyShape = "batch"
	ShapeSerial   KeyShape = "serial"
)

// Repository defines operations for the balance register.
type Repository interface {
	// Get returns the record for a key, or nil if none exists yet.
	Get(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error)

	// GetForUpdate returns the record with a row lock for mutation.
	GetForUpdate(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error)

	// Create inserts a new zero-initialized record.
	Create(ctx context.Context, rec *entity.BalanceRecord) error

	// Update saves bucket changes with optimistic version check.
	Update(ctx context.Context, rec *entity.BalanceRecord) error

	// ListByMaterial returns records of the given shape for a material at a
	// plant. Used by the allocation engine to enumerate eligible stock.
	ListByMaterial(ctx context.Context, materialID, plantID id.ID, shape KeyShape) ([]*entity.BalanceRecord, error)

	// ListByLocation returns all records at a location (reporting).
	ListByLocation(ctx context.Context, locationID id.ID) ([]*entity.BalanceRecord, error)
}
