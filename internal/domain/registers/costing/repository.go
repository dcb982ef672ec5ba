// Package costing provides the cost layer register and the costing resolver.
package costing

import (
	"context"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// LayerRepository defines operations for FIFO cost layers.
// Layers are append-only; only Available ever changes after creation.
type LayerRepository interface {
	// ListLayers returns layers for (material, batch, plant) ordered by
	// sequence ascending, oldest first.
	ListLayers(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) ([]*entity.CostLayer, error)

	// ListLayersForUpdate is ListLayers with row locks for consumption.
	ListLayersForUpdate(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) ([]*entity.CostLayer, error)

	// AppendLayer inserts a new layer with the next sequence number.
	AppendLayer(ctx context.Context, layer *entity.CostLayer) error

	// UpdateAvailable persists a changed available quantity.
	UpdateAvailable(ctx context.Context, layerID id.ID, available types.Quantity) error

	// DeleteLayer removes a layer created in the current operation.
	// Used only by rollback compensation for receipts.
	DeleteLayer(ctx context.Context, layerID id.ID) error
}

// AverageRepository defines operations for weighted-average records.
type AverageRepository interface {
	// Get returns the current record, or nil if none exists.
	Get(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) (*entity.WeightedAverageRecord, error)

	// GetForUpdate returns the record with a row lock.
	GetForUpdate(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) (*entity.WeightedAverageRecord, error)

	// Upsert inserts or replaces the record.
	Upsert(ctx context.Context, rec *entity.WeightedAverageRecord) error
}
