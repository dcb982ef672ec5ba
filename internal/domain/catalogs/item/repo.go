package item

import (
	"context"

	"stockledger/internal/core/id"
)

// Repository defines the interface for Item persistence.
type Repository interface {
	// GetByID retrieves an item with conversions and default bins.
	GetByID(ctx context.Context, itemID id.ID) (*Item, error)

	// GetByCode retrieves an item by its catalog code.
	GetByCode(ctx context.Context, code string) (*Item, error)

	// Create inserts a new item.
	Create(ctx context.Context, it *Item) error

	// Update saves item changes with optimistic version check.
	Update(ctx context.Context, it *Item) error

	// List returns items, optionally filtered by costing method.
	List(ctx context.Context, filter ListFilter) ([]*Item, error)
}

// ListFilter for item queries.
type ListFilter struct {
	CostingMethod *CostingMethod
	BatchManaged  *bool
	SerialManaged *bool
	Limit         int
	Offset        int
}
