// Package item provides the Item master catalog.
// Items carry the costing method, tracking flags, and UOM conversions that
// drive balance keeping, costing, and allocation.
package item

import (
	"context"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// CostingMethod selects how outbound movements are valued.
type CostingMethod string

const (
	CostingFIFO            CostingMethod = "fifo"
	CostingWeightedAverage CostingMethod = "weighted_average"
	CostingFixed           CostingMethod = "fixed"
)

// Valid reports whether m names a known costing method.
func (m CostingMethod) Valid() bool {
	switch m {
	case CostingFIFO, CostingWeightedAverage, CostingFixed:
		return true
	}
	return false
}

// UOMConversion maps an alternate unit of measure to base quantity.
type UOMConversion struct {
	AltUOM  string         `db:"alt_uom" json:"altUom"`
	BaseQty types.Quantity `db:"base_qty" json:"baseQty"`
}

// Item represents a material in the item master.
type Item struct {
	entity.Catalog

	// CostingMethod defines outbound valuation
	CostingMethod CostingMethod `db:"costing_method" json:"costingMethod"`

	// BatchManaged indicates stock is tracked per batch/lot
	BatchManaged bool `db:"batch_managed" json:"batchManaged"`

	// SerialManaged indicates stock is tracked per serial number.
	// Takes precedence over batch management for allocation key shape;
	// an item can be both, allocation keys then include batch and serial.
	SerialManaged bool `db:"serial_managed" json:"serialManaged"`

	// BaseUOM is the base unit of measure
	BaseUOM string `db:"base_uom" json:"baseUom"`

	// UOMConversions lists alternate units with their base equivalents
	UOMConversions []UOMConversion `db:"-" json:"uomConversions,omitempty"`

	// DefaultBinByPlant maps plant ID to the preferred picking bin
	DefaultBinByPlant map[id.ID]id.ID `db:"-" json:"defaultBinByPlant,omitempty"`

	// PurchaseUnitPrice is used directly under fixed costing
	PurchaseUnitPrice types.Money `db:"purchase_unit_price" json:"purchaseUnitPrice"`

	// StockControl disables balance keeping entirely when false.
	// Reversal and posting skip such items.
	StockControl bool `db:"stock_control" json:"stockControl"`
}

// NewItem creates a new Item with required fields.
func NewItem(code, name string, method CostingMethod) *Item {
	return &Item{
		Catalog:       entity.NewCatalog(code, name),
		CostingMethod: method,
		BaseUOM:       "EA",
		StockControl:  true,
	}
}

// DefaultBin returns the configured default bin for a plant, if any.
func (i *Item) DefaultBin(plantID id.ID) (id.ID, bool) {
	bin, ok := i.DefaultBinByPlant[plantID]
	return bin, ok
}

// BaseQuantity converts a line quantity in uom to base units.
// The base UOM (or empty) passes through unchanged.
func (i *Item) BaseQuantity(qty types.Quantity, uom string) (types.Quantity, error) {
	if uom == "" || uom == i.BaseUOM {
		return qty, nil
	}
	for _, c := range i.UOMConversions {
		if c.AltUOM == uom {
			scaled := qty.Decimal().Mul(c.BaseQty.Decimal())
			return types.NewQuantityFromDecimal(types.NormalizeQty(scaled)), nil
		}
	}
	return 0, apperror.NewValidation("unknown unit of measure").
		WithDetail("uom", uom).
		WithDetail("item_id", i.ID.String())
}

// Validate implements entity.Validatable.
func (i *Item) Validate(ctx context.Context) error {
	if err := i.Catalog.Validate(ctx); err != nil {
		return err
	}

	if !i.CostingMethod.Valid() {
		return apperror.NewValidation("unknown costing method").
			WithDetail("field", "costingMethod").
			WithDetail("value", string(i.CostingMethod))
	}

	if i.BaseUOM == "" {
		return apperror.NewValidation("base unit of measure is required").
			WithDetail("field", "baseUom")
	}

	for n, c := range i.UOMConversions {
		if c.AltUOM == "" || !c.BaseQty.IsPositive() {
			return apperror.NewValidation("invalid UOM conversion").
				WithDetail("field", "uomConversions").
				WithDetail("index", n)
		}
	}

	return nil
}
