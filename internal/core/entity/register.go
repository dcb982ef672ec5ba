// Package entity provides core domain entities.
package entity

import (
	"fmt"
	"strings"
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// InventoryCategory is a quantity bucket within a balance record.
type InventoryCategory string

const (
	CategoryUnrestricted InventoryCategory = "unrestricted"
	CategoryReserved     InventoryCategory = "reserved"
	CategoryQuality      InventoryCategory = "quality"
	CategoryBlocked      InventoryCategory = "blocked"
	CategoryInTransit    InventoryCategory = "intransit"
)

// Categories lists every bucket in canonical order.
func Categories() []InventoryCategory {
	return []InventoryCategory{
		CategoryUnrestricted, CategoryReserved, CategoryQuality,
		CategoryBlocked, CategoryInTransit,
	}
}

// Valid reports whether c names a known bucket.
func (c InventoryCategory) Valid() bool {
	switch c {
	case CategoryUnrestricted, CategoryReserved, CategoryQuality,
		CategoryBlocked, CategoryInTransit:
		return true
	}
	return false
}

// Movement is the direction of a ledger entry.
type Movement string

const (
	MovementIn  Movement = "IN"
	MovementOut Movement = "OUT"
)

// BalanceKey identifies one balance record. Batch and Serial are optional
// dimensions; a key carrying a serial is one physical unit, a key without
// batch or serial is the location-level aggregate.
type BalanceKey struct {
	MaterialID     id.ID  `db:"material_id" json:"materialId"`
	LocationID     id.ID  `db:"location_id" json:"locationId"`
	BatchID        string `db:"batch_id" json:"batchId,omitempty"`
	SerialNumber   string `db:"serial_number" json:"serialNumber,omitempty"`
	PlantID        id.ID  `db:"plant_id" json:"plantId"`
	OrganizationID id.ID  `db:"organization_id" json:"organizationId"`
}

// WithoutBatch returns the aggregate key at the same location with the batch
// dimension cleared. Used to mirror batch-level deltas.
func (k BalanceKey) WithoutBatch() BalanceKey {
	k.BatchID = ""
	return k
}

// WithoutSerial returns the aggregate key with the serial dimension cleared.
func (k BalanceKey) WithoutSerial() BalanceKey {
	k.SerialNumber = ""
	return k
}

// IsAggregate reports whether the key carries no batch or serial dimension.
func (k BalanceKey) IsAggregate() bool {
	return k.BatchID == "" && k.SerialNumber == ""
}

// String renders a stable composite form usable as a map key in trackers.
func (k BalanceKey) String() string {
	parts := []string{k.MaterialID.String(), k.LocationID.String(), k.BatchID, k.SerialNumber, k.PlantID.String()}
	return strings.Join(parts, "|")
}

// BalanceRecord holds the bucketed quantities for one balance key.
// Records are created lazily on first inbound movement and never physically
// deleted, only driven to zero.
type BalanceRecord struct {
	BalanceKey

	Unrestricted types.Quantity `db:"unrestricted_qty" json:"unrestrictedQty"`
	Reserved     types.Quantity `db:"reserved_qty" json:"reservedQty"`
	Quality      types.Quantity `db:"quality_qty" json:"qualityQty"`
	Blocked      types.Quantity `db:"blocked_qty" json:"blockedQty"`
	InTransit    types.Quantity `db:"intransit_qty" json:"intransitQty"`

	// Balance is the sum of all buckets, maintained alongside them.
	Balance types.Quantity `db:"balance_quantity" json:"balanceQuantity"`

	// BatchExpiry is carried for allocation ordering of batch stock.
	BatchExpiry *time.Time `db:"batch_expiry" json:"batchExpiry,omitempty"`

	Version   int       `db:"version" json:"version"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// NewBalanceRecord creates a zero-initialized record for a key.
func NewBalanceRecord(key BalanceKey) *BalanceRecord {
	return &BalanceRecord{BalanceKey: key, Version: 1, UpdatedAt: time.Now().UTC()}
}

// Bucket returns the quantity held in the given category.
func (b *BalanceRecord) Bucket(c InventoryCategory) types.Quantity {
	switch c {
	case CategoryUnrestricted:
		return b.Unrestricted
	case CategoryReserved:
		return b.Reserved
	case CategoryQuality:
		return b.Quality
	case CategoryBlocked:
		return b.Blocked
	case CategoryInTransit:
		return b.InTransit
	}
	return 0
}

// setBucket overwrites the quantity in the given category.
func (b *BalanceRecord) setBucket(c InventoryCategory, q types.Quantity) {
	switch c {
	case CategoryUnrestricted:
		b.Unrestricted = q
	case CategoryReserved:
		b.Reserved = q
	case CategoryQuality:
		b.Quality = q
	case CategoryBlocked:
		b.Blocked = q
	case CategoryInTransit:
		b.InTransit = q
	}
}

// ApplyDelta adds delta to one bucket and to the aggregate balance.
// Fails, without clamping, if either would go negative.
func (b *BalanceRecord) ApplyDelta(c InventoryCategory, delta types.Quantity) error {
	if !c.Valid() {
		return fmt.Errorf("unknown inventory category %q", c)
	}
	newBucket := b.Bucket(c) + delta
	newBalance := b.Balance + delta
	if newBucket.IsNegative() {
		return fmt.Errorf("bucket %s would go negative: %s%+d", c, b.Bucket(c), delta)
	}
	if newBalance.IsNegative() {
		return fmt.Errorf("balance would go negative: %s%+d", b.Balance, delta)
	}
	b.setBucket(c, newBucket)
	b.Balance = newBalance
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// Snapshot returns a copy of the record for compensation logs.
func (b *BalanceRecord) Snapshot() BalanceRecord {
	return *b
}

// CostLayer is one FIFO cost layer. Layers are append-only per
// (material, batch, plant); Available only ever decreases.
type CostLayer struct {
	LayerID    id.ID          `db:"layer_id" json:"layerId"`
	MaterialID id.ID          `db:"material_id" json:"materialId"`
	BatchID    string         `db:"batch_id" json:"batchId,omitempty"`
	PlantID    id.ID          `db:"plant_id" json:"plantId"`
	Sequence   int64          `db:"sequence" json:"sequence"`
	Initial    types.Quantity `db:"initial_qty" json:"initialQty"`
	Available  types.Quantity `db:"available_qty" json:"availableQty"`
	UnitCost   types.Money    `db:"unit_cost" json:"unitCost"`
	CreatedAt  time.Time      `db:"created_at" json:"createdAt"`
}

// Consume reduces availability by qty. The 0 <= available <= initial
// invariant must hold afterwards.
func (l *CostLayer) Consume(qty types.Quantity) error {
	if qty.IsNegative() {
		return fmt.Errorf("negative layer consumption %s", qty)
	}
	if qty > l.Available {
		return fmt.Errorf("layer %d has %s available, cannot consume %s", l.Sequence, l.Available, qty)
	}
	l.Available -= qty
	return nil
}

// WeightedAverageRecord is the single current (quantity, cost) pair per
// (material, batch, plant). Recomputed on every receipt; outbound movements
// reduce quantity and leave the cost unchanged.
type WeightedAverageRecord struct {
	MaterialID id.ID          `db:"material_id" json:"materialId"`
	BatchID    string         `db:"batch_id" json:"batchId,omitempty"`
	PlantID    id.ID          `db:"plant_id" json:"plantId"`
	Quantity   types.Quantity `db:"quantity" json:"quantity"`
	UnitCost   types.Money    `db:"unit_cost" json:"unitCost"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updatedAt"`
}

// Receive blends an inbound quantity at inCost into the current average:
// (old_qty*old_cost + in_qty*in_cost) / (old_qty + in_qty).
func (w *WeightedAverageRecord) Receive(qty types.Quantity, inCost types.Money) {
	total := w.Quantity + qty
	if total.IsZero() || !total.IsPositive() {
		w.Quantity = total
		w.UpdatedAt = time.Now().UTC()
		return
	}
	oldValue := w.UnitCost.Mul(w.Quantity.Decimal())
	inValue := inCost.Mul(qty.Decimal())
	w.UnitCost = types.NormalizePrice(oldValue.Add(inValue).Div(total.Decimal()))
	w.Quantity = total
	w.UpdatedAt = time.Now().UTC()
}

// MovementLedgerEntry is an immutable append-only ledger record. Category
// transfers always come as an OUT+IN pair sharing trx_no and quantity.
// "Deletion" is the soft IsDeleted flag only.
type MovementLedgerEntry struct {
	EntryID           id.ID             `db:"entry_id" json:"entryId"`
	TransactionType   string            `db:"transaction_type" json:"transactionType"`
	TrxNo             string            `db:"trx_no" json:"trxNo"`
	ParentTrxNo       string            `db:"parent_trx_no" json:"parentTrxNo,omitempty"`
	Movement          Movement          `db:"movement" json:"movement"`
	InventoryCategory InventoryCategory `db:"inventory_category" json:"inventoryCategory"`
	ItemID            id.ID             `db:"item_id" json:"itemId"`
	UOMID             string            `db:"uom_id" json:"uomId"`
	Quantity          types.Quantity    `db:"quantity" json:"quantity"`
	BaseQty           types.Quantity    `db:"base_qty" json:"baseQty"`
	BaseUOMID         string            `db:"base_uom_id" json:"baseUomId"`
	BinLocationID     id.ID             `db:"bin_location_id" json:"binLocationId"`
	BatchID           string            `db:"batch_id" json:"batchId,omitempty"`
	UnitPrice         types.Money       `db:"unit_price" json:"unitPrice"`
	TotalPrice        types.Money       `db:"total_price" json:"totalPrice"`
	PlantID           id.ID             `db:"plant_id" json:"plantId"`
	OrganizationID    id.ID             `db:"organization_id" json:"organizationId"`
	IsDeleted         bool              `db:"is_deleted" json:"isDeleted"`
	CreatedAt         time.Time         `db:"created_at" json:"createdAt"`
}

// SerialMovement is a per-unit child of a consolidated ledger entry.
// One OUT+IN pair fans out into N serial rows when N serials participate.
type SerialMovement struct {
	SerialMovementID id.ID          `db:"serial_movement_id" json:"serialMovementId"`
	EntryID          id.ID          `db:"entry_id" json:"entryId"`
	SerialNumber     string         `db:"serial_number" json:"serialNumber"`
	BatchID          string         `db:"batch_id" json:"batchId,omitempty"`
	BaseQty          types.Quantity `db:"base_qty" json:"baseQty"`
	BaseUOMID        string         `db:"base_uom_id" json:"baseUomId"`
	IsDeleted        bool           `db:"is_deleted" json:"isDeleted"`
	CreatedAt        time.Time      `db:"created_at" json:"createdAt"`
}
