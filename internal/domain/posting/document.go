// Package posting orchestrates document saves against the inventory
// registers: validation, edit reversal, allocation, costing, ledger writes
// and balance updates, with compensation on failure.
package posting

import (
	"context"
	"fmt"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/allocation"
)

// MovementType names the business operation a document performs.
type MovementType string

const (
	// MovementReceipt brings stock in at the line's unit price.
	MovementReceipt MovementType = "receipt"
	// MovementIssue takes stock out, valued by the item's costing method.
	MovementIssue MovementType = "issue"
	// MovementReserve transfers Unrestricted to Reserved.
	MovementReserve MovementType = "reserve"
	// MovementRelease transfers Reserved back to Unrestricted.
	// Release lines carry manual allocations (typically the reservation
	// being released); auto-allocation only reads the Unrestricted bucket.
	MovementRelease MovementType = "release"
	// MovementTransfer moves stock between arbitrary categories given on
	// the line.
	MovementTransfer MovementType = "transfer"
)

// Valid reports whether t names a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementReceipt, MovementIssue, MovementReserve, MovementRelease, MovementTransfer:
		return true
	}
	return false
}

// Inbound reports whether the movement creates stock.
func (t MovementType) Inbound() bool { return t == MovementReceipt }

// Outbound reports whether the movement removes stock.
func (t MovementType) Outbound() bool { return t == MovementIssue }

// Line is one demand or supply row of a document.
type Line struct {
	RowIndex int            `json:"rowIndex"`
	ItemID   id.ID          `json:"itemId"`
	Quantity types.Quantity `json:"quantity"`
	UOM      string         `json:"uom,omitempty"`

	// LocationID is the bin for receipts and for manually allocated lines.
	LocationID id.ID `json:"locationId,omitempty"`

	BatchID       string   `json:"batchId,omitempty"`
	SerialNumbers []string `json:"serialNumbers,omitempty"`

	// BatchExpiry stamps receipt batches for allocation ordering.
	BatchExpiry *time.Time `json:"batchExpiry,omitempty"`

	// UnitPrice values receipt lines. Ignored for outbound movements.
	UnitPrice types.Money `json:"unitPrice,omitempty"`

	// FromCategory/ToCategory drive transfer movements. Reserve and
	// release imply unrestricted<->reserved and ignore these.
	FromCategory entity.InventoryCategory `json:"fromCategory,omitempty"`
	ToCategory   entity.InventoryCategory `json:"toCategory,omitempty"`

	// Allocations supplied by the caller under manual picking mode.
	Allocations []allocation.Allocation `json:"allocations,omitempty"`
}

// Document is a ledger-affecting transaction: a set of lines, a movement
// type and a plant. The base document number doubles as the ledger trx_no.
type Document struct {
	entity.Document

	MovementType MovementType `db:"movement_type" json:"movementType"`
	PlantID      id.ID        `db:"plant_id" json:"plantId"`
	ParentTrxNo  string       `db:"parent_trx_no" json:"parentTrxNo,omitempty"`

	Lines []*Line `db:"-" json:"lines"`
}

// NewDocument creates an unposted document.
func NewDocument(organizationID, plantID id.ID, movementType MovementType) *Document {
	return &Document{
		Document:     entity.NewDocument(organizationID),
		MovementType: movementType,
		PlantID:      plantID,
	}
}

// TrxNo returns the ledger transaction number for this document.
func (d *Document) TrxNo() string { return d.Number }

// Validate checks document-level invariants. Line validation that needs
// item master data happens in the engine's validating phase, where every
// violation across all lines is aggregated into one error.
func (d *Document) Validate(ctx context.Context) error {
	if err := d.Document.Validate(ctx); err != nil {
		return err
	}
	if !d.MovementType.Valid() {
		return apperror.NewValidation("unknown movement type").
			WithDetail("movementType", string(d.MovementType))
	}
	if id.IsNil(d.PlantID) {
		return apperror.NewValidation("plant is required").
			WithDetail("field", "plantId")
	}
	if d.Number == "" {
		return apperror.NewValidation("document number is required").
			WithDetail("field", "number")
	}
	if len(d.Lines) == 0 {
		return apperror.NewValidation("document has no lines")
	}
	return nil
}

// categories resolves the source and target buckets for a line under the
// document's movement type.
func (d *Document) categories(line *Line) (from, to entity.InventoryCategory, err error) {
	switch d.MovementType {
	case MovementReceipt:
		to = line.ToCategory
		if to == "" {
			to = entity.CategoryUnrestricted
		}
		return "", to, nil
	case MovementIssue:
		from = line.FromCategory
		if from == "" {
			from = entity.CategoryUnrestricted
		}
		return from, "", nil
	case MovementReserve:
		return entity.CategoryUnrestricted, entity.CategoryReserved, nil
	case MovementRelease:
		return entity.CategoryReserved, entity.CategoryUnrestricted, nil
	case MovementTransfer:
		if line.FromCategory == "" || line.ToCategory == "" {
			return "", "", apperror.NewValidation("transfer line requires from and to categories").
				WithDetail("row", line.RowIndex)
		}
		if line.FromCategory == line.ToCategory {
			return "", "", apperror.NewAllocationConflict(
				fmt.Sprintf("row %d transfers %s to itself", line.RowIndex, line.FromCategory))
		}
		return line.FromCategory, line.ToCategory, nil
	}
	return "", "", apperror.NewValidation("unknown movement type")
}

// LineStatus classifies a line's outcome in a save result.
type LineStatus string

const (
	LineSuccess LineStatus = "success"
	LinePartial LineStatus = "partial"
	LineFailed  LineStatus = "failed"
)

// LineResult reports one line's allocations and valuation.
type LineResult struct {
	RowIndex    int                     `json:"rowIndex"`
	Status      LineStatus              `json:"status"`
	Allocations []allocation.Allocation `json:"allocations,omitempty"`
	UnitCost    types.Money             `json:"unitCost"`
	TotalCost   types.Money             `json:"totalCost"`
}

// SaveResult is the outcome of a document save.
type SaveResult struct {
	DocumentID id.ID        `json:"documentId"`
	TrxNo      string       `json:"trxNo"`
	State      State        `json:"state"`
	Lines      []LineResult `json:"lines"`
}
