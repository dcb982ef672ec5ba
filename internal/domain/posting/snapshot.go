package posting

import (
	"context"
	"time"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/registers/balance"
	"stockledger/internal/domain/registers/costing"
)

// CostingEffect records one committed costing mutation so edit reversal can
// undo it: a layer append for receipts, layer consumptions for deductions.
type CostingEffect struct {
	ItemID       id.ID                      `json:"itemId"`
	BatchID      string                     `json:"batchId,omitempty"`
	Movement     entity.Movement            `json:"movement"`
	Qty          types.Quantity             `json:"qty"`
	UnitCost     types.Money                `json:"unitCost"`
	LayerID      *id.ID                     `json:"layerId,omitempty"`
	Consumptions []costing.LayerConsumption `json:"consumptions,omitempty"`
}

// LineSnapshot captures everything a committed line did to the registers.
type LineSnapshot struct {
	RowIndex int                    `json:"rowIndex"`
	ItemID   id.ID                  `json:"itemId"`
	Deltas   []balance.AppliedDelta `json:"deltas"`
	Costing  []CostingEffect        `json:"costing,omitempty"`
}

// AllocationSnapshot is the persisted record of a committed save, keyed by
// document ID. Edit reversal reads it back to undo the prior posting before
// the new line data is applied.
type AllocationSnapshot struct {
	DocumentID   id.ID          `json:"documentId"`
	TrxNo        string         `json:"trxNo"`
	PlantID      id.ID          `json:"plantId"`
	MovementType MovementType   `json:"movementType"`
	SavedAt      time.Time      `json:"savedAt"`
	Lines        []LineSnapshot `json:"lines"`
}

// SnapshotStore persists allocation snapshots between saves.
type SnapshotStore interface {
	// Save stores the snapshot, replacing any prior one for the document.
	Save(ctx context.Context, snap *AllocationSnapshot) error

	// Get returns the snapshot for a document, or nil when none exists.
	Get(ctx context.Context, documentID id.ID) (*AllocationSnapshot, error)

	// Delete removes the snapshot after a reversal consumed it.
	Delete(ctx context.Context, documentID id.ID) error
}
