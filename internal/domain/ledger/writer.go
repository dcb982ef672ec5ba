package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalogs/item"
	"stockledger/pkg/logger"
)

// DocumentRef identifies the document a set of movements belongs to.
type DocumentRef struct {
	TransactionType string
	TrxNo           string
	ParentTrxNo     string
	PlantID         id.ID
	OrganizationID  id.ID
}

// SourceRow is one allocation-level movement before consolidation.
type SourceRow struct {
	Item          *item.Item
	UOMID         string
	Quantity      types.Quantity // in UOMID units
	BaseQty       types.Quantity // in the item's base UOM
	BinLocationID id.ID
	BatchID       string
	Serials       []string
	UnitPrice     types.Money
}

// Written holds the rows created by one writer call, in creation order,
// for mid-operation compensation.
type Written struct {
	Entries         []*entity.MovementLedgerEntry
	SerialMovements []*entity.SerialMovement
}

// EntryIDs returns the IDs of all created entries.
func (w Written) EntryIDs() []id.ID {
	ids := make([]id.ID, 0, len(w.Entries))
	for _, e := range w.Entries {
		ids = append(ids, e.EntryID)
	}
	return ids
}

// Writer creates consolidated movement ledger entries.
type Writer struct {
	repo Repository
}

// NewWriter creates a ledger writer.
func NewWriter(repo Repository) *Writer {
	return &Writer{repo: repo}
}

// RecordTransfer writes one OUT entry in fromCategory and one IN entry in
// toCategory per consolidated group, sharing trx_no and quantity, so bucket
// transitions always appear as a matched pair. Source rows sharing
// (material, bin, batch) merge into one pair carrying the summed quantity.
// For serialized material every pair fans out into per-serial children.
func (w *Writer) RecordTransfer(ctx context.Context, ref DocumentRef, from, to entity.InventoryCategory, rows []SourceRow) (Written, error) {
	return w.record(ctx, ref, rows, []directedCategory{
		{entity.MovementOut, from},
		{entity.MovementIn, to},
	})
}

// RecordInbound writes IN entries for a receipt into category.
func (w *Writer) RecordInbound(ctx context.Context, ref DocumentRef, category entity.InventoryCategory, rows []SourceRow) (Written, error) {
	return w.record(ctx, ref, rows, []directedCategory{{entity.MovementIn, category}})
}

// RecordOutbound writes OUT entries for an issue from category.
func (w *Writer) RecordOutbound(ctx context.Context, ref DocumentRef, category entity.InventoryCategory, rows []SourceRow) (Written, error) {
	return w.record(ctx, ref, rows, []directedCategory{{entity.MovementOut, category}})
}

type directedCategory struct {
	movement entity.Movement
	category entity.InventoryCategory
}

type group struct {
	itemID   id.ID
	bin      id.ID
	batch    string
	item     *item.Item
	uomID    string
	qty      types.Quantity
	baseQty  types.Quantity
	value    types.Money
	serials  []string
	firstIdx int
}

func (w *Writer) record(ctx context.Context, ref DocumentRef, rows []SourceRow, directions []directedCategory) (Written, error) {
	if ref.TrxNo == "" {
		return Written{}, apperror.NewValidation("trx_no is required")
	}

	groups := consolidate(rows)
	now := time.Now().UTC()

	written := Written{}
	for _, g := range groups {
		unitPrice := types.Zero()
		if g.baseQty.IsPositive() {
			unitPrice = types.NormalizePrice(g.value.Div(g.baseQty.Decimal()))
		}
		totalPrice := types.NormalizePrice(g.value)

		for _, d := range directions {
			entry := &entity.MovementLedgerEntry{
				EntryID:           id.New(),
				TransactionType:   ref.TransactionType,
				TrxNo:             ref.TrxNo,
				ParentTrxNo:       ref.ParentTrxNo,
				Movement:          d.movement,
				InventoryCategory: d.category,
				ItemID:            g.itemID,
				UOMID:             g.uomID,
				Quantity:          g.qty,
				BaseQty:           g.baseQty,
				BaseUOMID:         g.item.BaseUOM,
				BinLocationID:     g.bin,
				BatchID:           g.batch,
				UnitPrice:         unitPrice,
				TotalPrice:        totalPrice,
				PlantID:           ref.PlantID,
				OrganizationID:    ref.OrganizationID,
				CreatedAt:         now,
			}
			written.Entries = append(written.Entries, entry)

			for _, sn := range g.serials {
				written.SerialMovements = append(written.SerialMovements, &entity.SerialMovement{
					SerialMovementID: id.New(),
					EntryID:          entry.EntryID,
					SerialNumber:     sn,
					BatchID:          g.batch,
					BaseQty:          types.NewQuantityFromInt64Scaled(types.QuantityScale),
					BaseUOMID:        g.item.BaseUOM,
					CreatedAt:        now,
				})
			}
		}
	}

	if len(written.Entries) == 0 {
		return written, nil
	}

	if err := w.repo.CreateEntries(ctx, written.Entries); err != nil {
		return Written{}, apperror.NewPersistence(fmt.Errorf("create ledger entries: %w", err))
	}
	if len(written.SerialMovements) > 0 {
		if err := w.repo.CreateSerialMovements(ctx, written.SerialMovements); err != nil {
			// Entries exist but children failed; the caller compensates by
			// soft-deleting the entries we report back.
			return written, apperror.NewPersistence(fmt.Errorf("create serial movements: %w", err))
		}
	}

	logger.Info(ctx, "recorded ledger movements",
		"trx_no", ref.TrxNo,
		"entries", len(written.Entries),
		"serials", len(written.SerialMovements),
	)
	return written, nil
}

// consolidate merges source rows sharing (material, bin, batch) into one
// group with summed quantities and merged serials, keeping first-seen order.
func consolidate(rows []SourceRow) []*group {
	byKey := make(map[string]*group)
	order := make([]*group, 0, len(rows))

	for i, row := range rows {
		key := row.Item.ID.String() + "|" + row.BinLocationID.String() + "|" + row.BatchID
		g, ok := byKey[key]
		if !ok {
			g = &group{
				itemID:   row.Item.ID,
				bin:      row.BinLocationID,
				batch:    row.BatchID,
				item:     row.Item,
				uomID:    row.UOMID,
				firstIdx: i,
			}
			byKey[key] = g
			order = append(order, g)
		}
		g.qty += row.Quantity
		g.baseQty += row.BaseQty
		g.value = g.value.Add(row.UnitPrice.Mul(row.BaseQty.Decimal()))
		g.serials = append(g.serials, row.Serials...)
	}

	sort.SliceStable(order, func(i, j int) bool { return order[i].firstIdx < order[j].firstIdx })
	return order
}

// HasLiveEntries reports whether any non-deleted entry exists under a
// transaction number. The posting engine uses it to detect a prior posting
// when no allocation snapshot survived.
func (w *Writer) HasLiveEntries(ctx context.Context, trxNo string) (bool, error) {
	entries, err := w.repo.ListByTrxNo(ctx, trxNo, false)
	if err != nil {
		return false, apperror.NewPersistence(fmt.Errorf("list by trx_no: %w", err))
	}
	return len(entries) > 0, nil
}

// Reverse soft-deletes every ledger entry of a document. Used by edit
// reversal before new movements are written.
func (w *Writer) Reverse(ctx context.Context, trxNo string) error {
	if err := w.repo.SoftDeleteByTrxNo(ctx, trxNo); err != nil {
		return apperror.NewPersistence(fmt.Errorf("soft delete by trx_no: %w", err))
	}
	logger.Info(ctx, "reversed ledger movements", "trx_no", trxNo)
	return nil
}

// Compensate soft-deletes entries created earlier in a failed operation,
// most recent first.
func (w *Writer) Compensate(ctx context.Context, entryIDs []id.ID) error {
	if len(entryIDs) == 0 {
		return nil
	}
	reversed := make([]id.ID, len(entryIDs))
	for i, eid := range entryIDs {
		reversed[len(entryIDs)-1-i] = eid
	}
	if err := w.repo.SoftDeleteEntries(ctx, reversed); err != nil {
		return apperror.NewPersistence(fmt.Errorf("soft delete entries: %w", err))
	}
	return nil
}
