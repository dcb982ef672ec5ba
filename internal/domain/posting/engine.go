package posting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/allocation"
	"stockledger/internal/domain/catalogs/item"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/domain/registers/balance"
	"stockledger/internal/domain/registers/costing"
	"stockledger/pkg/logger"
)

// State tracks where a document save is in its lifecycle. A save terminates
// in Committed or Failed; there is no partial-commit terminal state.
type State string

const (
	StateValidating       State = "validating"
	StateReversing        State = "reversing"
	StateAllocating       State = "allocating"
	StateCosting          State = "costing"
	StateWritingMovements State = "writing_movements"
	StateUpdatingBalances State = "updating_balances"
	StateCommitted        State = "committed"
	StateRollingBack      State = "rolling_back"
	StateFailed           State = "failed"
)

// StrategyProvider supplies the picking setup for a (plant, movement type).
type StrategyProvider interface {
	StrategyFor(ctx context.Context, plantID id.ID, movementType MovementType) (allocation.StrategyConfig, error)
}

// StaticStrategies is a StrategyProvider returning one fixed config.
type StaticStrategies struct {
	Config allocation.StrategyConfig
}

func (s StaticStrategies) StrategyFor(ctx context.Context, plantID id.ID, movementType MovementType) (allocation.StrategyConfig, error) {
	return s.Config, nil
}

// ItemLookup resolves item master records.
type ItemLookup interface {
	GetByID(ctx context.Context, itemID id.ID) (*item.Item, error)
}

// Engine runs the document save state machine. Lines are processed
// sequentially; FIFO layer consumption and cross-line reservation tracking
// are order-dependent, so lines are never processed in parallel.
type Engine struct {
	items      ItemLookup
	balances   *balance.Service
	costs      *costing.Resolver
	allocator  *allocation.Engine
	ledger     *ledger.Writer
	snapshots  SnapshotStore
	strategies StrategyProvider
	txm        tx.Manager
	locks      *keyMutex
}

// NewEngine creates a posting engine.
func NewEngine(
	items ItemLookup,
	balances *balance.Service,
	costs *costing.Resolver,
	allocator *allocation.Engine,
	ledgerWriter *ledger.Writer,
	snapshots SnapshotStore,
	strategies StrategyProvider,
	txm tx.Manager,
) *Engine {
	return &Engine{
		items:      items,
		balances:   balances,
		costs:      costs,
		allocator:  allocator,
		ledger:     ledgerWriter,
		snapshots:  snapshots,
		strategies: strategies,
		txm:        txm,
		locks:      newKeyMutex(),
	}
}

// lineWork is the engine's per-line working state.
type lineWork struct {
	line    *Line
	item    *item.Item
	baseQty types.Quantity
	from    entity.InventoryCategory
	to      entity.InventoryCategory
	skip    bool

	allocations []allocation.Allocation
	batchCost   map[string]types.Money
	unitCost    types.Money
	totalCost   types.Money
	snap        LineSnapshot
}

// Save posts a document: validates, reverses a prior posting when re-saving
// an edited one, allocates, commits costing, writes ledger movements and
// applies balance deltas. Any failure after validation unwinds every
// mutation already made and re-throws the original error. The unwind runs
// inside the transaction callback, so a transactional store rolls the
// inverse writes back together with the work they undo, while a store
// without transactions converges to the pre-save state.
func (e *Engine) Save(ctx context.Context, doc *Document) (*SaveResult, error) {
	state := StateValidating
	logger.Info(ctx, "document save started",
		"document_id", doc.ID, "trx_no", doc.TrxNo(), "movement_type", doc.MovementType)

	if err := doc.Validate(ctx); err != nil {
		return nil, err
	}
	work, err := e.prepare(ctx, doc)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.LockAll(materialKeys(doc, work))
	defer unlock()

	comp := NewCompensationLog()
	result := &SaveResult{DocumentID: doc.ID, TrxNo: doc.TrxNo()}

	err = e.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := e.post(ctx, doc, work, comp, &state); err != nil {
			logger.Error(ctx, "document save failed, rolling back",
				"document_id", doc.ID, "state", string(state), "error", err)
			state = StateRollingBack
			comp.Unwind(ctx)
			return err
		}
		return nil
	})

	if err != nil {
		result.State = StateFailed
		for _, w := range work {
			result.Lines = append(result.Lines, LineResult{RowIndex: w.line.RowIndex, Status: LineFailed})
		}
		return result, err
	}

	comp.Discard()
	doc.MarkPosted()
	result.State = StateCommitted
	for _, w := range work {
		result.Lines = append(result.Lines, LineResult{
			RowIndex:    w.line.RowIndex,
			Status:      LineSuccess,
			Allocations: w.allocations,
			UnitCost:    w.unitCost,
			TotalCost:   w.totalCost,
		})
	}
	logger.Info(ctx, "document committed",
		"document_id", doc.ID, "trx_no", doc.TrxNo(), "lines", len(work))
	return result, nil
}

// post runs the posting phases in order. Whether the document was posted
// before is decided from persisted state, never from the in-memory flag:
// an edited document arriving over the API is a fresh object, but its
// snapshot (or, lacking one, live ledger rows under its transaction
// number) proves the first posting and forces a reversal first.
func (e *Engine) post(ctx context.Context, doc *Document, work []*lineWork, comp *CompensationLog, state *State) error {
	prior, err := e.snapshots.Get(ctx, doc.ID)
	if err != nil {
		return apperror.NewPersistence(fmt.Errorf("load allocation snapshot: %w", err))
	}
	posted := prior != nil
	if !posted {
		posted, err = e.ledger.HasLiveEntries(ctx, doc.TrxNo())
		if err != nil {
			return err
		}
	}
	if posted {
		*state = StateReversing
		if err := e.reverse(ctx, doc, prior, comp); err != nil {
			return err
		}
	}

	*state = StateAllocating
	tracker := allocation.NewReservationTracker()
	if err := e.allocate(ctx, doc, work, tracker); err != nil {
		return err
	}
	if err := e.precheck(ctx, doc, work); err != nil {
		return err
	}

	*state = StateCosting
	if err := e.applyCosting(ctx, doc, work, comp); err != nil {
		return err
	}

	*state = StateWritingMovements
	if err := e.writeMovements(ctx, doc, work, comp); err != nil {
		return err
	}

	*state = StateUpdatingBalances
	if err := e.applyBalances(ctx, doc, work, comp); err != nil {
		return err
	}

	snap := buildSnapshot(doc, work)
	if err := e.snapshots.Save(ctx, snap); err != nil {
		return apperror.NewPersistence(fmt.Errorf("save allocation snapshot: %w", err))
	}
	return nil
}

// Unpost reverses a posted document entirely: balance deltas and costing
// effects from the snapshot are undone and the ledger rows soft-deleted.
// Like Save, it trusts persisted state over the in-memory flag to decide
// whether the document is posted.
func (e *Engine) Unpost(ctx context.Context, doc *Document) error {
	keys := make([]string, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		keys = append(keys, line.ItemID.String()+"|"+doc.PlantID.String())
	}
	unlock := e.locks.LockAll(keys)
	defer unlock()

	comp := NewCompensationLog()
	err := e.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		snap, err := e.snapshots.Get(ctx, doc.ID)
		if err != nil {
			return apperror.NewPersistence(fmt.Errorf("load allocation snapshot: %w", err))
		}
		posted := snap != nil
		if !posted {
			posted, err = e.ledger.HasLiveEntries(ctx, doc.TrxNo())
			if err != nil {
				return err
			}
		}
		if !posted {
			return apperror.NewBusinessRule(apperror.CodeConflict, "document is not posted").
				WithDetail("document_id", doc.ID.String())
		}
		if err := e.reverse(ctx, doc, snap, comp); err != nil {
			comp.Unwind(ctx)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	comp.Discard()
	doc.MarkUnposted()
	logger.Info(ctx, "document unposted", "document_id", doc.ID, "trx_no", doc.TrxNo())
	return nil
}

// prepare resolves item master data per line and validates every line,
// aggregating all violations into a single error rather than stopping at
// the first. No side effects occur here.
func (e *Engine) prepare(ctx context.Context, doc *Document) ([]*lineWork, error) {
	work := make([]*lineWork, 0, len(doc.Lines))
	violations := make([]string, 0)
	conflicts := make([]string, 0)
	serialUse := make(map[string]int) // serial -> first row using it

	for _, line := range doc.Lines {
		w := &lineWork{line: line, batchCost: make(map[string]types.Money)}
		work = append(work, w)

		it, err := e.items.GetByID(ctx, line.ItemID)
		if err != nil {
			if apperror.IsNotFound(err) {
				violations = append(violations, fmt.Sprintf("row %d: item %s not found", line.RowIndex, line.ItemID))
				continue
			}
			return nil, err
		}
		w.item = it

		if !it.StockControl {
			w.skip = true
			continue
		}

		if !line.Quantity.IsPositive() {
			violations = append(violations, fmt.Sprintf("row %d: quantity must be positive", line.RowIndex))
			continue
		}

		baseQty, err := it.BaseQuantity(line.Quantity, line.UOM)
		if err != nil {
			violations = append(violations, fmt.Sprintf("row %d: %s", line.RowIndex, err.Error()))
			continue
		}
		w.baseQty = baseQty

		from, to, err := doc.categories(line)
		if err != nil {
			violations = append(violations, fmt.Sprintf("row %d: %s", line.RowIndex, errMessage(err)))
			continue
		}
		w.from, w.to = from, to

		if it.SerialManaged {
			if !baseQty.IsWhole() {
				violations = append(violations, fmt.Sprintf(
					"row %d: serialized item requires whole units, got %s", line.RowIndex, baseQty.String()))
				continue
			}
			if doc.MovementType.Inbound() && int64(len(line.SerialNumbers)) != baseQty.WholeUnits() {
				violations = append(violations, fmt.Sprintf(
					"row %d: %d serial numbers for quantity %s", line.RowIndex, len(line.SerialNumbers), baseQty.String()))
				continue
			}
		}

		if doc.MovementType.Inbound() && id.IsNil(line.LocationID) {
			violations = append(violations, fmt.Sprintf("row %d: receipt requires a bin location", line.RowIndex))
			continue
		}
		if it.BatchManaged && doc.MovementType.Inbound() && line.BatchID == "" {
			violations = append(violations, fmt.Sprintf("row %d: batch-managed item requires a batch", line.RowIndex))
			continue
		}

		// Duplicate serials across lines, from receipt serials and manual
		// allocations alike.
		for _, sn := range line.SerialNumbers {
			if prev, dup := serialUse[sn]; dup {
				conflicts = append(conflicts, fmt.Sprintf(
					"serial %s used by rows %d and %d", sn, prev, line.RowIndex))
				continue
			}
			serialUse[sn] = line.RowIndex
		}
		for _, a := range line.Allocations {
			if a.SerialNumber == "" {
				continue
			}
			if prev, dup := serialUse[a.SerialNumber]; dup {
				conflicts = append(conflicts, fmt.Sprintf(
					"serial %s used by rows %d and %d", a.SerialNumber, prev, line.RowIndex))
				continue
			}
			serialUse[a.SerialNumber] = line.RowIndex
		}

		if len(line.Allocations) > 0 {
			if err := e.validateManualAllocations(doc, w, &conflicts, &violations); err != nil {
				return nil, err
			}
		}
	}

	if len(violations) > 0 {
		return nil, apperror.NewAggregatedValidation(violations)
	}
	if len(conflicts) > 0 {
		return nil, apperror.NewAllocationConflict(strings.Join(conflicts, "; "))
	}
	return work, nil
}

// validateManualAllocations checks caller-supplied allocations and rebuilds
// their balance keys from the document context.
func (e *Engine) validateManualAllocations(doc *Document, w *lineWork, conflicts, violations *[]string) error {
	line := w.line
	var total types.Quantity
	for i := range line.Allocations {
		a := &line.Allocations[i]
		if w.item.SerialManaged {
			if a.Qty != oneUnit() {
				*conflicts = append(*conflicts, fmt.Sprintf(
					"row %d: serialized allocation must be exactly one unit, got %s", line.RowIndex, a.Qty.String()))
				return nil
			}
			if a.SerialNumber == "" {
				*violations = append(*violations, fmt.Sprintf(
					"row %d: serialized allocation missing serial number", line.RowIndex))
				return nil
			}
		}
		a.Key = entity.BalanceKey{
			MaterialID:     line.ItemID,
			LocationID:     a.BinLocationID,
			BatchID:        a.BatchID,
			SerialNumber:   a.SerialNumber,
			PlantID:        doc.PlantID,
			OrganizationID: doc.OrganizationID,
		}
		total += a.Qty
	}
	if total != w.baseQty {
		*violations = append(*violations, fmt.Sprintf(
			"row %d: allocations cover %s of %s", line.RowIndex, total.String(), w.baseQty.String()))
	}
	return nil
}

// allocate fills each outbound line's allocations, either from the caller's
// manual allocations or through the allocation engine. Shortfalls fail the
// save here, before any mutation.
func (e *Engine) allocate(ctx context.Context, doc *Document, work []*lineWork, tracker *allocation.ReservationTracker) error {
	shortages := make([]string, 0)

	for _, w := range work {
		if w.skip || doc.MovementType.Inbound() {
			continue
		}

		if len(w.line.Allocations) > 0 {
			w.allocations = w.line.Allocations
			for _, a := range w.allocations {
				tracker.Record(w.item.ID, w.line.RowIndex, a.Key, a.Qty)
			}
			continue
		}

		cfg, err := e.strategies.StrategyFor(ctx, doc.PlantID, doc.MovementType)
		if err != nil {
			return err
		}
		res, err := e.allocator.Allocate(ctx, allocation.Request{
			Item:      w.item,
			PlantID:   doc.PlantID,
			RowIndex:  w.line.RowIndex,
			DemandQty: w.baseQty,
			Config:    cfg,
		}, tracker)
		if err != nil {
			return err
		}
		w.allocations = res.Allocations
		if res.Shortfall.IsPositive() {
			msg := fmt.Sprintf("row %d: item %s short by %s",
				w.line.RowIndex, w.item.ID, res.Shortfall.String())
			if reserved := tracker.TotalReserved(w.item.ID); reserved.IsPositive() {
				msg = fmt.Sprintf("%s (%s already reserved for this document)", msg, reserved.String())
			}
			shortages = append(shortages, msg)
		}
	}

	if len(shortages) == 1 {
		return apperror.NewBusinessRule(apperror.CodeInsufficientQuantity, shortages[0])
	}
	if len(shortages) > 1 {
		return apperror.NewBusinessRule(apperror.CodeInsufficientQuantity, strings.Join(shortages, "; "))
	}
	return nil
}

// precheck is the strict gate before any mutation: cumulative bucket
// availability per balance key, FIFO layer coverage per deduction, and
// conflicting IN+OUT movements over the same key and category. Every
// violation across the document is reported, not just the first.
func (e *Engine) precheck(ctx context.Context, doc *Document, work []*lineWork) error {
	type demand struct {
		key      entity.BalanceKey
		category entity.InventoryCategory
		total    types.Quantity
	}
	demands := make(map[string]*demand)
	demandOrder := make([]string, 0)
	deductions := make(map[string]types.Quantity) // item|batch -> qty, FIFO strictness
	deductionItem := make(map[string]*item.Item)
	directions := make(map[string]map[entity.Movement]int)

	mark := func(key entity.BalanceKey, cat entity.InventoryCategory, mv entity.Movement, row int) {
		k := key.MaterialID.String() + "|" + key.LocationID.String() + "|" + key.BatchID + "|" + string(cat)
		if directions[k] == nil {
			directions[k] = make(map[entity.Movement]int)
		}
		directions[k][mv] = row
	}

	for _, w := range work {
		if w.skip {
			continue
		}
		if doc.MovementType.Inbound() {
			mark(e.receiptKey(doc, w.line, ""), w.to, entity.MovementIn, w.line.RowIndex)
			continue
		}
		for _, a := range w.allocations {
			mark(a.Key, w.from, entity.MovementOut, w.line.RowIndex)
			if w.to != "" {
				mark(a.Key, w.to, entity.MovementIn, w.line.RowIndex)
			}

			k := a.Key.String() + "|" + string(w.from)
			d, ok := demands[k]
			if !ok {
				d = &demand{key: a.Key, category: w.from}
				demands[k] = d
				demandOrder = append(demandOrder, k)
			}
			d.total += a.Qty

			if doc.MovementType.Outbound() && w.item.CostingMethod == item.CostingFIFO {
				dk := w.item.ID.String() + "|" + a.BatchID
				deductions[dk] += a.Qty
				deductionItem[dk] = w.item
			}
		}
	}

	problems := make([]string, 0)
	conflicts := make([]string, 0)

	for k, dirs := range directions {
		if _, in := dirs[entity.MovementIn]; in {
			if _, out := dirs[entity.MovementOut]; out {
				conflicts = append(conflicts, fmt.Sprintf("conflicting IN and OUT movements on %s", k))
			}
		}
	}
	if len(conflicts) > 0 {
		return apperror.NewAllocationConflict(strings.Join(conflicts, "; "))
	}

	for _, k := range demandOrder {
		d := demands[k]
		rec, err := e.balances.Get(ctx, d.key)
		if err != nil {
			return err
		}
		if held := rec.Bucket(d.category); held < d.total {
			problems = append(problems, fmt.Sprintf(
				"%s %s: need %s, have %s", d.key.String(), d.category, d.total.String(), held.String()))
		}
	}

	for dk, qty := range deductions {
		it := deductionItem[dk]
		batchID := dk[strings.LastIndex(dk, "|")+1:]
		if err := e.costs.CheckDeduction(ctx, it, batchID, doc.PlantID, qty); err != nil {
			if apperror.IsInsufficientQuantity(err) {
				problems = append(problems, errMessage(err))
				continue
			}
			return err
		}
	}

	if len(problems) > 0 {
		return apperror.NewBusinessRule(apperror.CodeInsufficientQuantity, strings.Join(problems, "; "))
	}
	return nil
}

// applyCosting commits costing mutations (receipt layers, FIFO/WA
// deductions) and prices category transfers by read-only preview.
func (e *Engine) applyCosting(ctx context.Context, doc *Document, work []*lineWork, comp *CompensationLog) error {
	for _, w := range work {
		if w.skip {
			continue
		}
		it := w.item

		switch {
		case doc.MovementType.Inbound():
			unitCost := types.NormalizePrice(w.line.UnitPrice)
			qty := w.baseQty
			batchID := w.line.BatchID
			layerID, err := e.costs.CommitReceipt(ctx, it, batchID, doc.PlantID, qty, unitCost)
			if err != nil {
				return err
			}
			comp.Push("revert receipt costing", func(ctx context.Context) error {
				return e.costs.RevertReceipt(ctx, it, batchID, doc.PlantID, qty, unitCost, layerID)
			})
			w.unitCost = unitCost
			w.totalCost = types.NormalizePrice(unitCost.Mul(qty.Decimal()))
			w.batchCost[batchID] = unitCost
			w.snap.Costing = append(w.snap.Costing, CostingEffect{
				ItemID: it.ID, BatchID: batchID, Movement: entity.MovementIn,
				Qty: qty, UnitCost: unitCost, LayerID: layerID,
			})

		case doc.MovementType.Outbound():
			total := types.Zero()
			for _, bq := range byBatch(w.allocations) {
				batchID, qty := bq.batchID, bq.qty
				unit, consumptions, err := e.costs.CommitDeduction(ctx, it, batchID, doc.PlantID, qty)
				if err != nil {
					return err
				}
				comp.Push("revert deduction costing", func(ctx context.Context) error {
					return e.costs.RevertDeduction(ctx, it, batchID, doc.PlantID, qty, consumptions)
				})
				w.batchCost[batchID] = unit
				total = total.Add(unit.Mul(qty.Decimal()))
				w.snap.Costing = append(w.snap.Costing, CostingEffect{
					ItemID: it.ID, BatchID: batchID, Movement: entity.MovementOut,
					Qty: qty, UnitCost: unit, Consumptions: consumptions,
				})
			}
			w.totalCost = types.NormalizePrice(total)
			if w.baseQty.IsPositive() {
				w.unitCost = types.NormalizePrice(total.Div(w.baseQty.Decimal()))
			}

		default:
			// Category transfers carry value but never consume layers:
			// pricing is a read-only preview.
			total := types.Zero()
			for _, bq := range byBatch(w.allocations) {
				q := bq.qty
				unit, err := e.costs.PreviewUnitCost(ctx, it, bq.batchID, doc.PlantID, &q)
				if err != nil {
					return err
				}
				w.batchCost[bq.batchID] = unit
				total = total.Add(unit.Mul(bq.qty.Decimal()))
			}
			w.totalCost = types.NormalizePrice(total)
			if w.baseQty.IsPositive() {
				w.unitCost = types.NormalizePrice(total.Div(w.baseQty.Decimal()))
			}
		}
	}
	return nil
}

// writeMovements builds ledger source rows and writes them grouped by
// category pair, so consolidation spans lines of the same kind.
func (e *Engine) writeMovements(ctx context.Context, doc *Document, work []*lineWork, comp *CompensationLog) error {
	ref := ledger.DocumentRef{
		TransactionType: string(doc.MovementType),
		TrxNo:           doc.TrxNo(),
		ParentTrxNo:     doc.ParentTrxNo,
		PlantID:         doc.PlantID,
		OrganizationID:  doc.OrganizationID,
	}

	type moveGroup struct {
		from, to entity.InventoryCategory
		rows     []ledger.SourceRow
	}
	groups := make(map[string]*moveGroup)
	order := make([]*moveGroup, 0)
	add := func(from, to entity.InventoryCategory, row ledger.SourceRow) {
		k := string(from) + ">" + string(to)
		g, ok := groups[k]
		if !ok {
			g = &moveGroup{from: from, to: to}
			groups[k] = g
			order = append(order, g)
		}
		g.rows = append(g.rows, row)
	}

	for _, w := range work {
		if w.skip {
			continue
		}
		if doc.MovementType.Inbound() {
			uom := w.line.UOM
			if uom == "" {
				uom = w.item.BaseUOM
			}
			add(w.from, w.to, ledger.SourceRow{
				Item:          w.item,
				UOMID:         uom,
				Quantity:      w.line.Quantity,
				BaseQty:       w.baseQty,
				BinLocationID: w.line.LocationID,
				BatchID:       w.line.BatchID,
				Serials:       w.line.SerialNumbers,
				UnitPrice:     w.unitCost,
			})
			continue
		}
		for _, a := range w.allocations {
			row := ledger.SourceRow{
				Item:          w.item,
				UOMID:         w.item.BaseUOM,
				Quantity:      a.Qty,
				BaseQty:       a.Qty,
				BinLocationID: a.BinLocationID,
				BatchID:       a.BatchID,
				UnitPrice:     w.batchCost[a.BatchID],
			}
			if a.SerialNumber != "" {
				row.Serials = []string{a.SerialNumber}
			}
			add(w.from, w.to, row)
		}
	}

	for _, g := range order {
		var written ledger.Written
		var err error
		switch {
		case g.from == "":
			written, err = e.ledger.RecordInbound(ctx, ref, g.to, g.rows)
		case g.to == "":
			written, err = e.ledger.RecordOutbound(ctx, ref, g.from, g.rows)
		default:
			written, err = e.ledger.RecordTransfer(ctx, ref, g.from, g.to, g.rows)
		}
		if len(written.Entries) > 0 {
			ids := written.EntryIDs()
			comp.Push("soft delete ledger entries", func(ctx context.Context) error {
				return e.ledger.Compensate(ctx, ids)
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// applyBalances applies bucket deltas per line: receipts create stock,
// issues remove it, transfers move it between buckets at the same key.
func (e *Engine) applyBalances(ctx context.Context, doc *Document, work []*lineWork, comp *CompensationLog) error {
	apply := func(w *lineWork, key entity.BalanceKey, cat entity.InventoryCategory, delta types.Quantity) error {
		applied, err := e.balances.ApplyDelta(ctx, key, cat, delta)
		if err != nil {
			return err
		}
		comp.Push("revert balance delta", func(ctx context.Context) error {
			return e.balances.Revert(ctx, applied)
		})
		w.snap.Deltas = append(w.snap.Deltas, applied...)
		return nil
	}

	for _, w := range work {
		if w.skip {
			continue
		}

		if doc.MovementType.Inbound() {
			if w.item.SerialManaged {
				for _, sn := range w.line.SerialNumbers {
					key := e.receiptKey(doc, w.line, sn)
					if err := apply(w, key, w.to, oneUnit()); err != nil {
						return err
					}
					if w.line.BatchExpiry != nil {
						if err := e.balances.SetBatchExpiry(ctx, key, w.line.BatchExpiry); err != nil {
							return err
						}
					}
				}
			} else {
				key := e.receiptKey(doc, w.line, "")
				if err := apply(w, key, w.to, w.baseQty); err != nil {
					return err
				}
				if w.line.BatchExpiry != nil && w.line.BatchID != "" {
					if err := e.balances.SetBatchExpiry(ctx, key, w.line.BatchExpiry); err != nil {
						return err
					}
				}
			}
			continue
		}

		for _, a := range w.allocations {
			if err := apply(w, a.Key, w.from, a.Qty.Neg()); err != nil {
				return err
			}
			if w.to != "" {
				if err := apply(w, a.Key, w.to, a.Qty); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// reverse undoes a prior posting: balance deltas and costing effects from
// the persisted snapshot, then soft deletion of the prior ledger rows.
// Items with stock control disabled are skipped. Every reversal mutation is
// pushed to the compensation log so a failed re-save restores the prior
// posting. The caller supplies the snapshot it already loaded; nil means
// only the ledger rows survive and only those are reversed.
func (e *Engine) reverse(ctx context.Context, doc *Document, snap *AllocationSnapshot, comp *CompensationLog) error {
	if snap == nil {
		logger.Warn(ctx, "posted document has no allocation snapshot",
			"document_id", doc.ID, "trx_no", doc.TrxNo())
	}

	if snap != nil {
		for i := len(snap.Lines) - 1; i >= 0; i-- {
			ls := snap.Lines[i]
			it, err := e.items.GetByID(ctx, ls.ItemID)
			if err != nil {
				if apperror.IsNotFound(err) {
					logger.Warn(ctx, "item missing during reversal, skipping",
						"item_id", ls.ItemID, "row", ls.RowIndex)
					continue
				}
				return err
			}
			if !it.StockControl {
				continue
			}

			if err := e.balances.Revert(ctx, ls.Deltas); err != nil {
				return err
			}
			deltas := ls.Deltas
			comp.Push("reapply balance deltas", func(ctx context.Context) error {
				return e.balances.Reapply(ctx, deltas)
			})

			for j := len(ls.Costing) - 1; j >= 0; j-- {
				eff := ls.Costing[j]
				switch eff.Movement {
				case entity.MovementIn:
					if err := e.costs.RevertReceipt(ctx, it, eff.BatchID, snap.PlantID, eff.Qty, eff.UnitCost, eff.LayerID); err != nil {
						return err
					}
					comp.Push("recommit receipt costing", func(ctx context.Context) error {
						_, err := e.costs.CommitReceipt(ctx, it, eff.BatchID, snap.PlantID, eff.Qty, eff.UnitCost)
						return err
					})
				case entity.MovementOut:
					if err := e.costs.RevertDeduction(ctx, it, eff.BatchID, snap.PlantID, eff.Qty, eff.Consumptions); err != nil {
						return err
					}
					comp.Push("recommit deduction costing", func(ctx context.Context) error {
						_, _, err := e.costs.CommitDeduction(ctx, it, eff.BatchID, snap.PlantID, eff.Qty)
						return err
					})
				}
			}
		}
	}

	if err := e.ledger.Reverse(ctx, doc.TrxNo()); err != nil {
		return err
	}

	if snap != nil {
		if err := e.snapshots.Delete(ctx, doc.ID); err != nil {
			return apperror.NewPersistence(fmt.Errorf("delete allocation snapshot: %w", err))
		}
		comp.Push("restore allocation snapshot", func(ctx context.Context) error {
			return e.snapshots.Save(ctx, snap)
		})
	}
	return nil
}

func (e *Engine) receiptKey(doc *Document, line *Line, serial string) entity.BalanceKey {
	return entity.BalanceKey{
		MaterialID:     line.ItemID,
		LocationID:     line.LocationID,
		BatchID:        line.BatchID,
		SerialNumber:   serial,
		PlantID:        doc.PlantID,
		OrganizationID: doc.OrganizationID,
	}
}

func buildSnapshot(doc *Document, work []*lineWork) *AllocationSnapshot {
	snap := &AllocationSnapshot{
		DocumentID:   doc.ID,
		TrxNo:        doc.TrxNo(),
		PlantID:      doc.PlantID,
		MovementType: doc.MovementType,
		SavedAt:      time.Now().UTC(),
	}
	for _, w := range work {
		if w.skip {
			continue
		}
		w.snap.RowIndex = w.line.RowIndex
		w.snap.ItemID = w.line.ItemID
		snap.Lines = append(snap.Lines, w.snap)
	}
	return snap
}

type batchQty struct {
	batchID string
	qty     types.Quantity
}

// byBatch sums allocation quantities per batch, the costing key grain,
// ordered by batch for deterministic commit order.
func byBatch(allocs []allocation.Allocation) []batchQty {
	m := make(map[string]types.Quantity)
	keys := make([]string, 0, len(allocs))
	for _, a := range allocs {
		if _, ok := m[a.BatchID]; !ok {
			keys = append(keys, a.BatchID)
		}
		m[a.BatchID] += a.Qty
	}
	sort.Strings(keys)
	out := make([]batchQty, 0, len(keys))
	for _, k := range keys {
		out = append(out, batchQty{batchID: k, qty: m[k]})
	}
	return out
}

func materialKeys(doc *Document, work []*lineWork) []string {
	keys := make([]string, 0, len(work))
	for _, w := range work {
		keys = append(keys, w.line.ItemID.String()+"|"+doc.PlantID.String())
	}
	return keys
}

func oneUnit() types.Quantity {
	return types.NewQuantityFromInt64Scaled(types.QuantityScale)
}

func errMessage(err error) string {
	if appErr, ok := apperror.AsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}
