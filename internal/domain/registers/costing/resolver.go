package costing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalogs/item"
	"stockledger/pkg/logger"
)

// LayerConsumption records quantity taken from one FIFO layer during a
// committed deduction, for compensation.
type LayerConsumption struct {
	LayerID id.ID
	Qty     types.Quantity
}

// Resolver values movements under the item's costing method.
//
// Preview calls are read-only and degrade gracefully (last known cost) so a
// pricing lookup never fails a document. Commit calls mutate layers or the
// weighted-average record and are only made after the strict pre-check has
// passed. The asymmetry is deliberate: preview is not a commit-time
// guarantee.
type Resolver struct {
	layers   LayerRepository
	averages AverageRepository
}

// NewResolver creates a costing resolver.
func NewResolver(layers LayerRepository, averages AverageRepository) *Resolver {
	return &Resolver{layers: layers, averages: averages}
}

// PreviewUnitCost returns the unit cost an outbound movement would carry,
// without side effects. deduction may be nil for a point-cost lookup.
func (r *Resolver) PreviewUnitCost(ctx context.Context, it *item.Item, batchID string, plantID id.ID, deduction *types.Quantity) (types.Money, error) {
	switch it.CostingMethod {
	case item.CostingFIFO:
		layers, err := r.layers.ListLayers(ctx, it.ID, batchID, plantID)
		if err != nil {
			return types.Zero(), fmt.Errorf("list layers: %w", err)
		}
		return r.fifoCost(ctx, it, layers, deduction), nil

	case item.CostingWeightedAverage:
		rec, err := r.averages.Get(ctx, it.ID, batchID, plantID)
		if err != nil {
			return types.Zero(), fmt.Errorf("get average record: %w", err)
		}
		if rec == nil {
			logger.Warn(ctx, "no weighted-average record, defaulting cost to zero",
				"item_id", it.ID, "batch_id", batchID)
			return types.Zero(), nil
		}
		return rec.UnitCost, nil

	case item.CostingFixed:
		return types.NormalizePrice(it.PurchaseUnitPrice), nil
	}

	return types.Zero(), apperror.NewValidation("unknown costing method").
		WithDetail("item_id", it.ID.String()).
		WithDetail("method", string(it.CostingMethod))
}

// fifoCost computes the FIFO preview cost over the given layers.
func (r *Resolver) fifoCost(ctx context.Context, it *item.Item, layers []*entity.CostLayer, deduction *types.Quantity) types.Money {
	if len(layers) == 0 {
		logger.Warn(ctx, "no cost layers, defaulting cost to zero", "item_id", it.ID)
		return types.Zero()
	}

	if deduction == nil {
		// Point lookup: oldest layer with availability, else the most
		// recently created layer's cost.
		for _, l := range layers {
			if l.Available.IsPositive() {
				return l.UnitCost
			}
		}
		return layers[len(layers)-1].UnitCost
	}

	remaining := *deduction
	totalCost := decimal.Zero
	consumed := types.Quantity(0)
	var last *entity.CostLayer
	for _, l := range layers {
		last = l
		if !remaining.IsPositive() {
			break
		}
		take := types.Min(l.Available, remaining)
		if !take.IsPositive() {
			continue
		}
		totalCost = totalCost.Add(l.UnitCost.Mul(take.Decimal()))
		consumed += take
		remaining -= take
	}

	if remaining.IsPositive() && last != nil {
		// Shortfall priced at the last layer's cost. Not fatal here: the
		// strict availability check happens in pre-validation.
		logger.Warn(ctx, "cost layers insufficient for deduction, pricing remainder at last layer",
			"item_id", it.ID, "deduction", deduction.String(), "shortfall", remaining.String())
		totalCost = totalCost.Add(last.UnitCost.Mul(remaining.Decimal()))
		consumed += remaining
	}

	if !consumed.IsPositive() {
		return layers[len(layers)-1].UnitCost
	}
	return types.NormalizePrice(totalCost.Div(consumed.Decimal()))
}

// CheckDeduction is the strict pre-check counterpart of PreviewUnitCost:
// it fails with InsufficientQuantity when FIFO layers cannot cover the
// deduction. Weighted-average and fixed costing have no layer constraint.
func (r *Resolver) CheckDeduction(ctx context.Context, it *item.Item, batchID string, plantID id.ID, qty types.Quantity) error {
	if it.CostingMethod != item.CostingFIFO {
		return nil
	}
	layers, err := r.layers.ListLayers(ctx, it.ID, batchID, plantID)
	if err != nil {
		return fmt.Errorf("list layers: %w", err)
	}
	available := types.Quantity(0)
	for _, l := range layers {
		available += l.Available
	}
	if available < qty {
		return apperror.NewInsufficientQuantity(it.ID.String(), qty.Float64(), available.Float64()).
			WithDetail("batch_id", batchID).
			WithDetail("stage", "cost_layers")
	}
	return nil
}

// CommitDeduction consumes qty from the costing state and returns the unit
// cost the movement carries plus the consumptions made, for compensation.
func (r *Resolver) CommitDeduction(ctx context.Context, it *item.Item, batchID string, plantID id.ID, qty types.Quantity) (types.Money, []LayerConsumption, error) {
	switch it.CostingMethod {
	case item.CostingFIFO:
		return r.commitFIFO(ctx, it, batchID, plantID, qty)

	case item.CostingWeightedAverage:
		rec, err := r.averages.GetForUpdate(ctx, it.ID, batchID, plantID)
		if err != nil {
			return types.Zero(), nil, apperror.NewPersistence(fmt.Errorf("get average record: %w", err))
		}
		if rec == nil {
			logger.Warn(ctx, "deduction against missing weighted-average record",
				"item_id", it.ID, "batch_id", batchID)
			return types.Zero(), nil, nil
		}
		rec.Quantity -= qty
		rec.UpdatedAt = time.Now().UTC()
		if err := r.averages.Upsert(ctx, rec); err != nil {
			return types.Zero(), nil, apperror.NewPersistence(fmt.Errorf("update average record: %w", err))
		}
		return rec.UnitCost, nil, nil

	case item.CostingFixed:
		return types.NormalizePrice(it.PurchaseUnitPrice), nil, nil
	}

	return types.Zero(), nil, apperror.NewValidation("unknown costing method").
		WithDetail("method", string(it.CostingMethod))
}

func (r *Resolver) commitFIFO(ctx context.Context, it *item.Item, batchID string, plantID id.ID, qty types.Quantity) (types.Money, []LayerConsumption, error) {
	layers, err := r.layers.ListLayersForUpdate(ctx, it.ID, batchID, plantID)
	if err != nil {
		return types.Zero(), nil, apperror.NewPersistence(fmt.Errorf("list layers: %w", err))
	}

	available := types.Quantity(0)
	for _, l := range layers {
		available += l.Available
	}
	if available < qty {
		return types.Zero(), nil, apperror.NewInsufficientQuantity(it.ID.String(), qty.Float64(), available.Float64()).
			WithDetail("stage", "cost_layers")
	}

	remaining := qty
	totalCost := decimal.Zero
	consumptions := make([]LayerConsumption, 0, 2)
	for _, l := range layers {
		if !remaining.IsPositive() {
			break
		}
		take := types.Min(l.Available, remaining)
		if !take.IsPositive() {
			continue
		}
		if err := l.Consume(take); err != nil {
			return types.Zero(), consumptions, apperror.NewInternal(err)
		}
		if err := r.layers.UpdateAvailable(ctx, l.LayerID, l.Available); err != nil {
			return types.Zero(), consumptions, apperror.NewPersistence(fmt.Errorf("update layer: %w", err))
		}
		totalCost = totalCost.Add(l.UnitCost.Mul(take.Decimal()))
		consumptions = append(consumptions, LayerConsumption{LayerID: l.LayerID, Qty: take})
		remaining -= take
	}

	unit := types.NormalizePrice(totalCost.Div(qty.Decimal()))
	return unit, consumptions, nil
}

// CommitReceipt records an inbound quantity at unitCost: a new FIFO layer,
// or a recomputed weighted-average record. Fixed costing keeps no state.
// Returns the created layer ID (if any) for compensation.
func (r *Resolver) CommitReceipt(ctx context.Context, it *item.Item, batchID string, plantID id.ID, qty types.Quantity, unitCost types.Money) (*id.ID, error) {
	unitCost = types.NormalizePrice(unitCost)

	switch it.CostingMethod {
	case item.CostingFIFO:
		layers, err := r.layers.ListLayers(ctx, it.ID, batchID, plantID)
		if err != nil {
			return nil, apperror.NewPersistence(fmt.Errorf("list layers: %w", err))
		}
		var seq int64 = 1
		if n := len(layers); n > 0 {
			seq = layers[n-1].Sequence + 1
		}
		layer := &entity.CostLayer{
			LayerID:    id.New(),
			MaterialID: it.ID,
			BatchID:    batchID,
			PlantID:    plantID,
			Sequence:   seq,
			Initial:    qty,
			Available:  qty,
			UnitCost:   unitCost,
			CreatedAt:  time.Now().UTC(),
		}
		if err := r.layers.AppendLayer(ctx, layer); err != nil {
			return nil, apperror.NewPersistence(fmt.Errorf("append layer: %w", err))
		}
		return &layer.LayerID, nil

	case item.CostingWeightedAverage:
		rec, err := r.averages.GetForUpdate(ctx, it.ID, batchID, plantID)
		if err != nil {
			return nil, apperror.NewPersistence(fmt.Errorf("get average record: %w", err))
		}
		if rec == nil {
			rec = &entity.WeightedAverageRecord{
				MaterialID: it.ID,
				BatchID:    batchID,
				PlantID:    plantID,
			}
		}
		rec.Receive(qty, unitCost)
		if err := r.averages.Upsert(ctx, rec); err != nil {
			return nil, apperror.NewPersistence(fmt.Errorf("upsert average record: %w", err))
		}
		return nil, nil

	case item.CostingFixed:
		return nil, nil
	}

	return nil, apperror.NewValidation("unknown costing method").
		WithDetail("method", string(it.CostingMethod))
}

// RevertDeduction restores layer availability consumed by CommitDeduction,
// most recent consumption first.
func (r *Resolver) RevertDeduction(ctx context.Context, it *item.Item, batchID string, plantID id.ID, qty types.Quantity, consumptions []LayerConsumption) error {
	switch it.CostingMethod {
	case item.CostingFIFO:
		layers, err := r.layers.ListLayersForUpdate(ctx, it.ID, batchID, plantID)
		if err != nil {
			return apperror.NewPersistence(fmt.Errorf("list layers: %w", err))
		}
		byID := make(map[id.ID]*entity.CostLayer, len(layers))
		for _, l := range layers {
			byID[l.LayerID] = l
		}
		for i := len(consumptions) - 1; i >= 0; i-- {
			c := consumptions[i]
			l, ok := byID[c.LayerID]
			if !ok {
				return apperror.NewInternal(fmt.Errorf("layer %s missing during revert", c.LayerID))
			}
			restored := l.Available + c.Qty
			if restored > l.Initial {
				return apperror.NewInternal(fmt.Errorf("revert would exceed layer %d initial quantity", l.Sequence))
			}
			l.Available = restored
			if err := r.layers.UpdateAvailable(ctx, l.LayerID, restored); err != nil {
				return apperror.NewPersistence(fmt.Errorf("restore layer: %w", err))
			}
		}
		return nil

	case item.CostingWeightedAverage:
		rec, err := r.averages.GetForUpdate(ctx, it.ID, batchID, plantID)
		if err != nil {
			return apperror.NewPersistence(fmt.Errorf("get average record: %w", err))
		}
		if rec == nil {
			return nil
		}
		rec.Quantity += qty
		rec.UpdatedAt = time.Now().UTC()
		if err := r.averages.Upsert(ctx, rec); err != nil {
			return apperror.NewPersistence(fmt.Errorf("update average record: %w", err))
		}
		return nil
	}

	return nil
}

// RevertReceipt removes a layer created by CommitReceipt, or backs the
// receipt quantity out of the weighted-average record at the given cost.
func (r *Resolver) RevertReceipt(ctx context.Context, it *item.Item, batchID string, plantID id.ID, qty types.Quantity, unitCost types.Money, layerID *id.ID) error {
	switch it.CostingMethod {
	case item.CostingFIFO:
		if layerID == nil {
			return nil
		}
		if err := r.layers.DeleteLayer(ctx, *layerID); err != nil {
			return apperror.NewPersistence(fmt.Errorf("delete layer: %w", err))
		}
		return nil

	case item.CostingWeightedAverage:
		rec, err := r.averages.GetForUpdate(ctx, it.ID, batchID, plantID)
		if err != nil {
			return apperror.NewPersistence(fmt.Errorf("get average record: %w", err))
		}
		if rec == nil {
			return nil
		}
		// Inverse of Receive: remove the blended-in value at the receipt cost.
		newQty := rec.Quantity - qty
		if newQty.IsPositive() {
			oldValue := rec.UnitCost.Mul(rec.Quantity.Decimal())
			inValue := types.NormalizePrice(unitCost).Mul(qty.Decimal())
			rec.UnitCost = types.NormalizePrice(oldValue.Sub(inValue).Div(newQty.Decimal()))
		}
		rec.Quantity = newQty
		rec.UpdatedAt = time.Now().UTC()
		if err := r.averages.Upsert(ctx, rec); err != nil {
			return apperror.NewPersistence(fmt.Errorf("update average record: %w", err))
		}
		return nil
	}

	return nil
}
