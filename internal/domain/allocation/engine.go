package allocation

import (
	"context"
	"sort"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalogs/item"
	"stockledger/internal/domain/registers/balance"
	"stockledger/pkg/logger"
)

// Mode selects whether allocation runs automatically.
type Mode string

const (
	// ModeManual means the caller supplies allocations explicitly and the
	// engine is a no-op.
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// Strategy selects how eligible stock is consumed.
type Strategy string

const (
	// StrategyFixedBin prefers the item's configured default bin.
	StrategyFixedBin Strategy = "fixed_bin"
	// StrategyRandom consumes eligible records in sort order.
	StrategyRandom Strategy = "random"
)

// StrategyConfig is the picking setup for a (plant, movement type).
type StrategyConfig struct {
	Mode             Mode     `json:"mode"`
	DefaultStrategy  Strategy `json:"defaultStrategy"`
	FallbackStrategy Strategy `json:"fallbackStrategy"`

	// FilterExpr is an optional CEL expression restricting eligible records.
	FilterExpr string `json:"filterExpr,omitempty"`
}

// Request describes one demand line to allocate.
type Request struct {
	Item      *item.Item
	PlantID   id.ID
	RowIndex  int
	DemandQty types.Quantity
	Config    StrategyConfig
}

// Allocation assigns a quantity from one balance record to the demand.
type Allocation struct {
	Key           entity.BalanceKey `json:"key"`
	Qty           types.Quantity    `json:"qty"`
	BinLocationID id.ID             `json:"binLocationId"`
	BatchID       string            `json:"batchId,omitempty"`
	SerialNumber  string            `json:"serialNumber,omitempty"`
}

// Result is the ordered outcome of one allocation run. Allocated may fall
// short of the demand; the shortfall is the caller's concern.
type Result struct {
	Allocations []Allocation   `json:"allocations"`
	Allocated   types.Quantity `json:"allocated"`
	Shortfall   types.Quantity `json:"shortfall"`
}

// Engine allocates demand quantities across eligible balance records.
type Engine struct {
	balances *balance.Service
}

// NewEngine creates an allocation engine.
func NewEngine(balances *balance.Service) *Engine {
	return &Engine{balances: balances}
}

// Allocate distributes the requested quantity over eligible stock records
// under the configured strategy, subtracting quantities earlier lines of the
// same document already reserved via tracker. In manual mode it returns an
// empty result.
func (e *Engine) Allocate(ctx context.Context, req Request, tracker *ReservationTracker) (Result, error) {
	if req.Config.Mode == ModeManual {
		return Result{Shortfall: req.DemandQty}, nil
	}

	filter, err := CompileFilter(req.Config.FilterExpr)
	if err != nil {
		return Result{}, err
	}

	shape := balance.ShapeLocation
	switch {
	case req.Item.SerialManaged:
		shape = balance.ShapeSerial
	case req.Item.BatchManaged:
		shape = balance.ShapeBatch
	}

	records, err := e.balances.ListForAllocation(ctx, req.Item.ID, req.PlantID, shape)
	if err != nil {
		return Result{}, err
	}

	eligible := make([]*candidate, 0, len(records))
	for _, rec := range records {
		ok, err := filter.Eligible(rec)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}
		avail := rec.Unrestricted - tracker.Consumed(req.Item.ID, req.RowIndex, rec.BalanceKey)
		if !avail.IsPositive() {
			continue
		}
		eligible = append(eligible, &candidate{rec: rec, available: avail})
	}

	// Batch and serial stock drains in expiry order, earliest first, with a
	// lexicographic identifier tie-break. Plain location stock keeps its
	// stable original order.
	if req.Item.BatchManaged || req.Item.SerialManaged {
		sort.SliceStable(eligible, func(i, j int) bool {
			return lessCandidate(eligible[i].rec, eligible[j].rec)
		})
	}

	demand := req.DemandQty
	if req.Item.SerialManaged {
		// Serialized stock allocates whole units only.
		demand = types.NewQuantityFromInt64Scaled(demand.WholeUnits() * types.QuantityScale)
	}
	remaining := demand

	result := Result{Allocations: make([]Allocation, 0, len(eligible))}

	if req.Config.DefaultStrategy == StrategyFixedBin {
		if bin, ok := req.Item.DefaultBin(req.PlantID); ok {
			remaining = e.consume(req, tracker, &result, eligible, remaining, func(c *candidate) bool {
				return c.rec.LocationID == bin
			})
			if remaining.IsPositive() && req.Config.FallbackStrategy == StrategyRandom {
				remaining = e.consume(req, tracker, &result, eligible, remaining, func(c *candidate) bool {
					return c.rec.LocationID != bin
				})
			}
		} else if req.Config.FallbackStrategy == StrategyRandom {
			remaining = e.consume(req, tracker, &result, eligible, remaining, nil)
		}
	} else {
		// Random default ignores fixed-bin configuration entirely.
		remaining = e.consume(req, tracker, &result, eligible, remaining, nil)
	}

	result.Allocated = demand - remaining
	result.Shortfall = req.DemandQty - result.Allocated
	if remaining.IsPositive() {
		logger.Debug(ctx, "allocation left a shortfall",
			"item_id", req.Item.ID, "row", req.RowIndex, "shortfall", remaining.String())
	}
	return result, nil
}

type candidate struct {
	rec       *entity.BalanceRecord
	available types.Quantity
}

// consume walks candidates in order, taking stock from those admit accepts
// (nil admits all), until remaining is satisfied. Every taken amount is
// recorded in the tracker under the request's row index.
func (e *Engine) consume(req Request, tracker *ReservationTracker, result *Result, eligible []*candidate, remaining types.Quantity, admit func(*candidate) bool) types.Quantity {
	for _, c := range eligible {
		if !remaining.IsPositive() {
			break
		}
		if admit != nil && !admit(c) {
			continue
		}
		if !c.available.IsPositive() {
			continue
		}

		var take types.Quantity
		if req.Item.SerialManaged {
			// Each serial record is exactly one unit.
			take = types.NewQuantityFromInt64Scaled(types.QuantityScale)
			if c.available < take || remaining < take {
				continue
			}
		} else {
			take = types.Min(c.available, remaining)
		}

		result.Allocations = append(result.Allocations, Allocation{
			Key:           c.rec.BalanceKey,
			Qty:           take,
			BinLocationID: c.rec.LocationID,
			BatchID:       c.rec.BatchID,
			SerialNumber:  c.rec.SerialNumber,
		})
		tracker.Record(req.Item.ID, req.RowIndex, c.rec.BalanceKey, take)
		c.available -= take
		remaining -= take
	}
	return remaining
}

// lessCandidate orders batch/serial records: earliest expiry first, records
// without expiry after those with one, then batch+serial lexicographically.
func lessCandidate(a, b *entity.BalanceRecord) bool {
	switch {
	case a.BatchExpiry != nil && b.BatchExpiry != nil:
		if !a.BatchExpiry.Equal(*b.BatchExpiry) {
			return a.BatchExpiry.Before(*b.BatchExpiry)
		}
	case a.BatchExpiry != nil:
		return true
	case b.BatchExpiry != nil:
		return false
	}
	if a.BatchID != b.BatchID {
		return a.BatchID < b.BatchID
	}
	return a.SerialNumber < b.SerialNumber
}
