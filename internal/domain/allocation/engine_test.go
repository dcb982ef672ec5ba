package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalogs/item"
	"stockledger/internal/domain/registers/balance"
)

// stockRepo is a minimal in-memory balance repository for seeding stock.
type stockRepo struct {
	recs []*entity.BalanceRecord
}

func (f *stockRepo) Get(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error) {
	for _, rec := range f.recs {
		if rec.BalanceKey == key {
			return rec, nil
		}
	}
	return nil, nil
}

func (f *stockRepo) GetForUpdate(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error) {
	return f.Get(ctx, key)
}

func (f *stockRepo) Create(ctx context.Context, rec *entity.BalanceRecord) error {
	f.recs = append(f.recs, rec)
	return nil
}

func (f *stockRepo) Update(ctx context.Context, rec *entity.BalanceRecord) error { return nil }

func (f *stockRepo) ListByMaterial(ctx context.Context, materialID, plantID id.ID, shape balance.KeyShape) ([]*entity.BalanceRecord, error) {
	var out []*entity.BalanceRecord
	for _, rec := range f.recs {
		if rec.MaterialID != materialID || rec.PlantID != plantID {
			continue
		}
		switch shape {
		case balance.ShapeLocation:
			if !rec.BalanceKey.IsAggregate() {
				continue
			}
		case balance.ShapeBatch:
			if rec.BatchID == "" || rec.SerialNumber != "" {
				continue
			}
		case balance.ShapeSerial:
			if rec.SerialNumber == "" {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *stockRepo) ListByLocation(ctx context.Context, locationID id.ID) ([]*entity.BalanceRecord, error) {
	return nil, nil
}

func (f *stockRepo) seed(materialID, locationID, plantID id.ID, batch, serial string, unrestricted float64, expiry *time.Time) *entity.BalanceRecord {
	rec := entity.NewBalanceRecord(entity.BalanceKey{
		MaterialID:   materialID,
		LocationID:   locationID,
		PlantID:      plantID,
		BatchID:      batch,
		SerialNumber: serial,
	})
	rec.Unrestricted = types.NewQuantityFromFloat64(unrestricted)
	rec.Balance = rec.Unrestricted
	rec.BatchExpiry = expiry
	f.recs = append(f.recs, rec)
	return rec
}

func autoConfig() StrategyConfig {
	return StrategyConfig{
		Mode:             ModeAuto,
		DefaultStrategy:  StrategyRandom,
		FallbackStrategy: StrategyRandom,
	}
}

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestAllocateSpansBins(t *testing.T) {
	repo := &stockRepo{}
	eng := NewEngine(balance.NewService(repo))
	ctx := context.Background()

	it := item.NewItem("MAT-001", "Bolt", item.CostingFIFO)
	plantID := id.New()
	binA, binB := id.New(), id.New()
	repo.seed(it.ID, binA, plantID, "", "", 5, nil)
	repo.seed(it.ID, binB, plantID, "", "", 7, nil)

	res, err := eng.Allocate(ctx, Request{
		Item:      it,
		PlantID:   plantID,
		RowIndex:  1,
		DemandQty: types.NewQuantityFromFloat64(12),
		Config:    autoConfig(),
	}, NewReservationTracker())
	require.NoError(t, err)

	assert.Equal(t, types.NewQuantityFromFloat64(12), res.Allocated)
	assert.True(t, res.Shortfall.IsZero())
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, types.NewQuantityFromFloat64(5), res.Allocations[0].Qty)
	assert.Equal(t, types.NewQuantityFromFloat64(7), res.Allocations[1].Qty)
}

func TestAllocateReportsShortfall(t *testing.T) {
	repo := &stockRepo{}
	eng := NewEngine(balance.NewService(repo))
	ctx := context.Background()

	it := item.NewItem("MAT-001", "Bolt", item.CostingFIFO)
	plantID := id.New()
	repo.seed(it.ID, id.New(), plantID, "", "", 4, nil)

	res, err := eng.Allocate(ctx, Request{
		Item:      it,
		PlantID:   plantID,
		RowIndex:  1,
		DemandQty: types.NewQuantityFromFloat64(10),
		Config:    autoConfig(),
	}, NewReservationTracker())
	require.NoError(t, err)
	assert.Equal(t, types.NewQuantityFromFloat64(4), res.Allocated)
	assert.Equal(t, types.NewQuantityFromFloat64(6), res.Shortfall)
}

func TestManualModeIsNoOp(t *testing.T) {
	repo := &stockRepo{}
	eng := NewEngine(balance.NewService(repo))

	it := item.NewItem("MAT-001", "Bolt", item.CostingFIFO)
	res, err := eng.Allocate(context.Background(), Request{
		Item:      it,
		PlantID:   id.New(),
		DemandQty: types.NewQuantityFromFloat64(5),
		Config:    StrategyConfig{Mode: ModeManual},
	}, NewReservationTracker())
	require.NoError(t, err)
	assert.Empty(t, res.Allocations)
	assert.Equal(t, types.NewQuantityFromFloat64(5), res.Shortfall)
}

func TestFixedBinPreferredThenFallback(t *testing.T) {
	repo := &stockRepo{}
	eng := NewEngine(balance.NewService(repo))
	ctx := context.Background()

	plantID := id.New()
	defaultBin, otherBin := id.New(), id.New()
	it := item.NewItem("MAT-001", "Bolt", item.CostingFIFO)
	it.DefaultBinByPlant = map[id.ID]id.ID{plantID: defaultBin}

	repo.seed(it.ID, otherBin, plantID, "", "", 100, nil)
	repo.seed(it.ID, defaultBin, plantID, "", "", 3, nil)

	res, err := eng.Allocate(ctx, Request{
		Item:      it,
		PlantID:   plantID,
		RowIndex:  1,
		DemandQty: types.NewQuantityFromFloat64(5),
		Config: StrategyConfig{
			Mode:             ModeAuto,
			DefaultStrategy:  StrategyFixedBin,
			FallbackStrategy: StrategyRandom,
		},
	}, NewReservationTracker())
	require.NoError(t, err)

	require.Len(t, res.Allocations, 2)
	// Default bin drains first despite the other bin holding more
	assert.Equal(t, defaultBin, res.Allocations[0].BinLocationID)
	assert.Equal(t, types.NewQuantityFromFloat64(3), res.Allocations[0].Qty)
	assert.Equal(t, otherBin, res.Allocations[1].BinLocationID)
	assert.Equal(t, types.NewQuantityFromFloat64(2), res.Allocations[1].Qty)
}

func TestBatchStockDrainsInExpiryOrder(t *testing.T) {
	repo := &stockRepo{}
	eng := NewEngine(balance.NewService(repo))
	ctx := context.Background()

	plantID := id.New()
	bin := id.New()
	it := item.NewItem("MAT-001", "Vaccine", item.CostingFIFO)
	it.BatchManaged = true

	// Seeded out of order: no expiry, late expiry, early expiry
	repo.seed(it.ID, bin, plantID, "LOT-C", "", 10, nil)
	repo.seed(it.ID, bin, plantID, "LOT-B", "", 10, date("2026-12-01"))
	repo.seed(it.ID, bin, plantID, "LOT-A", "", 10, date("2026-09-01"))

	res, err := eng.Allocate(ctx, Request{
		Item:      it,
		PlantID:   plantID,
		RowIndex:  1,
		DemandQty: types.NewQuantityFromFloat64(25),
		Config:    autoConfig(),
	}, NewReservationTracker())
	require.NoError(t, err)

	require.Len(t, res.Allocations, 3)
	assert.Equal(t, "LOT-A", res.Allocations[0].BatchID)
	assert.Equal(t, "LOT-B", res.Allocations[1].BatchID)
	assert.Equal(t, "LOT-C", res.Allocations[2].BatchID) // no expiry sorts last
	assert.Equal(t, types.NewQuantityFromFloat64(5), res.Allocations[2].Qty)
}

func TestSerialStockAllocatesWholeUnits(t *testing.T) {
	repo := &stockRepo{}
	eng := NewEngine(balance.NewService(repo))
	ctx := context.Background()

	plantID := id.New()
	bin := id.New()
	it := item.NewItem("MAT-001", "Pump", item.CostingFIFO)
	it.SerialManaged = true

	repo.seed(it.ID, bin, plantID, "", "SN-001", 1, nil)
	repo.seed(it.ID, bin, plantID, "", "SN-002", 1, nil)
	repo.seed(it.ID, bin, plantID, "", "SN-003", 1, nil)

	// Fractional demand floors to 2 whole units
	res, err := eng.Allocate(ctx, Request{
		Item:      it,
		PlantID:   plantID,
		RowIndex:  1,
		DemandQty: types.NewQuantityFromFloat64(2.4),
		Config:    autoConfig(),
	}, NewReservationTracker())
	require.NoError(t, err)

	require.Len(t, res.Allocations, 2)
	assert.Equal(t, "SN-001", res.Allocations[0].SerialNumber)
	assert.Equal(t, "SN-002", res.Allocations[1].SerialNumber)
	for _, a := range res.Allocations {
		assert.Equal(t, types.NewQuantityFromFloat64(1), a.Qty)
	}
	// The fractional remainder is reported as shortfall
	assert.Equal(t, types.NewQuantityFromFloat64(0.4), res.Shortfall)
}

func TestTrackerPreventsDoubleAllocation(t *testing.T) {
	repo := &stockRepo{}
	eng := NewEngine(balance.NewService(repo))
	ctx := context.Background()

	plantID := id.New()
	bin := id.New()
	it := item.NewItem("MAT-001", "Bolt", item.CostingFIFO)
	repo.seed(it.ID, bin, plantID, "", "", 10, nil)

	tracker := NewReservationTracker()

	// Line 1 takes 6 of the 10
	res1, err := eng.Allocate(ctx, Request{
		Item: it, PlantID: plantID, RowIndex: 1,
		DemandQty: types.NewQuantityFromFloat64(6),
		Config:    autoConfig(),
	}, tracker)
	require.NoError(t, err)
	assert.Equal(t, types.NewQuantityFromFloat64(6), res1.Allocated)

	// Line 2 wants 6 but only 4 remain unreserved
	res2, err := eng.Allocate(ctx, Request{
		Item: it, PlantID: plantID, RowIndex: 2,
		DemandQty: types.NewQuantityFromFloat64(6),
		Config:    autoConfig(),
	}, tracker)
	require.NoError(t, err)
	assert.Equal(t, types.NewQuantityFromFloat64(4), res2.Allocated)
	assert.Equal(t, types.NewQuantityFromFloat64(2), res2.Shortfall)

	// Re-running line 1 sees its own reservation as free again
	tracker.ClearRow(1)
	res1b, err := eng.Allocate(ctx, Request{
		Item: it, PlantID: plantID, RowIndex: 1,
		DemandQty: types.NewQuantityFromFloat64(6),
		Config:    autoConfig(),
	}, tracker)
	require.NoError(t, err)
	assert.Equal(t, types.NewQuantityFromFloat64(6), res1b.Allocated)
}
