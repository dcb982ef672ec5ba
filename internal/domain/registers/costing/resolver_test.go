package costing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalogs/item"
)

// In-memory fakes

type fakeLayerRepo struct {
	layers []*entity.CostLayer
}

func (f *fakeLayerRepo) ListLayers(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) ([]*entity.CostLayer, error) {
	out := make([]*entity.CostLayer, 0, len(f.layers))
	for _, l := range f.layers {
		if l.MaterialID == materialID && l.BatchID == batchID && l.PlantID == plantID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeLayerRepo) ListLayersForUpdate(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) ([]*entity.CostLayer, error) {
	return f.ListLayers(ctx, materialID, batchID, plantID)
}

func (f *fakeLayerRepo) AppendLayer(ctx context.Context, layer *entity.CostLayer) error {
	f.layers = append(f.layers, layer)
	return nil
}

func (f *fakeLayerRepo) UpdateAvailable(ctx context.Context, layerID id.ID, available types.Quantity) error {
	for _, l := range f.layers {
		if l.LayerID == layerID {
			l.Available = available
			return nil
		}
	}
	return apperror.NewNotFound("cost_layer", layerID)
}

func (f *fakeLayerRepo) DeleteLayer(ctx context.Context, layerID id.ID) error {
	for i, l := range f.layers {
		if l.LayerID == layerID {
			f.layers = append(f.layers[:i], f.layers[i+1:]...)
			return nil
		}
	}
	return apperror.NewNotFound("cost_layer", layerID)
}

type fakeAverageRepo struct {
	recs map[string]*entity.WeightedAverageRecord
}

func newFakeAverageRepo() *fakeAverageRepo {
	return &fakeAverageRepo{recs: make(map[string]*entity.WeightedAverageRecord)}
}

func avgKey(materialID id.ID, batchID string, plantID id.ID) string {
	return materialID.String() + "|" + batchID + "|" + plantID.String()
}

func (f *fakeAverageRepo) Get(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) (*entity.WeightedAverageRecord, error) {
	return f.recs[avgKey(materialID, batchID, plantID)], nil
}

func (f *fakeAverageRepo) GetForUpdate(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) (*entity.WeightedAverageRecord, error) {
	return f.Get(ctx, materialID, batchID, plantID)
}

func (f *fakeAverageRepo) Upsert(ctx context.Context, rec *entity.WeightedAverageRecord) error {
	f.recs[avgKey(rec.MaterialID, rec.BatchID, rec.PlantID)] = rec
	return nil
}

func fifoItem() *item.Item {
	return item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
}

func seedLayers(repo *fakeLayerRepo, it *item.Item, plantID id.ID, specs ...struct {
	qty  float64
	cost string
}) {
	for i, s := range specs {
		repo.layers = append(repo.layers, &entity.CostLayer{
			LayerID:    id.New(),
			MaterialID: it.ID,
			PlantID:    plantID,
			Sequence:   int64(i + 1),
			Initial:    types.NewQuantityFromFloat64(s.qty),
			Available:  types.NewQuantityFromFloat64(s.qty),
			UnitCost:   types.MustMoney(s.cost),
			CreatedAt:  time.Now().UTC(),
		})
	}
}

type layerSpec = struct {
	qty  float64
	cost string
}

func TestFIFODeductionSpansLayers(t *testing.T) {
	ctx := context.Background()
	it := fifoItem()
	plantID := id.New()
	layers := &fakeLayerRepo{}
	seedLayers(layers, it, plantID, layerSpec{10, "5"}, layerSpec{10, "7"})
	r := NewResolver(layers, newFakeAverageRepo())

	// 15 units: 10 @ 5.00 + 5 @ 7.00 = 85.00 / 15 = 5.6667
	unit, consumptions, err := r.CommitDeduction(ctx, it, "", plantID, types.NewQuantityFromFloat64(15))
	require.NoError(t, err)
	assert.True(t, unit.Equal(types.MustMoney("5.6667")), "got %s", unit)
	require.Len(t, consumptions, 2)
	assert.Equal(t, types.NewQuantityFromFloat64(10), consumptions[0].Qty)
	assert.Equal(t, types.NewQuantityFromFloat64(5), consumptions[1].Qty)

	// First layer drained, second has 5 left
	assert.True(t, layers.layers[0].Available.IsZero())
	assert.Equal(t, types.NewQuantityFromFloat64(5), layers.layers[1].Available)
}

func TestFIFOCommitRejectsShortfall(t *testing.T) {
	ctx := context.Background()
	it := fifoItem()
	plantID := id.New()
	layers := &fakeLayerRepo{}
	seedLayers(layers, it, plantID, layerSpec{10, "5"})
	r := NewResolver(layers, newFakeAverageRepo())

	_, _, err := r.CommitDeduction(ctx, it, "", plantID, types.NewQuantityFromFloat64(12))
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientQuantity(err))

	// Nothing consumed
	assert.Equal(t, types.NewQuantityFromFloat64(10), layers.layers[0].Available)
}

func TestFIFOPreviewDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	it := fifoItem()
	plantID := id.New()
	layers := &fakeLayerRepo{}
	seedLayers(layers, it, plantID, layerSpec{10, "5"}, layerSpec{10, "7"})
	r := NewResolver(layers, newFakeAverageRepo())

	// Preview over-demand prices the shortfall at the last layer cost:
	// 10@5 + 10@7 + 5@7 = 155 / 25 = 6.2 -- and never errors.
	qty := types.NewQuantityFromFloat64(25)
	unit, err := r.PreviewUnitCost(ctx, it, "", plantID, &qty)
	require.NoError(t, err)
	assert.True(t, unit.Equal(types.MustMoney("6.2")), "got %s", unit)

	// But the strict pre-check rejects the same deduction.
	err = r.CheckDeduction(ctx, it, "", plantID, qty)
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientQuantity(err))
}

func TestFIFOPreviewNoLayers(t *testing.T) {
	ctx := context.Background()
	it := fifoItem()
	r := NewResolver(&fakeLayerRepo{}, newFakeAverageRepo())

	qty := types.NewQuantityFromFloat64(3)
	unit, err := r.PreviewUnitCost(ctx, it, "", id.New(), &qty)
	require.NoError(t, err)
	assert.True(t, unit.IsZero())
}

func TestReceiptAppendsLayerWithNextSequence(t *testing.T) {
	ctx := context.Background()
	it := fifoItem()
	plantID := id.New()
	layers := &fakeLayerRepo{}
	seedLayers(layers, it, plantID, layerSpec{10, "5"})
	r := NewResolver(layers, newFakeAverageRepo())

	layerID, err := r.CommitReceipt(ctx, it, "", plantID, types.NewQuantityFromFloat64(4), types.MustMoney("6"))
	require.NoError(t, err)
	require.NotNil(t, layerID)
	require.Len(t, layers.layers, 2)
	assert.Equal(t, int64(2), layers.layers[1].Sequence)

	// Revert removes exactly that layer
	require.NoError(t, r.RevertReceipt(ctx, it, "", plantID, types.NewQuantityFromFloat64(4), types.MustMoney("6"), layerID))
	assert.Len(t, layers.layers, 1)
}

func TestRevertDeductionRestoresLayers(t *testing.T) {
	ctx := context.Background()
	it := fifoItem()
	plantID := id.New()
	layers := &fakeLayerRepo{}
	seedLayers(layers, it, plantID, layerSpec{10, "5"}, layerSpec{10, "7"})
	r := NewResolver(layers, newFakeAverageRepo())

	qty := types.NewQuantityFromFloat64(15)
	_, consumptions, err := r.CommitDeduction(ctx, it, "", plantID, qty)
	require.NoError(t, err)

	require.NoError(t, r.RevertDeduction(ctx, it, "", plantID, qty, consumptions))
	assert.Equal(t, types.NewQuantityFromFloat64(10), layers.layers[0].Available)
	assert.Equal(t, types.NewQuantityFromFloat64(10), layers.layers[1].Available)
}

func TestWeightedAverageBlendsOnReceipt(t *testing.T) {
	ctx := context.Background()
	it := item.NewItem("MAT-002", "Lubricant", item.CostingWeightedAverage)
	plantID := id.New()
	averages := newFakeAverageRepo()
	r := NewResolver(&fakeLayerRepo{}, averages)

	// 10 @ 4.00, then 10 @ 6.00 -> 5.00
	_, err := r.CommitReceipt(ctx, it, "", plantID, types.NewQuantityFromFloat64(10), types.MustMoney("4"))
	require.NoError(t, err)
	_, err = r.CommitReceipt(ctx, it, "", plantID, types.NewQuantityFromFloat64(10), types.MustMoney("6"))
	require.NoError(t, err)

	unit, err := r.PreviewUnitCost(ctx, it, "", plantID, nil)
	require.NoError(t, err)
	assert.True(t, unit.Equal(types.MustMoney("5")), "got %s", unit)

	// Deductions keep the average, only quantity moves
	unit, _, err = r.CommitDeduction(ctx, it, "", plantID, types.NewQuantityFromFloat64(5))
	require.NoError(t, err)
	assert.True(t, unit.Equal(types.MustMoney("5")))

	rec, err := averages.Get(ctx, it.ID, "", plantID)
	require.NoError(t, err)
	assert.Equal(t, types.NewQuantityFromFloat64(15), rec.Quantity)
}

func TestWeightedAverageMissingRecordPreviewsZero(t *testing.T) {
	ctx := context.Background()
	it := item.NewItem("MAT-003", "Grease", item.CostingWeightedAverage)
	r := NewResolver(&fakeLayerRepo{}, newFakeAverageRepo())

	unit, err := r.PreviewUnitCost(ctx, it, "", id.New(), nil)
	require.NoError(t, err)
	assert.True(t, unit.IsZero())
}

func TestFixedCostingUsesPurchasePrice(t *testing.T) {
	ctx := context.Background()
	it := item.NewItem("MAT-004", "Packaging", item.CostingFixed)
	it.PurchaseUnitPrice = types.MustMoney("2.5")
	r := NewResolver(&fakeLayerRepo{}, newFakeAverageRepo())

	unit, err := r.PreviewUnitCost(ctx, it, "", id.New(), nil)
	require.NoError(t, err)
	assert.True(t, unit.Equal(types.MustMoney("2.5")))

	unit, consumptions, err := r.CommitDeduction(ctx, it, "", id.New(), types.NewQuantityFromFloat64(3))
	require.NoError(t, err)
	assert.Nil(t, consumptions)
	assert.True(t, unit.Equal(types.MustMoney("2.5")))
}
