package balance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// fakeRepo is an in-memory balance repository.
type fakeRepo struct {
	recs map[string]*entity.BalanceRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{recs: make(map[string]*entity.BalanceRecord)}
}

func (f *fakeRepo) Get(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error) {
	return f.recs[key.String()], nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error) {
	return f.recs[key.String()], nil
}

func (f *fakeRepo) Create(ctx context.Context, rec *entity.BalanceRecord) error {
	f.recs[rec.BalanceKey.String()] = rec
	return nil
}

func (f *fakeRepo) Update(ctx context.Context, rec *entity.BalanceRecord) error {
	f.recs[rec.BalanceKey.String()] = rec
	return nil
}

func (f *fakeRepo) ListByMaterial(ctx context.Context, materialID, plantID id.ID, shape KeyShape) ([]*entity.BalanceRecord, error) {
	var out []*entity.BalanceRecord
	for _, rec := range f.recs {
		if rec.MaterialID != materialID || rec.PlantID != plantID {
			continue
		}
		switch shape {
		case ShapeLocation:
			if !rec.BalanceKey.IsAggregate() {
				continue
			}
		case ShapeBatch:
			if rec.BatchID == "" || rec.SerialNumber != "" {
				continue
			}
		case ShapeSerial:
			if rec.SerialNumber == "" {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRepo) ListByLocation(ctx context.Context, locationID id.ID) ([]*entity.BalanceRecord, error) {
	var out []*entity.BalanceRecord
	for _, rec := range f.recs {
		if rec.LocationID == locationID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func testKey() entity.BalanceKey {
	return entity.BalanceKey{
		MaterialID:     id.New(),
		LocationID:     id.New(),
		PlantID:        id.New(),
		OrganizationID: id.New(),
	}
}

func qty(v float64) types.Quantity { return types.NewQuantityFromFloat64(v) }

func TestApplyDeltaCreatesRecordLazily(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()
	key := testKey()

	applied, err := svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(5))
	require.NoError(t, err)
	require.Len(t, applied, 1)

	rec, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, qty(5), rec.Unrestricted)
	assert.Equal(t, qty(5), rec.Balance)
}

func TestApplyDeltaRejectsNegativeBucket(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()
	key := testKey()

	_, err := svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(3))
	require.NoError(t, err)

	// Draining more than available fails, nothing is clamped
	_, err = svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(-4))
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientQuantity(err))

	rec, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, qty(3), rec.Unrestricted)

	// A missing record behaves like zero stock
	_, err = svc.ApplyDelta(ctx, testKey(), entity.CategoryUnrestricted, qty(-1))
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientQuantity(err))
}

func TestApplyDeltaMirrorsBatchToAggregate(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()

	key := testKey()
	key.BatchID = "LOT-7"

	applied, err := svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(4))
	require.NoError(t, err)
	require.Len(t, applied, 2)

	batchRec, _ := svc.Get(ctx, key)
	aggRec, _ := svc.Get(ctx, key.WithoutBatch())
	assert.Equal(t, qty(4), batchRec.Unrestricted)
	assert.Equal(t, qty(4), aggRec.Unrestricted)
}

func TestApplyDeltaMirrorsSerialThroughBatch(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()

	key := testKey()
	key.BatchID = "LOT-7"
	key.SerialNumber = "SN-001"

	applied, err := svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(1))
	require.NoError(t, err)
	// serial record, batch record, location aggregate
	require.Len(t, applied, 3)

	for _, k := range []entity.BalanceKey{key, key.WithoutSerial(), key.WithoutSerial().WithoutBatch()} {
		rec, err := svc.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, qty(1), rec.Unrestricted, "key %s", k.String())
	}
}

func TestApplyDeltaUndoesMirrorsOnPartialFailure(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()

	key := testKey()
	key.BatchID = "LOT-7"

	// Seed only the batch record; the aggregate is empty, so a negative
	// delta passes the batch record and fails on the mirror.
	batchRec := entity.NewBalanceRecord(key)
	require.NoError(t, batchRec.ApplyDelta(entity.CategoryUnrestricted, qty(5)))
	require.NoError(t, repo.Create(ctx, batchRec))

	_, err := svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(-2))
	require.Error(t, err)

	// The batch record must be back at 5
	rec, _ := svc.Get(ctx, key)
	assert.Equal(t, qty(5), rec.Unrestricted)
}

func TestRevertRestoresExactState(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()

	key := testKey()
	key.BatchID = "LOT-1"

	applied, err := svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(10))
	require.NoError(t, err)
	more, err := svc.ApplyDelta(ctx, key, entity.CategoryReserved, qty(2))
	require.NoError(t, err)
	applied = append(applied, more...)

	require.NoError(t, svc.Revert(ctx, applied))

	for _, k := range []entity.BalanceKey{key, key.WithoutBatch()} {
		rec, err := svc.Get(ctx, k)
		require.NoError(t, err)
		assert.True(t, rec.Unrestricted.IsZero(), "key %s", k.String())
		assert.True(t, rec.Reserved.IsZero(), "key %s", k.String())
		assert.True(t, rec.Balance.IsZero(), "key %s", k.String())
	}
}

func TestCategoryTransferKeepsBalance(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()
	key := testKey()

	_, err := svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(10))
	require.NoError(t, err)

	// unrestricted -> reserved
	_, err = svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(-4))
	require.NoError(t, err)
	_, err = svc.ApplyDelta(ctx, key, entity.CategoryReserved, qty(4))
	require.NoError(t, err)

	rec, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, qty(6), rec.Unrestricted)
	assert.Equal(t, qty(4), rec.Reserved)
	assert.Equal(t, qty(10), rec.Balance)
}

func TestCheckAvailability(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)
	ctx := context.Background()
	key := testKey()

	_, err := svc.ApplyDelta(ctx, key, entity.CategoryUnrestricted, qty(5))
	require.NoError(t, err)

	assert.NoError(t, svc.CheckAvailability(ctx, key, qty(5)))
	err = svc.CheckAvailability(ctx, key, qty(6))
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientQuantity(err))

	// Unknown key reads as zero stock
	err = svc.CheckAvailability(ctx, testKey(), qty(1))
	require.Error(t, err)
}
