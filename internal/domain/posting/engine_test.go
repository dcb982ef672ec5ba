package posting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
)

// In-memory fakes wiring the real services through the engine.

type fakeItems struct {
	byID map[id.ID]*item.Item
}

func (f *fakeItems) GetByID(ctx context.Context, itemID id.ID) (*item.Item, error) {
	it, ok := f.byID[itemID]
	if !ok {
		return nil, apperror.NewNotFound("item", itemID)
	}
	return it, nil
}

type memBalanceRepo struct {
	recs map[string]*entity.BalanceRecord
}

func newMemBalanceRepo() *memBalanceRepo {
	return &memBalanceRepo{recs: make(map[string]*entity.BalanceRecord)}
}

func (f *memBalanceRepo) Get(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error) {
	return f.recs[key.String()], nil
}

func (f *memBalanceRepo) GetForUpdate(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error) {
	return f.recs[key.String()], nil
}

func (f *memBalanceRepo) Create(ctx context.Context, rec *entity.BalanceRecord) error {
	f.recs[rec.BalanceKey.String()] = rec
	return nil
}

func (f *memBalanceRepo) Update(ctx context.Context, rec *entity.BalanceRecord) error {
	f.recs[rec.BalanceKey.String()] = rec
	return nil
}

func (f *memBalanceRepo) ListByMaterial(ctx context.Context, materialID, plantID id.ID, shape balance.KeyShape) ([]*entity.BalanceRecord, error) {
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

func (f *memBalanceRepo) ListByLocation(ctx context.Context, locationID id.ID) ([]*entity.BalanceRecord, error) {
	var out []*entity.BalanceRecord
	for _, rec := range f.recs {
		if rec.LocationID == locationID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// failingBalanceRepo trips on the first write touching failMaterial.
type failingBalanceRepo struct {
	*memBalanceRepo
	failMaterial id.ID
}

func (f *failingBalanceRepo) Create(ctx context.Context, rec *entity.BalanceRecord) error {
	if rec.MaterialID == f.failMaterial {
		return apperror.NewPersistence(assert.AnError)
	}
	return f.memBalanceRepo.Create(ctx, rec)
}

func (f *failingBalanceRepo) Update(ctx context.Context, rec *entity.BalanceRecord) error {
	if rec.MaterialID == f.failMaterial {
		return apperror.NewPersistence(assert.AnError)
	}
	return f.memBalanceRepo.Update(ctx, rec)
}

type memLayerRepo struct {
	layers []*entity.CostLayer
}

func (f *memLayerRepo) ListLayers(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) ([]*entity.CostLayer, error) {
	out := make([]*entity.CostLayer, 0, len(f.layers))
	for _, l := range f.layers {
		if l.MaterialID == materialID && l.BatchID == batchID && l.PlantID == plantID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *memLayerRepo) ListLayersForUpdate(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) ([]*entity.CostLayer, error) {
	return f.ListLayers(ctx, materialID, batchID, plantID)
}

func (f *memLayerRepo) AppendLayer(ctx context.Context, layer *entity.CostLayer) error {
	f.layers = append(f.layers, layer)
	return nil
}

func (f *memLayerRepo) UpdateAvailable(ctx context.Context, layerID id.ID, available types.Quantity) error {
	for _, l := range f.layers {
		if l.LayerID == layerID {
			l.Available = available
			return nil
		}
	}
	return apperror.NewNotFound("cost_layer", layerID)
}

func (f *memLayerRepo) DeleteLayer(ctx context.Context, layerID id.ID) error {
	for i, l := range f.layers {
		if l.LayerID == layerID {
			f.layers = append(f.layers[:i], f.layers[i+1:]...)
			return nil
		}
	}
	return apperror.NewNotFound("cost_layer", layerID)
}

type memAverageRepo struct {
	recs map[string]*entity.WeightedAverageRecord
}

func newMemAverageRepo() *memAverageRepo {
	return &memAverageRepo{recs: make(map[string]*entity.WeightedAverageRecord)}
}

func (f *memAverageRepo) key(materialID id.ID, batchID string, plantID id.ID) string {
	return materialID.String() + "|" + batchID + "|" + plantID.String()
}

func (f *memAverageRepo) Get(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) (*entity.WeightedAverageRecord, error) {
	return f.recs[f.key(materialID, batchID, plantID)], nil
}

func (f *memAverageRepo) GetForUpdate(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) (*entity.WeightedAverageRecord, error) {
	return f.Get(ctx, materialID, batchID, plantID)
}

func (f *memAverageRepo) Upsert(ctx context.Context, rec *entity.WeightedAverageRecord) error {
	f.recs[f.key(rec.MaterialID, rec.BatchID, rec.PlantID)] = rec
	return nil
}

type memLedgerRepo struct {
	entries []*entity.MovementLedgerEntry
	serials []*entity.SerialMovement
}

func (f *memLedgerRepo) CreateEntries(ctx context.Context, entries []*entity.MovementLedgerEntry) error {
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *memLedgerRepo) CreateSerialMovements(ctx context.Context, rows []*entity.SerialMovement) error {
	f.serials = append(f.serials, rows...)
	return nil
}

func (f *memLedgerRepo) ListByTrxNo(ctx context.Context, trxNo string, includeDeleted bool) ([]*entity.MovementLedgerEntry, error) {
	var out []*entity.MovementLedgerEntry
	for _, e := range f.entries {
		if e.TrxNo != trxNo {
			continue
		}
		if e.IsDeleted && !includeDeleted {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *memLedgerRepo) ListSerialMovements(ctx context.Context, entryID id.ID) ([]*entity.SerialMovement, error) {
	var out []*entity.SerialMovement
	for _, s := range f.serials {
		if s.EntryID == entryID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *memLedgerRepo) SoftDeleteByTrxNo(ctx context.Context, trxNo string) error {
	for _, e := range f.entries {
		if e.TrxNo == trxNo {
			e.IsDeleted = true
			for _, s := range f.serials {
				if s.EntryID == e.EntryID {
					s.IsDeleted = true
				}
			}
		}
	}
	return nil
}

func (f *memLedgerRepo) SoftDeleteEntries(ctx context.Context, entryIDs []id.ID) error {
	for _, eid := range entryIDs {
		for _, e := range f.entries {
			if e.EntryID == eid {
				e.IsDeleted = true
			}
		}
	}
	return nil
}

type memSnapshotStore struct {
	snaps map[id.ID]*AllocationSnapshot
}

func newMemSnapshotStore() *memSnapshotStore {
	return &memSnapshotStore{snaps: make(map[id.ID]*AllocationSnapshot)}
}

func (f *memSnapshotStore) Save(ctx context.Context, snap *AllocationSnapshot) error {
	f.snaps[snap.DocumentID] = snap
	return nil
}

func (f *memSnapshotStore) Get(ctx context.Context, documentID id.ID) (*AllocationSnapshot, error) {
	return f.snaps[documentID], nil
}

func (f *memSnapshotStore) Delete(ctx context.Context, documentID id.ID) error {
	delete(f.snaps, documentID)
	return nil
}

// failingSnapshotStore fails Save once armed.
type failingSnapshotStore struct {
	*memSnapshotStore
	fail bool
}

func (f *failingSnapshotStore) Save(ctx context.Context, snap *AllocationSnapshot) error {
	if f.fail {
		return assert.AnError
	}
	return f.memSnapshotStore.Save(ctx, snap)
}

// noopTxManager runs the callback directly; the engine's compensation log
// is the only rollback mechanism under test.
type noopTxManager struct{}

func (noopTxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// storeState is a deep copy of every fake store.
type storeState struct {
	balances map[string]*entity.BalanceRecord
	layers   []*entity.CostLayer
	averages map[string]*entity.WeightedAverageRecord
	entries  []*entity.MovementLedgerEntry
	serials  []*entity.SerialMovement
	snaps    map[id.ID]*AllocationSnapshot
}

func (h *harness) captureState() storeState {
	s := storeState{
		balances: make(map[string]*entity.BalanceRecord, len(h.balRepo.recs)),
		averages: make(map[string]*entity.WeightedAverageRecord, len(h.averages.recs)),
		snaps:    make(map[id.ID]*AllocationSnapshot, len(h.snaps.snaps)),
	}
	for k, v := range h.balRepo.recs {
		c := *v
		s.balances[k] = &c
	}
	for _, l := range h.layers.layers {
		c := *l
		s.layers = append(s.layers, &c)
	}
	for k, v := range h.averages.recs {
		c := *v
		s.averages[k] = &c
	}
	for _, e := range h.ledg.entries {
		c := *e
		s.entries = append(s.entries, &c)
	}
	for _, sm := range h.ledg.serials {
		c := *sm
		s.serials = append(s.serials, &c)
	}
	for k, v := range h.snaps.snaps {
		s.snaps[k] = v
	}
	return s
}

func (h *harness) restoreState(s storeState) {
	h.balRepo.recs = s.balances
	h.layers.layers = s.layers
	h.averages.recs = s.averages
	h.ledg.entries = s.entries
	h.ledg.serials = s.serials
	h.snaps.snaps = s.snaps
}

// rollbackTxManager discards every mutation a failed callback made,
// matching what a database transaction does on rollback.
type rollbackTxManager struct {
	h *harness
}

func (m rollbackTxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	before := m.h.captureState()
	if err := fn(ctx); err != nil {
		m.h.restoreState(before)
		return err
	}
	return nil
}

type harness struct {
	items    *fakeItems
	balances *balance.Service
	balRepo  *memBalanceRepo
	layers   *memLayerRepo
	averages *memAverageRepo
	ledg     *memLedgerRepo
	snaps    *memSnapshotStore
	engine   *Engine

	orgID   id.ID
	plantID id.ID
	binID   id.ID
}

func newHarness(items ...*item.Item) *harness {
	h := &harness{
		items:    &fakeItems{byID: make(map[id.ID]*item.Item)},
		balRepo:  newMemBalanceRepo(),
		layers:   &memLayerRepo{},
		averages: newMemAverageRepo(),
		ledg:     &memLedgerRepo{},
		snaps:    newMemSnapshotStore(),
		orgID:    id.New(),
		plantID:  id.New(),
		binID:    id.New(),
	}
	for _, it := range items {
		h.items.byID[it.ID] = it
	}
	h.build(h.balRepo)
	return h
}

func (h *harness) build(repo balance.Repository) {
	h.buildWith(repo, h.snaps, noopTxManager{})
}

func (h *harness) buildWith(repo balance.Repository, snaps SnapshotStore, txm tx.Manager) {
	h.balances = balance.NewService(repo)
	h.engine = NewEngine(
		h.items,
		h.balances,
		costing.NewResolver(h.layers, h.averages),
		allocation.NewEngine(h.balances),
		ledger.NewWriter(h.ledg),
		snaps,
		StaticStrategies{Config: allocation.StrategyConfig{
			Mode:            allocation.ModeAuto,
			DefaultStrategy: allocation.StrategyRandom,
		}},
		txm,
	)
}

func (h *harness) doc(number string, movementType MovementType, lines ...*Line) *Document {
	d := NewDocument(h.orgID, h.plantID, movementType)
	d.Number = number
	d.Lines = lines
	return d
}

func (h *harness) receipt(t *testing.T, number string, it *item.Item, qty float64, price string) *Document {
	t.Helper()
	doc := h.doc(number, MovementReceipt, &Line{
		RowIndex:   1,
		ItemID:     it.ID,
		Quantity:   types.NewQuantityFromFloat64(qty),
		LocationID: h.binID,
		UnitPrice:  types.MustMoney(price),
	})
	res, err := h.engine.Save(context.Background(), doc)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)
	return doc
}

func (h *harness) balanceAt(t *testing.T, it *item.Item) *entity.BalanceRecord {
	t.Helper()
	rec, err := h.balances.Get(context.Background(), entity.BalanceKey{
		MaterialID:     it.ID,
		LocationID:     h.binID,
		PlantID:        h.plantID,
		OrganizationID: h.orgID,
	})
	require.NoError(t, err)
	return rec
}

func TestSaveReceiptPostsBalancesLayersAndLedger(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)
	ctx := context.Background()

	doc := h.doc("RCPT-001", MovementReceipt, &Line{
		RowIndex:   1,
		ItemID:     it.ID,
		Quantity:   types.NewQuantityFromFloat64(10),
		LocationID: h.binID,
		UnitPrice:  types.MustMoney("5"),
	})

	res, err := h.engine.Save(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.True(t, doc.Posted)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, LineSuccess, res.Lines[0].Status)
	assert.True(t, res.Lines[0].UnitCost.Equal(types.MustMoney("5")), "got %s", res.Lines[0].UnitCost)
	assert.True(t, res.Lines[0].TotalCost.Equal(types.MustMoney("50")), "got %s", res.Lines[0].TotalCost)

	rec := h.balanceAt(t, it)
	assert.Equal(t, types.NewQuantityFromFloat64(10), rec.Unrestricted)

	require.Len(t, h.layers.layers, 1)
	assert.Equal(t, types.NewQuantityFromFloat64(10), h.layers.layers[0].Available)
	assert.True(t, h.layers.layers[0].UnitCost.Equal(types.MustMoney("5")))

	entries, err := h.ledg.ListByTrxNo(ctx, "RCPT-001", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entity.MovementIn, entries[0].Movement)

	snap, err := h.snaps.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Lines, 1)
	assert.NotEmpty(t, snap.Lines[0].Deltas)
	assert.Len(t, snap.Lines[0].Costing, 1)
}

func TestSaveIssueConsumesLayersInOrder(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)
	ctx := context.Background()

	h.receipt(t, "RCPT-001", it, 10, "5")
	h.receipt(t, "RCPT-002", it, 10, "7")

	doc := h.doc("ISS-001", MovementIssue, &Line{
		RowIndex: 1,
		ItemID:   it.ID,
		Quantity: types.NewQuantityFromFloat64(16),
	})
	res, err := h.engine.Save(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)

	// 10@5 + 6@7 = 92
	assert.True(t, res.Lines[0].TotalCost.Equal(types.MustMoney("92")), "got %s", res.Lines[0].TotalCost)
	assert.True(t, res.Lines[0].UnitCost.Equal(types.MustMoney("5.75")), "got %s", res.Lines[0].UnitCost)
	require.NotEmpty(t, res.Lines[0].Allocations)

	rec := h.balanceAt(t, it)
	assert.Equal(t, types.NewQuantityFromFloat64(4), rec.Unrestricted)

	require.Len(t, h.layers.layers, 2)
	assert.True(t, h.layers.layers[0].Available.IsZero())
	assert.Equal(t, types.NewQuantityFromFloat64(4), h.layers.layers[1].Available)
}

func TestSaveIssueShortfallFailsBeforeMutation(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)
	ctx := context.Background()

	h.receipt(t, "RCPT-001", it, 4, "5")

	doc := h.doc("ISS-001", MovementIssue, &Line{
		RowIndex: 1,
		ItemID:   it.ID,
		Quantity: types.NewQuantityFromFloat64(10),
	})
	res, err := h.engine.Save(ctx, doc)
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientQuantity(err))
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, LineFailed, res.Lines[0].Status)

	// Nothing moved
	rec := h.balanceAt(t, it)
	assert.Equal(t, types.NewQuantityFromFloat64(4), rec.Unrestricted)
	require.Len(t, h.layers.layers, 1)
	assert.Equal(t, types.NewQuantityFromFloat64(4), h.layers.layers[0].Available)
	entries, _ := h.ledg.ListByTrxNo(ctx, "ISS-001", true)
	assert.Empty(t, entries)
}

func TestSaveAggregatesLineViolations(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)

	doc := h.doc("RCPT-001", MovementReceipt,
		&Line{RowIndex: 1, ItemID: it.ID, Quantity: types.NewQuantityFromFloat64(0), LocationID: h.binID},
		&Line{RowIndex: 2, ItemID: id.New(), Quantity: types.NewQuantityFromFloat64(5), LocationID: h.binID},
	)
	res, err := h.engine.Save(context.Background(), doc)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "row 1")
	assert.Contains(t, err.Error(), "row 2")
}

func TestSaveRollbackRestoresPriorState(t *testing.T) {
	good := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	bad := item.NewItem("MAT-002", "Brass Nut", item.CostingFIFO)
	h := newHarness(good, bad)
	ctx := context.Background()

	// Balance writes for the second item fail after the first line has
	// already committed its layer, ledger rows and balance delta.
	h.build(&failingBalanceRepo{memBalanceRepo: h.balRepo, failMaterial: bad.ID})

	doc := h.doc("RCPT-001", MovementReceipt,
		&Line{RowIndex: 1, ItemID: good.ID, Quantity: types.NewQuantityFromFloat64(10), LocationID: h.binID, UnitPrice: types.MustMoney("5")},
		&Line{RowIndex: 2, ItemID: bad.ID, Quantity: types.NewQuantityFromFloat64(3), LocationID: h.binID, UnitPrice: types.MustMoney("2")},
	)
	res, err := h.engine.Save(ctx, doc)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	for _, lr := range res.Lines {
		assert.Equal(t, LineFailed, lr.Status)
	}
	assert.False(t, doc.Posted)

	// First line's mutations were unwound.
	rec := h.balanceAt(t, good)
	assert.True(t, rec.Unrestricted.IsZero())
	assert.Empty(t, h.layers.layers)
	entries, _ := h.ledg.ListByTrxNo(ctx, "RCPT-001", false)
	assert.Empty(t, entries)

	snap, _ := h.snaps.Get(ctx, doc.ID)
	assert.Nil(t, snap)
}

func TestResaveReversesPriorPosting(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)
	ctx := context.Background()

	first := h.receipt(t, "RCPT-001", it, 10, "5")
	require.True(t, first.Posted)

	// Re-save the edited document as it arrives over the API: a fresh
	// object carrying the same id and number but never the posted flag.
	// The engine must find the prior posting in persisted state and
	// reverse it before the new lines apply.
	edited := h.doc("RCPT-001", MovementReceipt, &Line{
		RowIndex:   1,
		ItemID:     it.ID,
		Quantity:   types.NewQuantityFromFloat64(4),
		LocationID: h.binID,
		UnitPrice:  types.MustMoney("5"),
	})
	edited.ID = first.ID
	require.False(t, edited.Posted)

	res, err := h.engine.Save(ctx, edited)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)

	rec := h.balanceAt(t, it)
	assert.Equal(t, types.NewQuantityFromFloat64(4), rec.Unrestricted)

	require.Len(t, h.layers.layers, 1)
	assert.Equal(t, types.NewQuantityFromFloat64(4), h.layers.layers[0].Available)

	live, _ := h.ledg.ListByTrxNo(ctx, "RCPT-001", false)
	all, _ := h.ledg.ListByTrxNo(ctx, "RCPT-001", true)
	assert.Len(t, live, 1)
	assert.Len(t, all, 2)
	assert.Equal(t, types.NewQuantityFromFloat64(4), live[0].BaseQty)

	snap, err := h.snaps.Get(ctx, edited.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Lines, 1)
}

func TestSaveFailureUnderTransactionKeepsSeededState(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)
	ctx := context.Background()

	snaps := &failingSnapshotStore{memSnapshotStore: h.snaps}
	h.buildWith(h.balRepo, snaps, rollbackTxManager{h: h})

	h.receipt(t, "RCPT-001", it, 10, "5")

	// An issue that fails at the snapshot write, after its balance and
	// layer mutations already happened inside the transaction.
	snaps.fail = true
	doc := h.doc("ISS-001", MovementIssue, &Line{
		RowIndex: 1,
		ItemID:   it.ID,
		Quantity: types.NewQuantityFromFloat64(6),
	})
	res, err := h.engine.Save(ctx, doc)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)

	// The compensation log unwound inside the rolled-back transaction, so
	// the registers hold exactly the seeded stock: no quantity re-added on
	// top of the restored state, no resurrected layers.
	rec := h.balanceAt(t, it)
	assert.Equal(t, types.NewQuantityFromFloat64(10), rec.Unrestricted)
	require.Len(t, h.layers.layers, 1)
	assert.Equal(t, types.NewQuantityFromFloat64(10), h.layers.layers[0].Available)

	entries, _ := h.ledg.ListByTrxNo(ctx, "ISS-001", true)
	assert.Empty(t, entries)
	snap, _ := h.snaps.Get(ctx, doc.ID)
	assert.Nil(t, snap)
}

func TestSaveSerializedFractionalQuantityRejected(t *testing.T) {
	it := item.NewItem("MAT-003", "Pump Housing", item.CostingFIFO)
	it.SerialManaged = true
	h := newHarness(it)

	doc := h.doc("ISS-001", MovementIssue, &Line{
		RowIndex: 1,
		ItemID:   it.ID,
		Quantity: types.NewQuantityFromFloat64(2.5),
	})
	res, err := h.engine.Save(context.Background(), doc)
	require.Error(t, err)
	assert.Nil(t, res)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)
	assert.Contains(t, err.Error(), "whole units")
}

func TestSaveShortfallReportsDocumentReservations(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)
	ctx := context.Background()

	h.receipt(t, "RCPT-001", it, 10, "5")

	// Two lines compete for the same ten units; the second one's shortage
	// names how much the document already reserved.
	doc := h.doc("ISS-001", MovementIssue,
		&Line{RowIndex: 1, ItemID: it.ID, Quantity: types.NewQuantityFromFloat64(8)},
		&Line{RowIndex: 2, ItemID: it.ID, Quantity: types.NewQuantityFromFloat64(5)},
	)
	res, err := h.engine.Save(ctx, doc)
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientQuantity(err))
	require.NotNil(t, res)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, err.Error(), "row 2")
	assert.Contains(t, err.Error(), "already reserved for this document")
	assert.Contains(t, err.Error(), types.NewQuantityFromFloat64(10).String())
}

func TestUnpostRestoresBalancesAndSoftDeletesLedger(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)
	ctx := context.Background()

	doc := h.receipt(t, "RCPT-001", it, 10, "5")

	err := h.engine.Unpost(ctx, doc)
	require.NoError(t, err)
	assert.False(t, doc.Posted)

	rec := h.balanceAt(t, it)
	assert.True(t, rec.Unrestricted.IsZero())
	assert.Empty(t, h.layers.layers)

	live, _ := h.ledg.ListByTrxNo(ctx, "RCPT-001", false)
	all, _ := h.ledg.ListByTrxNo(ctx, "RCPT-001", true)
	assert.Empty(t, live)
	assert.Len(t, all, 1)

	snap, _ := h.snaps.Get(ctx, doc.ID)
	assert.Nil(t, snap)
}

func TestUnpostRequiresPostedDocument(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)

	doc := h.doc("RCPT-001", MovementReceipt, &Line{
		RowIndex: 1, ItemID: it.ID,
		Quantity:   types.NewQuantityFromFloat64(1),
		LocationID: h.binID,
	})
	err := h.engine.Unpost(context.Background(), doc)
	require.Error(t, err)
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeConflict, appErr.Code)
}

func TestSaveReserveMovesStockBetweenBuckets(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)
	ctx := context.Background()

	h.receipt(t, "RCPT-001", it, 10, "5")

	doc := h.doc("RSV-001", MovementReserve, &Line{
		RowIndex: 1,
		ItemID:   it.ID,
		Quantity: types.NewQuantityFromFloat64(4),
	})
	res, err := h.engine.Save(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)

	rec := h.balanceAt(t, it)
	assert.Equal(t, types.NewQuantityFromFloat64(6), rec.Unrestricted)
	assert.Equal(t, types.NewQuantityFromFloat64(4), rec.Reserved)
	assert.Equal(t, types.NewQuantityFromFloat64(10), rec.Balance)

	// Transfers price by preview; no layer was consumed.
	require.Len(t, h.layers.layers, 1)
	assert.Equal(t, types.NewQuantityFromFloat64(10), h.layers.layers[0].Available)
	assert.True(t, res.Lines[0].TotalCost.Equal(types.MustMoney("20")), "got %s", res.Lines[0].TotalCost)
}

func TestSaveSerializedReceiptCreatesPerSerialRecords(t *testing.T) {
	it := item.NewItem("MAT-003", "Pump Housing", item.CostingFIFO)
	it.SerialManaged = true
	h := newHarness(it)
	ctx := context.Background()

	doc := h.doc("RCPT-001", MovementReceipt, &Line{
		RowIndex:      1,
		ItemID:        it.ID,
		Quantity:      types.NewQuantityFromFloat64(2),
		LocationID:    h.binID,
		SerialNumbers: []string{"SN-001", "SN-002"},
		UnitPrice:     types.MustMoney("100"),
	})
	res, err := h.engine.Save(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)

	for _, sn := range []string{"SN-001", "SN-002"} {
		rec, err := h.balances.Get(ctx, entity.BalanceKey{
			MaterialID:     it.ID,
			LocationID:     h.binID,
			SerialNumber:   sn,
			PlantID:        h.plantID,
			OrganizationID: h.orgID,
		})
		require.NoError(t, err)
		assert.Equal(t, oneUnit(), rec.Unrestricted, "serial %s", sn)
	}

	// The aggregate mirror carries the full quantity.
	agg := h.balanceAt(t, it)
	assert.Equal(t, types.NewQuantityFromFloat64(2), agg.Unrestricted)

	entries, err := h.ledg.ListByTrxNo(ctx, "RCPT-001", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	serials, err := h.ledg.ListSerialMovements(ctx, entries[0].EntryID)
	require.NoError(t, err)
	assert.Len(t, serials, 2)
}

func TestSaveSerializedReceiptRejectsSerialCountMismatch(t *testing.T) {
	it := item.NewItem("MAT-003", "Pump Housing", item.CostingFIFO)
	it.SerialManaged = true
	h := newHarness(it)

	doc := h.doc("RCPT-001", MovementReceipt, &Line{
		RowIndex:      1,
		ItemID:        it.ID,
		Quantity:      types.NewQuantityFromFloat64(3),
		LocationID:    h.binID,
		SerialNumbers: []string{"SN-001"},
		UnitPrice:     types.MustMoney("100"),
	})
	res, err := h.engine.Save(context.Background(), doc)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "serial numbers")
}

func TestSaveManualAllocationsMustCoverQuantity(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)

	h.receipt(t, "RCPT-001", it, 10, "5")

	doc := h.doc("ISS-001", MovementIssue, &Line{
		RowIndex: 1,
		ItemID:   it.ID,
		Quantity: types.NewQuantityFromFloat64(6),
		Allocations: []allocation.Allocation{
			{Qty: types.NewQuantityFromFloat64(4), BinLocationID: h.binID},
		},
	})
	res, err := h.engine.Save(context.Background(), doc)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "allocations cover")
}

func TestSaveManualAllocationIssue(t *testing.T) {
	it := item.NewItem("MAT-001", "Steel Bolt", item.CostingFIFO)
	h := newHarness(it)
	ctx := context.Background()

	h.receipt(t, "RCPT-001", it, 10, "5")

	doc := h.doc("ISS-001", MovementIssue, &Line{
		RowIndex: 1,
		ItemID:   it.ID,
		Quantity: types.NewQuantityFromFloat64(6),
		Allocations: []allocation.Allocation{
			{Qty: types.NewQuantityFromFloat64(6), BinLocationID: h.binID},
		},
	})
	res, err := h.engine.Save(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, res.State)
	assert.True(t, res.Lines[0].TotalCost.Equal(types.MustMoney("30")), "got %s", res.Lines[0].TotalCost)

	rec := h.balanceAt(t, it)
	assert.Equal(t, types.NewQuantityFromFloat64(4), rec.Unrestricted)
}
