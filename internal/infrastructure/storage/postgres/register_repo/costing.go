package register_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/registers/costing"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	costLayersTable = "reg_cost_layers"
	averagesTable   = "reg_weighted_averages"
)

var layerColumns = []string{
	"layer_id", "material_id", "batch_id", "plant_id",
	"sequence", "initial_qty", "available_qty", "unit_cost", "created_at",
}

// CostingRepo implements costing.LayerRepository and costing.AverageRepository.
type CostingRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewCostingRepo creates a costing register repository.
func NewCostingRepo(txm *postgres.TxManager) *CostingRepo {
	return &CostingRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// ListLayers returns layers oldest first.
func (r *CostingRepo) ListLayers(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) ([]*entity.CostLayer, error) {
	q := r.builder.Select(layerColumns...).
		From(costLayersTable).
		Where(squirrel.Eq{
			"material_id": materialID,
			"batch_id":    batchID,
			"plant_id":    plantID,
		}).
		OrderBy("sequence")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var layers []*entity.CostLayer
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &layers, sql, args...); err != nil {
		return nil, fmt.Errorf("select layers: %w", err)
	}
	return layers, nil
}

// ListLayersForUpdate is ListLayers with row locks for consumption.
func (r *CostingRepo) ListLayersForUpdate(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) ([]*entity.CostLayer, error) {
	sql := `
		SELECT layer_id, material_id, batch_id, plant_id,
		       sequence, initial_qty, available_qty, unit_cost, created_at
		FROM reg_cost_layers
		WHERE material_id = $1 AND batch_id = $2 AND plant_id = $3
		ORDER BY sequence
		FOR UPDATE
	`

	var layers []*entity.CostLayer
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &layers, sql, materialID, batchID, plantID); err != nil {
		return nil, fmt.Errorf("select layers for update: %w", err)
	}
	return layers, nil
}

// AppendLayer inserts a new layer.
func (r *CostingRepo) AppendLayer(ctx context.Context, layer *entity.CostLayer) error {
	q := r.builder.Insert(costLayersTable).
		Columns(layerColumns...).
		Values(
			layer.LayerID, layer.MaterialID, layer.BatchID, layer.PlantID,
			layer.Sequence, layer.Initial, layer.Available, layer.UnitCost, layer.CreatedAt,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txm.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert layer: %w", err)
	}
	return nil
}

// UpdateAvailable persists a changed available quantity.
func (r *CostingRepo) UpdateAvailable(ctx context.Context, layerID id.ID, available types.Quantity) error {
	q := r.builder.Update(costLayersTable).
		Set("available_qty", available).
		Where(squirrel.Eq{"layer_id": layerID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.txm.GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update layer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("layer %s not found", layerID)
	}
	return nil
}

// DeleteLayer removes a layer. Only rollback compensation calls this.
func (r *CostingRepo) DeleteLayer(ctx context.Context, layerID id.ID) error {
	querier := r.txm.GetQuerier(ctx)
	_, err := querier.Exec(ctx, `DELETE FROM reg_cost_layers WHERE layer_id = $1`, layerID)
	if err != nil {
		return fmt.Errorf("delete layer: %w", err)
	}
	return nil
}

// Get returns the weighted-average record, or nil when absent.
func (r *CostingRepo) Get(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) (*entity.WeightedAverageRecord, error) {
	return r.getAverage(ctx, materialID, batchID, plantID, false)
}

// GetForUpdate returns the record with a row lock, or nil when absent.
func (r *CostingRepo) GetForUpdate(ctx context.Context, materialID id.ID, batchID string, plantID id.ID) (*entity.WeightedAverageRecord, error) {
	return r.getAverage(ctx, materialID, batchID, plantID, true)
}

func (r *CostingRepo) getAverage(ctx context.Context, materialID id.ID, batchID string, plantID id.ID, forUpdate bool) (*entity.WeightedAverageRecord, error) {
	sql := `
		SELECT material_id, batch_id, plant_id, quantity, unit_cost, updated_at
		FROM reg_weighted_averages
		WHERE material_id = $1 AND batch_id = $2 AND plant_id = $3
	`
	if forUpdate {
		sql += " FOR UPDATE"
	}

	var rec entity.WeightedAverageRecord
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &rec, sql, materialID, batchID, plantID); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get average record: %w", err)
	}
	return &rec, nil
}

// Upsert inserts or replaces the weighted-average record.
func (r *CostingRepo) Upsert(ctx context.Context, rec *entity.WeightedAverageRecord) error {
	sql := `
		INSERT INTO reg_weighted_averages (
			material_id, batch_id, plant_id, quantity, unit_cost, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (material_id, batch_id, plant_id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			unit_cost = EXCLUDED.unit_cost,
			updated_at = EXCLUDED.updated_at
	`

	querier := r.txm.GetQuerier(ctx)
	_, err := querier.Exec(ctx, sql,
		rec.MaterialID, rec.BatchID, rec.PlantID, rec.Quantity, rec.UnitCost, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert average record: %w", err)
	}
	return nil
}

var (
	_ costing.LayerRepository   = (*CostingRepo)(nil)
	_ costing.AverageRepository = (*CostingRepo)(nil)
)
