// Package register_repo provides PostgreSQL implementations for the
// register repositories: balances, cost layers, weighted averages and the
// movement ledger.
package register_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/registers/balance"
	"stockledger/internal/infrastructure/storage/postgres"
)

const balancesTable = "reg_balances"

var balanceColumns = []string{
	"material_id", "location_id", "batch_id", "serial_number",
	"plant_id", "organization_id",
	"unrestricted_qty", "reserved_qty", "quality_qty", "blocked_qty", "intransit_qty",
	"balance_quantity", "batch_expiry", "version", "updated_at",
}

// BalanceRepo implements balance.Repository.
type BalanceRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewBalanceRepo creates a balance register repository.
func NewBalanceRepo(txm *postgres.TxManager) *BalanceRepo {
	return &BalanceRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func keyEq(key entity.BalanceKey) squirrel.Eq {
	return squirrel.Eq{
		"material_id":     key.MaterialID,
		"location_id":     key.LocationID,
		"batch_id":        key.BatchID,
		"serial_number":   key.SerialNumber,
		"plant_id":        key.PlantID,
		"organization_id": key.OrganizationID,
	}
}

// Get returns the record for a key, or nil when absent.
func (r *BalanceRepo) Get(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error) {
	q := r.builder.Select(balanceColumns...).
		From(balancesTable).
		Where(keyEq(key)).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rec entity.BalanceRecord
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &rec, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return &rec, nil
}

// GetForUpdate returns the record with a row lock, or nil when absent.
func (r *BalanceRepo) GetForUpdate(ctx context.Context, key entity.BalanceKey) (*entity.BalanceRecord, error) {
	sql := `
		SELECT material_id, location_id, batch_id, serial_number,
		       plant_id, organization_id,
		       unrestricted_qty, reserved_qty, quality_qty, blocked_qty, intransit_qty,
		       balance_quantity, batch_expiry, version, updated_at
		FROM reg_balances
		WHERE material_id = $1 AND location_id = $2 AND batch_id = $3
		  AND serial_number = $4 AND plant_id = $5 AND organization_id = $6
		FOR UPDATE
	`

	var rec entity.BalanceRecord
	querier := r.txm.GetQuerier(ctx)
	err := pgxscan.Get(ctx, querier, &rec, sql,
		key.MaterialID, key.LocationID, key.BatchID,
		key.SerialNumber, key.PlantID, key.OrganizationID)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get balance for update: %w", err)
	}
	return &rec, nil
}

// Create inserts a new record.
func (r *BalanceRepo) Create(ctx context.Context, rec *entity.BalanceRecord) error {
	q := r.builder.Insert(balancesTable).
		Columns(balanceColumns...).
		Values(
			rec.MaterialID, rec.LocationID, rec.BatchID, rec.SerialNumber,
			rec.PlantID, rec.OrganizationID,
			rec.Unrestricted, rec.Reserved, rec.Quality, rec.Blocked, rec.InTransit,
			rec.Balance, rec.BatchExpiry, rec.Version, rec.UpdatedAt,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txm.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}
	return nil
}

// Update saves bucket changes, bumping the version.
func (r *BalanceRepo) Update(ctx context.Context, rec *entity.BalanceRecord) error {
	q := r.builder.Update(balancesTable).
		Set("unrestricted_qty", rec.Unrestricted).
		Set("reserved_qty", rec.Reserved).
		Set("quality_qty", rec.Quality).
		Set("blocked_qty", rec.Blocked).
		Set("intransit_qty", rec.InTransit).
		Set("balance_quantity", rec.Balance).
		Set("batch_expiry", rec.BatchExpiry).
		Set("version", squirrel.Expr("version + 1")).
		Set("updated_at", rec.UpdatedAt).
		Where(keyEq(rec.BalanceKey))

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.txm.GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance %s not found", rec.BalanceKey.String())
	}
	return nil
}

// ListByMaterial returns records of the given shape for a material at a
// plant, ordered for stable allocation input.
func (r *BalanceRepo) ListByMaterial(ctx context.Context, materialID, plantID id.ID, shape balance.KeyShape) ([]*entity.BalanceRecord, error) {
	q := r.builder.Select(balanceColumns...).
		From(balancesTable).
		Where(squirrel.Eq{"material_id": materialID, "plant_id": plantID})

	switch shape {
	case balance.ShapeSerial:
		q = q.Where(squirrel.NotEq{"serial_number": ""})
	case balance.ShapeBatch:
		q = q.Where(squirrel.NotEq{"batch_id": ""}).
			Where(squirrel.Eq{"serial_number": ""})
	default:
		q = q.Where(squirrel.Eq{"batch_id": "", "serial_number": ""})
	}

	q = q.OrderBy("location_id", "batch_id", "serial_number")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var recs []*entity.BalanceRecord
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &recs, sql, args...); err != nil {
		return nil, fmt.Errorf("select balances: %w", err)
	}
	return recs, nil
}

// ListByLocation returns all records at a location.
func (r *BalanceRepo) ListByLocation(ctx context.Context, locationID id.ID) ([]*entity.BalanceRecord, error) {
	q := r.builder.Select(balanceColumns...).
		From(balancesTable).
		Where(squirrel.Eq{"location_id": locationID}).
		OrderBy("material_id", "batch_id", "serial_number")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var recs []*entity.BalanceRecord
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &recs, sql, args...); err != nil {
		return nil, fmt.Errorf("select balances: %w", err)
	}
	return recs, nil
}

var _ balance.Repository = (*BalanceRepo)(nil)
