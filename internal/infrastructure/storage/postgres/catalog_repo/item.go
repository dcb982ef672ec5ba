// Package catalog_repo provides PostgreSQL implementations for catalog
// repositories.
package catalog_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/catalogs/item"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	itemsTable    = "cat_items"
	itemUOMsTable = "cat_item_uoms"
	itemBinsTable = "cat_item_bins"
)

var itemColumns = []string{
	"id", "code", "name", "parent_id", "is_folder",
	"deletion_mark", "version", "attributes",
	"costing_method", "batch_managed", "serial_managed",
	"base_uom", "purchase_unit_price", "stock_control",
}

// ItemRepo implements item.Repository.
type ItemRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewItemRepo creates an item catalog repository.
func NewItemRepo(txm *postgres.TxManager) *ItemRepo {
	return &ItemRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// GetByID retrieves an item with its UOM conversions and default bins.
func (r *ItemRepo) GetByID(ctx context.Context, itemID id.ID) (*item.Item, error) {
	return r.getOne(ctx, squirrel.Eq{"id": itemID}, itemID)
}

// GetByCode retrieves an item by its catalog code.
func (r *ItemRepo) GetByCode(ctx context.Context, code string) (*item.Item, error) {
	return r.getOne(ctx, squirrel.Eq{"code": code}, code)
}

func (r *ItemRepo) getOne(ctx context.Context, where squirrel.Eq, ref any) (*item.Item, error) {
	q := r.builder.Select(itemColumns...).
		From(itemsTable).
		Where(where).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var it item.Item
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &it, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("item", ref)
		}
		return nil, fmt.Errorf("get item: %w", err)
	}

	if err := r.loadChildren(ctx, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *ItemRepo) loadChildren(ctx context.Context, it *item.Item) error {
	querier := r.txm.GetQuerier(ctx)

	var conversions []item.UOMConversion
	err := pgxscan.Select(ctx, querier, &conversions,
		`SELECT alt_uom, base_qty FROM cat_item_uoms WHERE item_id = $1 ORDER BY alt_uom`, it.ID)
	if err != nil {
		return fmt.Errorf("select uom conversions: %w", err)
	}
	it.UOMConversions = conversions

	rows, err := querier.Query(ctx,
		`SELECT plant_id, bin_location_id FROM cat_item_bins WHERE item_id = $1`, it.ID)
	if err != nil {
		return fmt.Errorf("select default bins: %w", err)
	}
	defer rows.Close()

	bins := make(map[id.ID]id.ID)
	for rows.Next() {
		var plantID, binID id.ID
		if err := rows.Scan(&plantID, &binID); err != nil {
			return fmt.Errorf("scan default bin: %w", err)
		}
		bins[plantID] = binID
	}
	if len(bins) > 0 {
		it.DefaultBinByPlant = bins
	}
	return rows.Err()
}

// Create inserts an item with its children.
func (r *ItemRepo) Create(ctx context.Context, it *item.Item) error {
	q := r.builder.Insert(itemsTable).
		Columns(itemColumns...).
		Values(
			it.ID, it.Code, it.Name, it.ParentID, it.IsFolder,
			it.DeletionMark, it.Version, it.Attributes,
			it.CostingMethod, it.BatchManaged, it.SerialManaged,
			it.BaseUOM, it.PurchaseUnitPrice, it.StockControl,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txm.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return r.saveChildren(ctx, it)
}

// Update saves item changes with an optimistic version check.
func (r *ItemRepo) Update(ctx context.Context, it *item.Item) error {
	q := r.builder.Update(itemsTable).
		Set("code", it.Code).
		Set("name", it.Name).
		Set("parent_id", it.ParentID).
		Set("deletion_mark", it.DeletionMark).
		Set("version", it.Version+1).
		Set("attributes", it.Attributes).
		Set("costing_method", it.CostingMethod).
		Set("batch_managed", it.BatchManaged).
		Set("serial_managed", it.SerialManaged).
		Set("base_uom", it.BaseUOM).
		Set("purchase_unit_price", it.PurchaseUnitPrice).
		Set("stock_control", it.StockControl).
		Where(squirrel.Eq{"id": it.ID, "version": it.Version})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.txm.GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("item", it.ID)
	}
	it.SetVersion(it.Version + 1)
	return r.saveChildren(ctx, it)
}

func (r *ItemRepo) saveChildren(ctx context.Context, it *item.Item) error {
	querier := r.txm.GetQuerier(ctx)

	if _, err := querier.Exec(ctx, `DELETE FROM cat_item_uoms WHERE item_id = $1`, it.ID); err != nil {
		return fmt.Errorf("clear uom conversions: %w", err)
	}
	for _, c := range it.UOMConversions {
		_, err := querier.Exec(ctx,
			`INSERT INTO cat_item_uoms (item_id, alt_uom, base_qty) VALUES ($1, $2, $3)`,
			it.ID, c.AltUOM, c.BaseQty)
		if err != nil {
			return fmt.Errorf("insert uom conversion: %w", err)
		}
	}

	if _, err := querier.Exec(ctx, `DELETE FROM cat_item_bins WHERE item_id = $1`, it.ID); err != nil {
		return fmt.Errorf("clear default bins: %w", err)
	}
	for plantID, binID := range it.DefaultBinByPlant {
		_, err := querier.Exec(ctx,
			`INSERT INTO cat_item_bins (item_id, plant_id, bin_location_id) VALUES ($1, $2, $3)`,
			it.ID, plantID, binID)
		if err != nil {
			return fmt.Errorf("insert default bin: %w", err)
		}
	}
	return nil
}

// List returns items matching the filter.
func (r *ItemRepo) List(ctx context.Context, filter item.ListFilter) ([]*item.Item, error) {
	q := r.builder.Select(itemColumns...).
		From(itemsTable).
		Where(squirrel.Eq{"deletion_mark": false}).
		OrderBy("code")

	if filter.CostingMethod != nil {
		q = q.Where(squirrel.Eq{"costing_method": *filter.CostingMethod})
	}
	if filter.BatchManaged != nil {
		q = q.Where(squirrel.Eq{"batch_managed": *filter.BatchManaged})
	}
	if filter.SerialManaged != nil {
		q = q.Where(squirrel.Eq{"serial_managed": *filter.SerialManaged})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var items []*item.Item
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &items, sql, args...); err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	return items, nil
}

var _ item.Repository = (*ItemRepo)(nil)
