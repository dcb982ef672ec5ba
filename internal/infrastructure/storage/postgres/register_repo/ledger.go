package register_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/storage/postgres"
)

const (
	ledgerTable          = "reg_movement_ledger"
	serialMovementsTable = "reg_serial_movements"
)

// Column lists follow the entity db tags, so new fields need no repo edit.
var (
	ledgerColumns = postgres.ExtractDBColumns[entity.MovementLedgerEntry]()
	serialColumns = postgres.ExtractDBColumns[entity.SerialMovement]()
)

// rowValues flattens a struct into insert values in column order.
func rowValues(v any, columns []string) []any {
	m := postgres.StructToMap(v)
	row := make([]any, len(columns))
	for i, c := range columns {
		row[i] = m[c]
	}
	return row
}

// LedgerRepo implements ledger.Repository.
type LedgerRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewLedgerRepo creates a movement ledger repository.
func NewLedgerRepo(txm *postgres.TxManager) *LedgerRepo {
	return &LedgerRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// CreateEntries batch inserts ledger entries, via COPY when inside a
// transaction.
func (r *LedgerRepo) CreateEntries(ctx context.Context, entries []*entity.MovementLedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if tx := r.txm.GetTx(ctx); tx != nil {
		inserter := postgres.NewBatchInserter(r.txm)
		rows := make([][]any, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, rowValues(e, ledgerColumns))
		}
		if _, err := inserter.CopyFromSlice(ctx, ledgerTable, ledgerColumns, rows); err != nil {
			return fmt.Errorf("copy ledger entries: %w", err)
		}
		return nil
	}

	q := r.builder.Insert(ledgerTable).Columns(ledgerColumns...)
	for _, e := range entries {
		q = q.Values(rowValues(e, ledgerColumns)...)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txm.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert ledger entries: %w", err)
	}
	return nil
}

// CreateSerialMovements batch inserts serial children.
func (r *LedgerRepo) CreateSerialMovements(ctx context.Context, rows []*entity.SerialMovement) error {
	if len(rows) == 0 {
		return nil
	}

	if tx := r.txm.GetTx(ctx); tx != nil {
		inserter := postgres.NewBatchInserter(r.txm)
		values := make([][]any, 0, len(rows))
		for _, m := range rows {
			values = append(values, rowValues(m, serialColumns))
		}
		if _, err := inserter.CopyFromSlice(ctx, serialMovementsTable, serialColumns, values); err != nil {
			return fmt.Errorf("copy serial movements: %w", err)
		}
		return nil
	}

	q := r.builder.Insert(serialMovementsTable).Columns(serialColumns...)
	for _, m := range rows {
		q = q.Values(rowValues(m, serialColumns)...)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txm.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert serial movements: %w", err)
	}
	return nil
}

// ListByTrxNo returns entries for a document number, oldest first.
func (r *LedgerRepo) ListByTrxNo(ctx context.Context, trxNo string, includeDeleted bool) ([]*entity.MovementLedgerEntry, error) {
	q := r.builder.Select(ledgerColumns...).
		From(ledgerTable).
		Where(squirrel.Eq{"trx_no": trxNo})

	if !includeDeleted {
		q = q.Where(squirrel.Eq{"is_deleted": false})
	}

	q = q.OrderBy("created_at", "entry_id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var entries []*entity.MovementLedgerEntry
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &entries, sql, args...); err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	return entries, nil
}

// ListSerialMovements returns serial children of an entry.
func (r *LedgerRepo) ListSerialMovements(ctx context.Context, entryID id.ID) ([]*entity.SerialMovement, error) {
	q := r.builder.Select(serialColumns...).
		From(serialMovementsTable).
		Where(squirrel.Eq{"entry_id": entryID, "is_deleted": false}).
		OrderBy("serial_number")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []*entity.SerialMovement
	querier := r.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select serial movements: %w", err)
	}
	return rows, nil
}

// SoftDeleteByTrxNo flags every entry and serial child of a document as
// deleted. Nothing is ever physically removed.
func (r *LedgerRepo) SoftDeleteByTrxNo(ctx context.Context, trxNo string) error {
	querier := r.txm.GetQuerier(ctx)

	_, err := querier.Exec(ctx, `
		UPDATE reg_serial_movements SET is_deleted = TRUE
		WHERE entry_id IN (SELECT entry_id FROM reg_movement_ledger WHERE trx_no = $1)
	`, trxNo)
	if err != nil {
		return fmt.Errorf("soft delete serial movements: %w", err)
	}

	_, err = querier.Exec(ctx,
		`UPDATE reg_movement_ledger SET is_deleted = TRUE WHERE trx_no = $1`, trxNo)
	if err != nil {
		return fmt.Errorf("soft delete ledger entries: %w", err)
	}
	return nil
}

// SoftDeleteEntries flags specific entries and their serial children as
// deleted.
func (r *LedgerRepo) SoftDeleteEntries(ctx context.Context, entryIDs []id.ID) error {
	if len(entryIDs) == 0 {
		return nil
	}
	querier := r.txm.GetQuerier(ctx)

	_, err := querier.Exec(ctx,
		`UPDATE reg_serial_movements SET is_deleted = TRUE WHERE entry_id = ANY($1)`, entryIDs)
	if err != nil {
		return fmt.Errorf("soft delete serial movements: %w", err)
	}

	_, err = querier.Exec(ctx,
		`UPDATE reg_movement_ledger SET is_deleted = TRUE WHERE entry_id = ANY($1)`, entryIDs)
	if err != nil {
		return fmt.Errorf("soft delete ledger entries: %w", err)
	}
	return nil
}

var _ ledger.Repository = (*LedgerRepo)(nil)
