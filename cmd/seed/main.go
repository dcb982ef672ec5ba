// Package main provides a CLI tool for seeding demo master data and an
// opening stock document.
package main

import (
	"context"
	"fmt"
	"os"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/allocation"
	"stockledger/internal/domain/catalogs/item"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/domain/posting"
	"stockledger/internal/domain/registers/balance"
	"stockledger/internal/domain/registers/costing"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/internal/infrastructure/storage/postgres/catalog_repo"
	"stockledger/internal/infrastructure/storage/postgres/register_repo"
	"stockledger/pkg/logger"
)

const openingTrxNo = "OPENING-001"

func main() {
	log, err := logger.New(logger.Config{
		Level:       "info",
		Development: true,
	})
	if err != nil {
		fmt.Printf("failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	poolCfg := postgres.DefaultPoolConfig(dbURL)
	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	log.Info("connected to database")

	txm := postgres.NewTxManager(pool)
	itemRepo := catalog_repo.NewItemRepo(txm)
	items := item.NewService(itemRepo)

	seeded, err := seedItems(ctx, itemRepo, items, log)
	if err != nil {
		log.Fatalw("failed to seed items", "error", err)
	}

	if os.Getenv("SEED_OPENING_STOCK") == "true" {
		if err := seedOpeningStock(ctx, txm, itemRepo, seeded, log); err != nil {
			log.Fatalw("failed to seed opening stock", "error", err)
		}
	}

	log.Info("seeding completed successfully")
}

type demoItem struct {
	code          string
	name          string
	method        item.CostingMethod
	batchManaged  bool
	serialManaged bool
}

var demoItems = []demoItem{
	{code: "MAT-BOLT", name: "Steel Bolt M8", method: item.CostingFIFO},
	{code: "MAT-RESIN", name: "Epoxy Resin 5kg", method: item.CostingWeightedAverage, batchManaged: true},
	{code: "MAT-PUMP", name: "Pump Housing", method: item.CostingFIFO, serialManaged: true},
}

// seedItems creates the demo item masters, skipping any that already exist.
func seedItems(ctx context.Context, repo *catalog_repo.ItemRepo, svc *item.Service, log *logger.Logger) (map[string]*item.Item, error) {
	out := make(map[string]*item.Item, len(demoItems))
	for _, d := range demoItems {
		existing, err := repo.GetByCode(ctx, d.code)
		if err == nil {
			log.Infow("item already exists", "code", d.code, "item_id", existing.ID)
			out[d.code] = existing
			continue
		}
		if !apperror.IsNotFound(err) {
			return nil, fmt.Errorf("check item %s: %w", d.code, err)
		}

		it := item.NewItem(d.code, d.name, d.method)
		it.BatchManaged = d.batchManaged
		it.SerialManaged = d.serialManaged
		if err := svc.Create(ctx, it); err != nil {
			return nil, fmt.Errorf("create item %s: %w", d.code, err)
		}
		log.Infow("item created", "code", d.code, "item_id", it.ID)
		out[d.code] = it
	}
	return out, nil
}

// seedOpeningStock posts an opening receipt through the posting engine, so
// balances, cost layers and the movement ledger all agree from day one.
func seedOpeningStock(ctx context.Context, txm *postgres.TxManager, itemRepo *catalog_repo.ItemRepo, items map[string]*item.Item, log *logger.Logger) error {
	ledgerRepo := register_repo.NewLedgerRepo(txm)

	existing, err := ledgerRepo.ListByTrxNo(ctx, openingTrxNo, false)
	if err != nil {
		return fmt.Errorf("check opening document: %w", err)
	}
	if len(existing) > 0 {
		log.Infow("opening stock already posted", "trx_no", openingTrxNo)
		return nil
	}

	balanceRepo := register_repo.NewBalanceRepo(txm)
	costingRepo := register_repo.NewCostingRepo(txm)
	snapshots, err := postgres.NewSnapshotStore(txm)
	if err != nil {
		return fmt.Errorf("create snapshot store: %w", err)
	}

	balances := balance.NewService(balanceRepo)
	engine := posting.NewEngine(
		itemRepo,
		balances,
		costing.NewResolver(costingRepo, costingRepo),
		allocation.NewEngine(balances),
		ledger.NewWriter(ledgerRepo),
		snapshots,
		posting.StaticStrategies{Config: allocation.StrategyConfig{
			Mode:            allocation.ModeAuto,
			DefaultStrategy: allocation.StrategyRandom,
		}},
		txm,
	)

	orgID := envID("SEED_ORGANIZATION_ID", log)
	plantID := envID("SEED_PLANT_ID", log)
	binID := envID("SEED_BIN_ID", log)

	doc := posting.NewDocument(orgID, plantID, posting.MovementReceipt)
	doc.Number = openingTrxNo
	doc.Comment = "opening stock"
	doc.Lines = []*posting.Line{
		{
			RowIndex:   1,
			ItemID:     items["MAT-BOLT"].ID,
			Quantity:   types.NewQuantityFromFloat64(500),
			LocationID: binID,
			UnitPrice:  types.MustMoney("0.12"),
		},
		{
			RowIndex:   2,
			ItemID:     items["MAT-RESIN"].ID,
			Quantity:   types.NewQuantityFromFloat64(40),
			LocationID: binID,
			BatchID:    "LOT-2026-001",
			UnitPrice:  types.MustMoney("38.50"),
		},
		{
			RowIndex:      3,
			ItemID:        items["MAT-PUMP"].ID,
			Quantity:      types.NewQuantityFromFloat64(2),
			LocationID:    binID,
			SerialNumbers: []string{"PH-0001", "PH-0002"},
			UnitPrice:     types.MustMoney("420"),
		},
	}

	result, err := engine.Save(ctx, doc)
	if err != nil {
		return fmt.Errorf("post opening document: %w", err)
	}
	log.Infow("opening stock posted",
		"trx_no", result.TrxNo, "state", string(result.State), "lines", len(result.Lines))
	return nil
}

// envID reads an ID from the environment, generating one when absent so a
// bare run still produces a consistent data set.
func envID(name string, log *logger.Logger) id.ID {
	if v := os.Getenv(name); v != "" {
		parsed, err := id.Parse(v)
		if err != nil {
			log.Fatalw("invalid id in environment", "name", name, "value", v, "error", err)
		}
		return parsed
	}
	generated := id.New()
	log.Infow("generated id", "name", name, "id", generated)
	return generated
}
