// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/domain/allocation"
	"stockledger/internal/domain/catalogs/item"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/domain/posting"
	"stockledger/internal/domain/registers/balance"
	"stockledger/internal/domain/registers/costing"
	"stockledger/internal/infrastructure/http/v1/handlers"
	"stockledger/internal/infrastructure/http/v1/middleware"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/internal/infrastructure/storage/postgres/catalog_repo"
	"stockledger/internal/infrastructure/storage/postgres/register_repo"
	"stockledger/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	// Pool is the database connection (for health checks).
	Pool *postgres.Pool

	// TxManager wraps handler work in database transactions.
	TxManager *postgres.TxManager

	// Logger for request logging.
	Logger *logger.Logger

	// JWTValidator for token validation on mutating routes.
	JWTValidator middleware.JWTValidator

	// Allocation is the picking strategy applied to outbound documents.
	Allocation allocation.StrategyConfig
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no auth)
	healthHandler := handlers.NewHealthHandler(cfg.Pool)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	// Wiring: repositories share one TxManager so repo calls inside a
	// posting transaction see the transaction's connection.
	itemRepo := catalog_repo.NewItemRepo(cfg.TxManager)
	balanceRepo := register_repo.NewBalanceRepo(cfg.TxManager)
	costingRepo := register_repo.NewCostingRepo(cfg.TxManager)
	ledgerRepo := register_repo.NewLedgerRepo(cfg.TxManager)
	snapshotStore, err := postgres.NewSnapshotStore(cfg.TxManager)
	if err != nil {
		// zstd construction only fails on invalid options
		panic(err)
	}

	itemService := item.NewService(itemRepo)
	balanceService := balance.NewService(balanceRepo)
	resolver := costing.NewResolver(costingRepo, costingRepo)
	allocator := allocation.NewEngine(balanceService)
	ledgerWriter := ledger.NewWriter(ledgerRepo)

	engine := posting.NewEngine(
		itemRepo,
		balanceService,
		resolver,
		allocator,
		ledgerWriter,
		snapshotStore,
		posting.StaticStrategies{Config: cfg.Allocation},
		cfg.TxManager,
	)

	base := handlers.NewBaseHandler()
	documentHandler := handlers.NewDocumentHandler(base, engine)
	balanceHandler := handlers.NewBalanceHandler(base, balanceRepo, cfg.TxManager)
	itemHandler := handlers.NewItemHandler(base, itemService, costingRepo)
	ledgerHandler := handlers.NewLedgerHandler(base, ledgerRepo, cfg.TxManager)

	// API v1
	v1 := router.Group("/api/v1")
	{
		// Read endpoints
		v1.GET("/balances", balanceHandler.List)
		v1.GET("/items", itemHandler.List)
		v1.GET("/items/:id", itemHandler.Get)
		v1.GET("/items/:id/layers", itemHandler.GetLayers)
		v1.GET("/ledger/:trxNo", ledgerHandler.ListByTrxNo)

		// Mutating endpoints require a valid bearer token
		protected := v1.Group("")
		protected.Use(middleware.Auth(cfg.JWTValidator))
		{
			protected.POST("/documents/save", documentHandler.Save)
			protected.POST("/documents/:id/unpost", documentHandler.Unpost)
			protected.POST("/items", itemHandler.Create)
			protected.PUT("/items/:id", itemHandler.Update)
		}
	}

	return router
}
