package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/domain/registers/balance"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// BalanceHandler handles balance register queries. Queries run in a
// read-only transaction so multi-row listings see one consistent snapshot.
type BalanceHandler struct {
	*BaseHandler
	repo balance.Repository
	txm  tx.ReadOnlyManager
}

// NewBalanceHandler creates a new balance handler.
func NewBalanceHandler(base *BaseHandler, repo balance.Repository, txm tx.ReadOnlyManager) *BalanceHandler {
	return &BalanceHandler{
		BaseHandler: base,
		repo:        repo,
		txm:         txm,
	}
}

// List handles GET /balances
// Requires either materialId+plantId or locationId. The shape parameter
// selects location, batch or serial level records (default location).
func (h *BalanceHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	if locStr := c.Query("locationId"); locStr != "" {
		locationID, err := id.Parse(locStr)
		if err != nil {
			h.Error(c, apperror.NewValidation("invalid locationId format"))
			return
		}
		var records []*entity.BalanceRecord
		err = h.txm.ReadOnly(ctx, func(ctx context.Context) error {
			records, err = h.repo.ListByLocation(ctx, locationID)
			return err
		})
		if err != nil {
			h.Error(c, err)
			return
		}
		h.respond(c, records)
		return
	}

	matStr := c.Query("materialId")
	plantStr := c.Query("plantId")
	if matStr == "" || plantStr == "" {
		h.Error(c, apperror.NewValidation("materialId and plantId are required when locationId is not given"))
		return
	}

	materialID, err := id.Parse(matStr)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid materialId format"))
		return
	}
	plantID, err := id.Parse(plantStr)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid plantId format"))
		return
	}

	shape := balance.ShapeLocation
	switch s := c.Query("shape"); s {
	case "", string(balance.ShapeLocation):
	case string(balance.ShapeBatch):
		shape = balance.ShapeBatch
	case string(balance.ShapeSerial):
		shape = balance.ShapeSerial
	default:
		h.Error(c, apperror.NewValidation("unknown shape").WithDetail("shape", s))
		return
	}

	var records []*entity.BalanceRecord
	err = h.txm.ReadOnly(ctx, func(ctx context.Context) error {
		records, err = h.repo.ListByMaterial(ctx, materialID, plantID, shape)
		return err
	})
	if err != nil {
		h.Error(c, err)
		return
	}
	h.respond(c, records)
}

func (h *BalanceHandler) respond(c *gin.Context, records []*entity.BalanceRecord) {
	out := make([]dto.BalanceResponse, len(records))
	for i, rec := range records {
		out[i] = dto.FromBalanceRecord(rec)
	}
	h.OK(c, dto.ListResponse{Items: out, TotalCount: int64(len(out))})
}
