package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/tx"
	"stockledger/internal/domain/ledger"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// LedgerHandler handles movement ledger queries. Like the balance handler,
// listings run in a read-only transaction.
type LedgerHandler struct {
	*BaseHandler
	repo ledger.Repository
	txm  tx.ReadOnlyManager
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(base *BaseHandler, repo ledger.Repository, txm tx.ReadOnlyManager) *LedgerHandler {
	return &LedgerHandler{
		BaseHandler: base,
		repo:        repo,
		txm:         txm,
	}
}

// ListByTrxNo handles GET /ledger/:trxNo
// Soft-deleted entries are included only when includeDeleted=true, so a
// reversed document's audit trail stays reachable.
func (h *LedgerHandler) ListByTrxNo(c *gin.Context) {
	trxNo := c.Param("trxNo")
	includeDeleted := c.Query("includeDeleted") == "true"

	var entries []*entity.MovementLedgerEntry
	err := h.txm.ReadOnly(c.Request.Context(), func(ctx context.Context) error {
		var err error
		entries, err = h.repo.ListByTrxNo(ctx, trxNo, includeDeleted)
		return err
	})
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.ListResponse{Items: entries, TotalCount: int64(len(entries))})
}
