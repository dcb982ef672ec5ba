package handlers

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/core/apperror"
	"stockledger/internal/domain/posting"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// DocumentHandler handles document save and unpost requests.
type DocumentHandler struct {
	*BaseHandler
	engine *posting.Engine
}

// NewDocumentHandler creates a new document handler.
func NewDocumentHandler(base *BaseHandler, engine *posting.Engine) *DocumentHandler {
	return &DocumentHandler{
		BaseHandler: base,
		engine:      engine,
	}
}

// Save handles POST /documents/save
// Posts a new document, or reverses and re-posts an edited one. The engine
// detects the prior posting from its persisted snapshot and ledger rows,
// so the request body never carries a posted flag.
func (h *DocumentHandler) Save(c *gin.Context) {
	var req dto.SaveDocumentRequest
	if !h.BindJSON(c, &req) {
		return
	}

	doc, err := req.ToDocument()
	if err != nil {
		h.Error(c, err)
		return
	}

	result, err := h.engine.Save(c.Request.Context(), doc)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromSaveResult(result))
}

// Unpost handles POST /documents/:id/unpost
// The body carries the document as last posted; its movements and balance
// effects are reversed and the ledger entries soft-deleted.
func (h *DocumentHandler) Unpost(c *gin.Context) {
	var req dto.SaveDocumentRequest
	if !h.BindJSON(c, &req) {
		return
	}
	if req.ID != "" && req.ID != c.Param("id") {
		h.Error(c, apperror.NewValidation("body id does not match path id"))
		return
	}
	req.ID = c.Param("id")

	doc, err := req.ToDocument()
	if err != nil {
		h.Error(c, err)
		return
	}

	if err := h.engine.Unpost(c.Request.Context(), doc); err != nil {
		h.Error(c, err)
		return
	}

	h.Success(c, "document unposted")
}
