package handlers

import (
	"github.com/gin-gonic/gin"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/catalogs/item"
	"stockledger/internal/domain/registers/costing"
	"stockledger/internal/infrastructure/http/v1/dto"
)

// ItemHandler handles item master requests and cost layer queries.
type ItemHandler struct {
	*BaseHandler
	service *item.Service
	layers  costing.LayerRepository
}

// NewItemHandler creates a new item handler.
func NewItemHandler(base *BaseHandler, service *item.Service, layers costing.LayerRepository) *ItemHandler {
	return &ItemHandler{
		BaseHandler: base,
		service:     service,
		layers:      layers,
	}
}

// Get handles GET /items/:id
func (h *ItemHandler) Get(c *gin.Context) {
	itemID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid id format"))
		return
	}

	it, err := h.service.Get(c.Request.Context(), itemID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, it)
}

// List handles GET /items
func (h *ItemHandler) List(c *gin.Context) {
	filter := item.ListFilter{
		Limit:  h.ParseIntQuery(c, "limit", 50),
		Offset: h.ParseIntQuery(c, "offset", 0),
	}
	if m := c.Query("costingMethod"); m != "" {
		method := item.CostingMethod(m)
		if !method.Valid() {
			h.Error(c, apperror.NewValidation("unknown costingMethod").WithDetail("costingMethod", m))
			return
		}
		filter.CostingMethod = &method
	}
	if b := c.Query("batchManaged"); b != "" {
		v := b == "true"
		filter.BatchManaged = &v
	}
	if s := c.Query("serialManaged"); s != "" {
		v := s == "true"
		filter.SerialManaged = &v
	}

	items, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{
		Items:      items,
		TotalCount: int64(len(items)),
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
}

// Create handles POST /items
func (h *ItemHandler) Create(c *gin.Context) {
	var req dto.ItemRequest
	if !h.BindJSON(c, &req) {
		return
	}

	it, err := req.ToItem()
	if err != nil {
		h.Error(c, err)
		return
	}

	if err := h.service.Create(c.Request.Context(), it); err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, it.ID.String())
}

// Update handles PUT /items/:id
func (h *ItemHandler) Update(c *gin.Context) {
	itemID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid id format"))
		return
	}

	current, err := h.service.Get(c.Request.Context(), itemID)
	if err != nil {
		h.Error(c, err)
		return
	}

	var req dto.ItemRequest
	if !h.BindJSON(c, &req) {
		return
	}

	it, err := req.ToItem()
	if err != nil {
		h.Error(c, err)
		return
	}
	it.ID = itemID
	it.Version = current.Version

	if err := h.service.Update(c.Request.Context(), it); err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, it)
}

// GetLayers handles GET /items/:id/layers
// Returns the item's open FIFO cost layers for a plant, oldest first.
func (h *ItemHandler) GetLayers(c *gin.Context) {
	itemID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid id format"))
		return
	}
	plantID, err := id.Parse(c.Query("plantId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid or missing plantId"))
		return
	}
	batchID := c.Query("batchId")

	layers, err := h.layers.ListLayers(c.Request.Context(), itemID, batchID, plantID)
	if err != nil {
		h.Error(c, err)
		return
	}

	out := make([]dto.CostLayerResponse, len(layers))
	for i, l := range layers {
		out[i] = dto.FromCostLayer(l)
	}
	h.OK(c, dto.ListResponse{Items: out, TotalCount: int64(len(out))})
}
