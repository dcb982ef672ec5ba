package dto

import (
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalogs/item"
)

// UOMConversionRequest defines an alternate unit.
type UOMConversionRequest struct {
	AltUOM  string         `json:"altUom" binding:"required"`
	BaseQty types.Quantity `json:"baseQty" binding:"required"`
}

// ItemRequest creates or updates an item.
type ItemRequest struct {
	Code              string                 `json:"code" binding:"required"`
	Name              string                 `json:"name" binding:"required"`
	CostingMethod     string                 `json:"costingMethod" binding:"required"`
	BatchManaged      bool                   `json:"batchManaged"`
	SerialManaged     bool                   `json:"serialManaged"`
	StockControl      *bool                  `json:"stockControl,omitempty"`
	BaseUOM           string                 `json:"baseUom" binding:"required"`
	UOMConversions    []UOMConversionRequest `json:"uomConversions,omitempty"`
	DefaultBinByPlant map[string]string      `json:"defaultBinByPlant,omitempty"`
	PurchaseUnitPrice types.Money            `json:"purchaseUnitPrice,omitempty"`
}

// ToItem converts the request into an item.
func (r *ItemRequest) ToItem() (*item.Item, error) {
	it := item.NewItem(r.Code, r.Name, item.CostingMethod(r.CostingMethod))
	it.BatchManaged = r.BatchManaged
	it.SerialManaged = r.SerialManaged
	it.BaseUOM = r.BaseUOM
	it.PurchaseUnitPrice = r.PurchaseUnitPrice
	if r.StockControl != nil {
		it.StockControl = *r.StockControl
	}

	for _, c := range r.UOMConversions {
		it.UOMConversions = append(it.UOMConversions, item.UOMConversion{
			AltUOM:  c.AltUOM,
			BaseQty: c.BaseQty,
		})
	}

	if len(r.DefaultBinByPlant) > 0 {
		it.DefaultBinByPlant = make(map[id.ID]id.ID, len(r.DefaultBinByPlant))
		for plant, bin := range r.DefaultBinByPlant {
			plantID, err := id.Parse(plant)
			if err != nil {
				return nil, apperror.NewValidation("invalid plant id in defaultBinByPlant")
			}
			binID, err := id.Parse(bin)
			if err != nil {
				return nil, apperror.NewValidation("invalid bin id in defaultBinByPlant")
			}
			it.DefaultBinByPlant[plantID] = binID
		}
	}

	return it, nil
}

// CostLayerResponse is one FIFO layer in API form.
type CostLayerResponse struct {
	ID        string         `json:"id"`
	BatchID   string         `json:"batchId,omitempty"`
	PlantID   string         `json:"plantId"`
	Sequence  int64          `json:"sequence"`
	Initial   types.Quantity `json:"initialQty"`
	Available types.Quantity `json:"availableQty"`
	UnitCost  types.Money    `json:"unitCost"`
	CreatedAt time.Time      `json:"createdAt"`
}

// FromCostLayer converts a cost layer.
func FromCostLayer(l *entity.CostLayer) CostLayerResponse {
	return CostLayerResponse{
		ID:        l.LayerID.String(),
		BatchID:   l.BatchID,
		PlantID:   l.PlantID.String(),
		Sequence:  l.Sequence,
		Initial:   l.Initial,
		Available: l.Available,
		UnitCost:  l.UnitCost,
		CreatedAt: l.CreatedAt,
	}
}
