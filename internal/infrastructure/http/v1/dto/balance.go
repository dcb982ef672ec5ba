package dto

import (
	"time"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/types"
)

// BalanceResponse is one balance record in API form.
type BalanceResponse struct {
	MaterialID   string         `json:"materialId"`
	LocationID   string         `json:"locationId"`
	BatchID      string         `json:"batchId,omitempty"`
	SerialNumber string         `json:"serialNumber,omitempty"`
	PlantID      string         `json:"plantId"`
	Unrestricted types.Quantity `json:"unrestrictedQty"`
	Reserved     types.Quantity `json:"reservedQty"`
	Quality      types.Quantity `json:"qualityQty"`
	Blocked      types.Quantity `json:"blockedQty"`
	InTransit    types.Quantity `json:"intransitQty"`
	Balance      types.Quantity `json:"balanceQuantity"`
	BatchExpiry  *time.Time     `json:"batchExpiry,omitempty"`
}

// FromBalanceRecord converts a balance record.
func FromBalanceRecord(rec *entity.BalanceRecord) BalanceResponse {
	return BalanceResponse{
		MaterialID:   rec.MaterialID.String(),
		LocationID:   rec.LocationID.String(),
		BatchID:      rec.BatchID,
		SerialNumber: rec.SerialNumber,
		PlantID:      rec.PlantID.String(),
		Unrestricted: rec.Unrestricted,
		Reserved:     rec.Reserved,
		Quality:      rec.Quality,
		Blocked:      rec.Blocked,
		InTransit:    rec.InTransit,
		Balance:      rec.Balance,
		BatchExpiry:  rec.BatchExpiry,
	}
}
