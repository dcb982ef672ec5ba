package dto

import (
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/allocation"
	"stockledger/internal/domain/posting"
)

// AllocationRequest is one caller-supplied pick under manual mode.
type AllocationRequest struct {
	LocationID   string         `json:"locationId" binding:"required"`
	Qty          types.Quantity `json:"qty" binding:"required"`
	BatchID      string         `json:"batchId,omitempty"`
	SerialNumber string         `json:"serialNumber,omitempty"`
}

// DocumentLineRequest is one line of a save request.
type DocumentLineRequest struct {
	RowIndex      int                 `json:"rowIndex"`
	ItemID        string              `json:"itemId" binding:"required"`
	Quantity      types.Quantity      `json:"quantity" binding:"required"`
	UOM           string              `json:"uom,omitempty"`
	LocationID    string              `json:"locationId,omitempty"`
	BatchID       string              `json:"batchId,omitempty"`
	SerialNumbers []string            `json:"serialNumbers,omitempty"`
	BatchExpiry   *time.Time          `json:"batchExpiry,omitempty"`
	UnitPrice     types.Money         `json:"unitPrice,omitempty"`
	FromCategory  string              `json:"fromCategory,omitempty"`
	ToCategory    string              `json:"toCategory,omitempty"`
	Allocations   []AllocationRequest `json:"allocations,omitempty"`
}

// SaveDocumentRequest posts or reposts a document.
type SaveDocumentRequest struct {
	ID             string                `json:"id,omitempty"`
	Number         string                `json:"number" binding:"required"`
	Date           *time.Time            `json:"date,omitempty"`
	OrganizationID string                `json:"organizationId" binding:"required"`
	PlantID        string                `json:"plantId" binding:"required"`
	MovementType   string                `json:"movementType" binding:"required"`
	ParentTrxNo    string                `json:"parentTrxNo,omitempty"`
	Comment        string                `json:"comment,omitempty"`
	Lines          []DocumentLineRequest `json:"lines" binding:"required,min=1"`
}

// ToDocument converts the request into a posting document.
func (r *SaveDocumentRequest) ToDocument() (*posting.Document, error) {
	orgID, err := id.Parse(r.OrganizationID)
	if err != nil {
		return nil, apperror.NewValidation("invalid organizationId format")
	}
	plantID, err := id.Parse(r.PlantID)
	if err != nil {
		return nil, apperror.NewValidation("invalid plantId format")
	}

	doc := posting.NewDocument(orgID, plantID, posting.MovementType(r.MovementType))
	doc.Number = r.Number
	doc.ParentTrxNo = r.ParentTrxNo
	doc.Comment = r.Comment
	if r.ID != "" {
		docID, err := id.Parse(r.ID)
		if err != nil {
			return nil, apperror.NewValidation("invalid id format")
		}
		doc.ID = docID
	}
	if r.Date != nil {
		doc.Date = *r.Date
	}

	doc.Lines = make([]*posting.Line, len(r.Lines))
	for i, lr := range r.Lines {
		line, err := lr.toLine(plantID, orgID)
		if err != nil {
			return nil, err
		}
		if line.RowIndex == 0 {
			line.RowIndex = i + 1
		}
		doc.Lines[i] = line
	}

	return doc, nil
}

func (r *DocumentLineRequest) toLine(plantID, orgID id.ID) (*posting.Line, error) {
	itemID, err := id.Parse(r.ItemID)
	if err != nil {
		return nil, apperror.NewValidation("invalid itemId format").
			WithDetail("row", r.RowIndex)
	}

	line := &posting.Line{
		RowIndex:      r.RowIndex,
		ItemID:        itemID,
		Quantity:      r.Quantity,
		UOM:           r.UOM,
		BatchID:       r.BatchID,
		SerialNumbers: r.SerialNumbers,
		BatchExpiry:   r.BatchExpiry,
		UnitPrice:     r.UnitPrice,
		FromCategory:  entity.InventoryCategory(r.FromCategory),
		ToCategory:    entity.InventoryCategory(r.ToCategory),
	}

	if r.LocationID != "" {
		locID, err := id.Parse(r.LocationID)
		if err != nil {
			return nil, apperror.NewValidation("invalid locationId format").
				WithDetail("row", r.RowIndex)
		}
		line.LocationID = locID
	}

	for _, ar := range r.Allocations {
		locID, err := id.Parse(ar.LocationID)
		if err != nil {
			return nil, apperror.NewValidation("invalid allocation locationId format").
				WithDetail("row", r.RowIndex)
		}
		line.Allocations = append(line.Allocations, allocation.Allocation{
			Key: entity.BalanceKey{
				MaterialID:     itemID,
				LocationID:     locID,
				BatchID:        ar.BatchID,
				SerialNumber:   ar.SerialNumber,
				PlantID:        plantID,
				OrganizationID: orgID,
			},
			Qty:           ar.Qty,
			BinLocationID: locID,
			BatchID:       ar.BatchID,
			SerialNumber:  ar.SerialNumber,
		})
	}

	return line, nil
}

// AllocationResponse reports one realized pick.
type AllocationResponse struct {
	LocationID   string         `json:"locationId"`
	Qty          types.Quantity `json:"qty"`
	BatchID      string         `json:"batchId,omitempty"`
	SerialNumber string         `json:"serialNumber,omitempty"`
}

// LineResultResponse reports one line's outcome.
type LineResultResponse struct {
	RowIndex    int                  `json:"rowIndex"`
	Status      string               `json:"status"`
	Allocations []AllocationResponse `json:"allocations,omitempty"`
	UnitCost    types.Money          `json:"unitCost"`
	TotalCost   types.Money          `json:"totalCost"`
}

// SaveDocumentResponse is the outcome of a save.
type SaveDocumentResponse struct {
	DocumentID string               `json:"documentId"`
	TrxNo      string               `json:"trxNo"`
	State      string               `json:"state"`
	Lines      []LineResultResponse `json:"lines"`
}

// FromSaveResult converts an engine result.
func FromSaveResult(res *posting.SaveResult) SaveDocumentResponse {
	out := SaveDocumentResponse{
		DocumentID: res.DocumentID.String(),
		TrxNo:      res.TrxNo,
		State:      string(res.State),
		Lines:      make([]LineResultResponse, len(res.Lines)),
	}
	for i, lr := range res.Lines {
		allocs := make([]AllocationResponse, len(lr.Allocations))
		for j, a := range lr.Allocations {
			allocs[j] = AllocationResponse{
				LocationID:   a.BinLocationID.String(),
				Qty:          a.Qty,
				BatchID:      a.BatchID,
				SerialNumber: a.SerialNumber,
			}
		}
		out.Lines[i] = LineResultResponse{
			RowIndex:    lr.RowIndex,
			Status:      string(lr.Status),
			Allocations: allocs,
			UnitCost:    lr.UnitCost,
			TotalCost:   lr.TotalCost,
		}
	}
	return out
}
