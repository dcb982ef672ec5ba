package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
	"stockledger/internal/domain/catalogs/item"
)

func TestExtractDBColumnsLedgerEntry(t *testing.T) {
	cols := ExtractDBColumns[entity.MovementLedgerEntry]()

	expected := []string{
		"entry_id", "transaction_type", "trx_no", "parent_trx_no",
		"movement", "inventory_category", "item_id", "uom_id",
		"quantity", "base_qty", "base_uom_id", "bin_location_id", "batch_id",
		"unit_price", "total_price", "plant_id", "organization_id",
		"is_deleted", "created_at",
	}
	assert.Equal(t, expected, cols)
}

func TestExtractDBColumnsFlattensEmbedded(t *testing.T) {
	cols := ExtractDBColumns[item.Item]()

	// Embedded entity.Catalog contributes its columns first.
	for _, c := range []string{"id", "code", "name", "costing_method", "stock_control"} {
		assert.Contains(t, cols, c)
	}
	// db:"-" fields stay out.
	assert.NotContains(t, cols, "uom_conversions")
}

func TestStructToMapUsesDBTags(t *testing.T) {
	now := time.Now().UTC()
	sm := entity.SerialMovement{
		SerialMovementID: id.New(),
		EntryID:          id.New(),
		SerialNumber:     "SN-001",
		BatchID:          "LOT-A",
		BaseQty:          types.NewQuantityFromFloat64(1),
		BaseUOMID:        "EA",
		CreatedAt:        now,
	}

	m := StructToMap(sm)

	assert.Equal(t, sm.SerialMovementID, m["serial_movement_id"])
	assert.Equal(t, "SN-001", m["serial_number"])
	assert.Equal(t, "LOT-A", m["batch_id"])
	assert.Equal(t, sm.BaseQty, m["base_qty"])
	assert.Equal(t, false, m["is_deleted"])
	assert.Equal(t, now, m["created_at"])
}

func TestStructToMapAcceptsPointer(t *testing.T) {
	e := &entity.MovementLedgerEntry{EntryID: id.New(), TrxNo: "DOC-001"}
	m := StructToMap(e)
	assert.Equal(t, "DOC-001", m["trx_no"])
	assert.Equal(t, e.EntryID, m["entry_id"])
}
