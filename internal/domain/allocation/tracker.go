// Package allocation provides automatic stock allocation for outbound demand.
package allocation

import (
	"stockledger/internal/core/entity"
	"stockledger/internal/core/id"
	"stockledger/internal/core/types"
)

// ReservationTracker prevents two demand lines of the same document from
// allocating the same physical units. It is created per document save,
// passed by reference through the call chain, and discarded at the end.
// Never shared across documents.
type ReservationTracker struct {
	// material -> row index -> balance key composite -> reserved qty
	reserved map[id.ID]map[int]map[string]types.Quantity
}

// NewReservationTracker creates an empty tracker.
func NewReservationTracker() *ReservationTracker {
	return &ReservationTracker{
		reserved: make(map[id.ID]map[int]map[string]types.Quantity),
	}
}

// Record notes that row consumed qty from the stock at key.
func (t *ReservationTracker) Record(materialID id.ID, row int, key entity.BalanceKey, qty types.Quantity) {
	rows, ok := t.reserved[materialID]
	if !ok {
		rows = make(map[int]map[string]types.Quantity)
		t.reserved[materialID] = rows
	}
	keys, ok := rows[row]
	if !ok {
		keys = make(map[string]types.Quantity)
		rows[row] = keys
	}
	keys[key.String()] += qty
}

// Consumed returns how much of the stock at key other rows have reserved.
// The row being allocated is excluded so a re-run sees its own prior
// reservation as free.
func (t *ReservationTracker) Consumed(materialID id.ID, excludeRow int, key entity.BalanceKey) types.Quantity {
	var total types.Quantity
	composite := key.String()
	for row, keys := range t.reserved[materialID] {
		if row == excludeRow {
			continue
		}
		total += keys[composite]
	}
	return total
}

// ClearRow discards a row's reservations across all materials, for re-runs
// of a single line within the same document save.
func (t *ReservationTracker) ClearRow(row int) {
	for _, rows := range t.reserved {
		delete(rows, row)
	}
}

// TotalReserved returns the total reserved for a material across all rows.
func (t *ReservationTracker) TotalReserved(materialID id.ID) types.Quantity {
	var total types.Quantity
	for _, keys := range t.reserved[materialID] {
		for _, q := range keys {
			total += q
		}
	}
	return total
}
