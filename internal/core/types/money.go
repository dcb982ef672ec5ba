package types

import (
	"github.com/shopspring/decimal"
)

// Money represents a monetary value with full precision.
// Uses decimal.Decimal to avoid floating-point errors.
type Money = decimal.Decimal

// PriceScale is the number of decimal places kept for unit prices.
const PriceScale int32 = 4

// QtyScale is the number of decimal places kept for quantities.
const QtyScale int32 = 3

// NewMoney creates a Money value from a float.
// WARNING: Use NewMoneyFromString for precise values.
func NewMoney(f float64) Money {
	return decimal.NewFromFloat(f)
}

// NewMoneyFromString creates a Money value from a string.
// This is the preferred method for monetary values.
func NewMoneyFromString(s string) (Money, error) {
	return decimal.NewFromString(s)
}

// MustMoney creates a Money value from a string, panics on error.
// Use only for constants.
func MustMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Zero returns zero Money value.
func Zero() Money {
	return decimal.Zero
}

// NormalizePrice rounds a monetary value to 4 decimal places.
// Applied before any price arithmetic so rounding differences cannot
// compound across costing steps.
func NormalizePrice(m Money) Money {
	return m.Round(PriceScale)
}

// NormalizeQty rounds a decimal quantity to 3 decimal places.
// Line quantities pass through here before being converted to fixed point.
func NormalizeQty(d decimal.Decimal) decimal.Decimal {
	return d.Round(QtyScale)
}
