// Package cost derives the monetary cost of metered water usage.
package cost

import "github.com/shopspring/decimal"

var (
	// RatePerGallon is $8.47 per 748 gallons (one hundred cubic feet).
	RatePerGallon = decimal.NewFromFloat(8.47).Div(decimal.NewFromInt(748))

	// Precision is the number of decimal places stored for currency values.
	Precision int32 = 2
)

// Derive returns the cost of totalQuantity gallons rounded half-up to cents.
func Derive(totalQuantity float64) float64 {
	amount := decimal.NewFromFloat(totalQuantity).Mul(RatePerGallon).Round(Precision)
	return amount.InexactFloat64()
}

// Sum adds currency values without accumulating binary float drift.
func Sum(a, b float64) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(Precision).InexactFloat64()
}
