package domain

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ToMinor converts a major-unit amount into integer minor units, rounding half to even.
// It is the only place amounts are rounded; callers must not round again downstream.
func ToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).RoundBank(0).IntPart()
}

// FromMinor converts minor units back into a major-unit decimal without rounding.
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// NetFromGross strips a proportional tax rate from a tax-included amount.
func NetFromGross(gross, taxRate decimal.Decimal) decimal.Decimal {
	if taxRate.IsZero() {
		return gross
	}
	return gross.Div(decimal.NewFromInt(1).Add(taxRate))
}

// LineGross returns unit × quantity.
func LineGross(unit decimal.Decimal, quantity int) decimal.Decimal {
	return unit.Mul(decimal.NewFromInt(int64(quantity)))
}
