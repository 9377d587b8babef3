package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ShippingPolicy charges a flat fee below the free-shipping threshold and nothing at or above it.
// The threshold is compared against the tax-included subtotal.
type ShippingPolicy struct {
	FreeThreshold decimal.Decimal
	FlatFee       decimal.Decimal
}

// NewShippingPolicy validates the configured amounts.
func NewShippingPolicy(freeThreshold, flatFee decimal.Decimal) (ShippingPolicy, error) {
	if freeThreshold.IsNegative() {
		return ShippingPolicy{}, errors.New("shipping policy: free threshold must not be negative")
	}
	if flatFee.IsNegative() {
		return ShippingPolicy{}, errors.New("shipping policy: flat fee must not be negative")
	}
	return ShippingPolicy{FreeThreshold: freeThreshold, FlatFee: flatFee}, nil
}

// Fee computes the shipping fee. Weight is validated but not yet priced.
func (p ShippingPolicy) Fee(weightGrams int, grossSubtotal decimal.Decimal) (decimal.Decimal, error) {
	if weightGrams < 0 {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrInvalidWeight, weightGrams)
	}
	if grossSubtotal.GreaterThanOrEqual(p.FreeThreshold) {
		return decimal.Zero, nil
	}
	return p.FlatFee, nil
}

// Quote is the full set of derived totals for a cart, shared by the display quote and session creation.
type Quote struct {
	Net         decimal.Decimal
	Gross       decimal.Decimal
	Tax         decimal.Decimal
	Shipping    decimal.Decimal
	Total       decimal.Decimal
	WeightGrams int
	// AmountToFreeShipping is zero once the threshold is reached.
	AmountToFreeShipping decimal.Decimal
}

func (p ShippingPolicy) quote(net, gross decimal.Decimal, weightGrams int) (Quote, error) {
	fee, err := p.Fee(weightGrams, gross)
	if err != nil {
		return Quote{}, err
	}
	remaining := p.FreeThreshold.Sub(gross)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return Quote{
		Net:                  net,
		Gross:                gross,
		Tax:                  gross.Sub(net),
		Shipping:             fee,
		Total:                gross.Add(fee),
		WeightGrams:          weightGrams,
		AmountToFreeShipping: remaining,
	}, nil
}
