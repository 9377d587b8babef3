package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/larderworks/api/internal/domain"
)

// MaxLineQuantity bounds the quantity accepted per cart line.
const MaxLineQuantity = 99

var thousand = decimal.NewFromInt(1000)

// TierPrice is the result of a pricing table lookup.
type TierPrice struct {
	ProductID   string
	ProductName string
	Tier        string
	GrossPrice  decimal.Decimal
	ListPrice   *decimal.Decimal
	Pieces      int
	WeightGrams int
}

// PricePerKg returns the gross price per kilogram rounded half to even to cents.
func (p TierPrice) PricePerKg() decimal.Decimal {
	if p.WeightGrams <= 0 {
		return decimal.Zero
	}
	kg := decimal.NewFromInt(int64(p.WeightGrams)).Div(thousand)
	return p.GrossPrice.Div(kg).RoundBank(2)
}

// PricingTable resolves product tiers to prices and folds cart lines into totals.
type PricingTable struct {
	products map[string]domain.Product
	order    []string
	taxRate  decimal.Decimal
}

// NewPricingTable indexes the catalog. taxRate is the proportional rate included in gross prices.
func NewPricingTable(products []domain.Product, taxRate decimal.Decimal) (*PricingTable, error) {
	if len(products) == 0 {
		return nil, errors.New("pricing table: at least one product is required")
	}
	if taxRate.IsNegative() {
		return nil, errors.New("pricing table: tax rate must not be negative")
	}
	table := &PricingTable{
		products: make(map[string]domain.Product, len(products)),
		order:    make([]string, 0, len(products)),
		taxRate:  taxRate,
	}
	for _, p := range products {
		if _, dup := table.products[p.ID]; dup {
			return nil, fmt.Errorf("pricing table: duplicate product %q", p.ID)
		}
		table.products[p.ID] = p
		table.order = append(table.order, p.ID)
	}
	return table, nil
}

// TaxRate returns the configured tax rate.
func (t *PricingTable) TaxRate() decimal.Decimal {
	return t.taxRate
}

// Products returns the catalog in its configured order.
func (t *PricingTable) Products() []domain.Product {
	out := make([]domain.Product, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.products[id])
	}
	return out
}

// UnitPrice resolves a product tier.
func (t *PricingTable) UnitPrice(productID, tier string) (TierPrice, error) {
	productID = strings.TrimSpace(productID)
	tier = strings.TrimSpace(tier)
	product, ok := t.products[productID]
	if !ok {
		return TierPrice{}, fmt.Errorf("%w: %q", ErrUnknownProduct, productID)
	}
	pt, ok := product.Tiers[tier]
	if !ok {
		return TierPrice{}, fmt.Errorf("%w: %q for product %q", ErrUnknownTier, tier, productID)
	}
	return TierPrice{
		ProductID:   product.ID,
		ProductName: product.Name,
		Tier:        pt.Code,
		GrossPrice:  pt.GrossPrice,
		ListPrice:   pt.ListPrice,
		Pieces:      pt.Pieces,
		WeightGrams: pt.NetWeightGrams,
	}, nil
}

// Aggregate prices every line and folds them into totals. The first unresolvable line aborts
// the whole computation.
func (t *PricingTable) Aggregate(lines []domain.CartLine) (domain.CartTotals, error) {
	if len(lines) == 0 {
		return domain.CartTotals{}, ErrEmptyCart
	}

	totals := domain.CartTotals{
		Gross: decimal.Zero,
		Lines: make([]domain.PricedLine, 0, len(lines)),
	}
	for i, line := range lines {
		if line.Quantity <= 0 || line.Quantity > MaxLineQuantity {
			return domain.CartTotals{}, fmt.Errorf("%w: line %d quantity %d", ErrInvalidQuantity, i, line.Quantity)
		}
		price, err := t.UnitPrice(line.ProductID, line.Tier)
		if err != nil {
			return domain.CartTotals{}, err
		}
		lineGross := domain.LineGross(price.GrossPrice, line.Quantity)
		weight := price.WeightGrams * line.Quantity
		totals.Gross = totals.Gross.Add(lineGross)
		totals.WeightGrams += weight
		totals.Lines = append(totals.Lines, domain.PricedLine{
			ProductID:   price.ProductID,
			ProductName: price.ProductName,
			Tier:        price.Tier,
			Quantity:    line.Quantity,
			UnitGross:   price.GrossPrice,
			LineGross:   lineGross,
			WeightGrams: weight,
		})
	}
	totals.Net = domain.NetFromGross(totals.Gross, t.taxRate)
	return totals, nil
}
