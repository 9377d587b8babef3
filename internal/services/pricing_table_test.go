package services

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/larderworks/api/internal/domain"
)

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("decimal %q: %v", value, err)
	}
	return d
}

func decPtr(t *testing.T, value string) *decimal.Decimal {
	d := dec(t, value)
	return &d
}

func testCatalog(t *testing.T) []domain.Product {
	t.Helper()
	return []domain.Product{
		{
			ID:   "taralli",
			Name: "Taralli al finocchio",
			Tiers: map[string]domain.PackagingTier{
				"40":  {Code: "40", GrossPrice: dec(t, "18.00"), Pieces: 40, NetWeightGrams: 200},
				"100": {Code: "100", GrossPrice: dec(t, "40.00"), Pieces: 100, NetWeightGrams: 500, ListPrice: decPtr(t, "45.00")},
			},
		},
		{
			ID:   "friselle",
			Name: "Friselle integrali",
			Tiers: map[string]domain.PackagingTier{
				"6":  {Code: "6", GrossPrice: dec(t, "6.90"), Pieces: 6, NetWeightGrams: 300},
				"20": {Code: "20", GrossPrice: dec(t, "19.90"), Pieces: 20, NetWeightGrams: 1000},
			},
		},
	}
}

func newTestPricingTable(t *testing.T) *PricingTable {
	t.Helper()
	table, err := NewPricingTable(testCatalog(t), dec(t, "0.10"))
	if err != nil {
		t.Fatalf("NewPricingTable: %v", err)
	}
	return table
}

func TestPricingTableUnitPrice(t *testing.T) {
	table := newTestPricingTable(t)

	small, err := table.UnitPrice("taralli", "40")
	if err != nil {
		t.Fatalf("UnitPrice: %v", err)
	}
	large, err := table.UnitPrice("taralli", "100")
	if err != nil {
		t.Fatalf("UnitPrice: %v", err)
	}

	if !small.PricePerKg().Equal(dec(t, "90.00")) {
		t.Fatalf("expected 90.00/kg, got %s", small.PricePerKg())
	}
	if !large.PricePerKg().Equal(dec(t, "80.00")) {
		t.Fatalf("expected 80.00/kg, got %s", large.PricePerKg())
	}
	if !large.PricePerKg().LessThan(small.PricePerKg()) {
		t.Fatalf("expected larger tier to be cheaper per kg")
	}
	if large.ListPrice == nil || !large.ListPrice.Equal(dec(t, "45")) {
		t.Fatalf("expected list price 45, got %v", large.ListPrice)
	}
	if small.Pieces != 40 || small.WeightGrams != 200 {
		t.Fatalf("unexpected tier details %#v", small)
	}
}

func TestPricingTableUnitPriceErrors(t *testing.T) {
	table := newTestPricingTable(t)

	if _, err := table.UnitPrice("missing", "40"); !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if _, err := table.UnitPrice("taralli", "250"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestPricingTableAggregate(t *testing.T) {
	table := newTestPricingTable(t)

	totals, err := table.Aggregate([]domain.CartLine{
		{ProductID: "taralli", Tier: "40", Quantity: 2},
		{ProductID: "friselle", Tier: "20", Quantity: 1},
		{ProductID: "taralli", Tier: "100", Quantity: 3},
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	expectedGross := dec(t, "175.90")
	if !totals.Gross.Equal(expectedGross) {
		t.Fatalf("expected gross %s, got %s", expectedGross, totals.Gross)
	}

	sum := decimal.Zero
	for _, line := range totals.Lines {
		sum = sum.Add(line.UnitGross.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if !sum.Equal(totals.Gross) {
		t.Fatalf("gross %s differs from line sum %s", totals.Gross, sum)
	}

	if totals.WeightGrams != 2*200+1000+3*500 {
		t.Fatalf("unexpected weight %d", totals.WeightGrams)
	}

	back := totals.Net.Mul(dec(t, "1.10"))
	if back.Sub(totals.Gross).Abs().GreaterThan(dec(t, "0.005")) {
		t.Fatalf("net %s does not reconstruct gross %s", totals.Net, totals.Gross)
	}
	if domain.ToMinor(totals.Net) != 15991 {
		t.Fatalf("expected net 159.91, got %d minor", domain.ToMinor(totals.Net))
	}
}

func TestPricingTableAggregateShortCircuits(t *testing.T) {
	table := newTestPricingTable(t)

	totals, err := table.Aggregate([]domain.CartLine{
		{ProductID: "taralli", Tier: "40", Quantity: 1},
		{ProductID: "unknown", Tier: "40", Quantity: 1},
	})
	if !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
	if !totals.Gross.IsZero() || len(totals.Lines) != 0 {
		t.Fatalf("expected no partial totals, got %#v", totals)
	}

	if _, err := table.Aggregate(nil); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
	if _, err := table.Aggregate([]domain.CartLine{{ProductID: "taralli", Tier: "40", Quantity: 0}}); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := table.Aggregate([]domain.CartLine{{ProductID: "taralli", Tier: "40", Quantity: MaxLineQuantity + 1}}); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity for large quantity, got %v", err)
	}
}

func TestToMinorRoundsHalfEven(t *testing.T) {
	cases := map[string]int64{
		"1.005":  100,
		"1.015":  102,
		"18.00":  1800,
		"0.125":  12,
		"-2.345": -234,
	}
	for in, want := range cases {
		if got := domain.ToMinor(dec(t, in)); got != want {
			t.Fatalf("ToMinor(%s) = %d, want %d", in, got, want)
		}
	}
}
