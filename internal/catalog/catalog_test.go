package catalog

import (
	"errors"
	"strings"
	"testing"
)

func TestDefaultCatalogLoads(t *testing.T) {
	products, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if len(products) == 0 {
		t.Fatalf("expected products")
	}
	for _, p := range products {
		if len(p.Tiers) < 2 {
			t.Fatalf("product %s has %d tiers", p.ID, len(p.Tiers))
		}
	}
	taralli := products[0]
	if taralli.ID != "taralli-finocchio" {
		t.Fatalf("expected file order to be preserved, got %s first", taralli.ID)
	}
	tier := taralli.Tiers["100"]
	if tier.ListPrice == nil || tier.ListPrice.String() != "45" {
		t.Fatalf("expected list price 45, got %v", tier.ListPrice)
	}
}

func TestParseRejectsInvalidData(t *testing.T) {
	cases := map[string]string{
		"empty":       "products: []",
		"single tier": "products:\n  - id: a\n    tiers:\n      - {code: x, pieces: 1, grams: 1, price: '1.00'}\n",
		"bad price": "products:\n  - id: a\n    tiers:\n      - {code: x, pieces: 1, grams: 1, price: 'abc'}\n" +
			"      - {code: y, pieces: 1, grams: 1, price: '1.00'}\n",
		"list below price": "products:\n  - id: a\n    tiers:\n      - {code: x, pieces: 1, grams: 1, price: '2.00', list_price: '1.00'}\n" +
			"      - {code: y, pieces: 1, grams: 1, price: '1.00'}\n",
		"duplicate tier": "products:\n  - id: a\n    tiers:\n      - {code: x, pieces: 1, grams: 1, price: '2.00'}\n" +
			"      - {code: x, pieces: 1, grams: 1, price: '1.00'}\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(data))
			if !errors.Is(err, ErrInvalidCatalog) {
				t.Fatalf("expected ErrInvalidCatalog, got %v", err)
			}
		})
	}
}
