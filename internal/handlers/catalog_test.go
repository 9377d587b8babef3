package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/services"
)

func TestCatalogListsTiersByWeight(t *testing.T) {
	list := decimal.RequireFromString("9")
	table, err := services.NewPricingTable([]domain.Product{{
		ID:   "sourdough",
		Name: "Sourdough",
		Tiers: map[string]domain.PackagingTier{
			"loaf": {Code: "loaf", GrossPrice: decimal.RequireFromString("6.5"), Pieces: 1, NetWeightGrams: 800},
			"half": {Code: "half", GrossPrice: decimal.RequireFromString("3.6"), Pieces: 1, NetWeightGrams: 400, ListPrice: &list},
		},
	}}, decimal.RequireFromString("0.08"))
	if err != nil {
		t.Fatalf("pricing table: %v", err)
	}
	shipping, err := services.NewShippingPolicy(decimal.RequireFromString("50"), decimal.RequireFromString("4.9"))
	if err != nil {
		t.Fatalf("shipping: %v", err)
	}
	r := chi.NewRouter()
	NewCatalogHandlers(table, shipping, "EUR").Routes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/catalog", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Cache-Control") == "" {
		t.Fatalf("expected cache headers")
	}
	var resp catalogResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Currency != "EUR" || resp.Shipping.FlatFee != "4.90" || resp.Shipping.FreeThreshold != "50.00" {
		t.Fatalf("unexpected header fields: %+v", resp)
	}
	if len(resp.Products) != 1 || len(resp.Products[0].Tiers) != 2 {
		t.Fatalf("unexpected products: %+v", resp.Products)
	}
	first := resp.Products[0].Tiers[0]
	if first.Code != "half" || first.Price != "3.60" || first.PricePerKg != "9.00" {
		t.Fatalf("unexpected first tier: %+v", first)
	}
	if first.ListPrice == nil || *first.ListPrice != "9.00" {
		t.Fatalf("expected list price, got %v", first.ListPrice)
	}
}

func TestCatalogUnconfigured(t *testing.T) {
	r := chi.NewRouter()
	NewCatalogHandlers(nil, services.ShippingPolicy{}, "EUR").Routes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/catalog", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
