package handlers

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/platform/httpx"
	"github.com/larderworks/api/internal/services"
)

// CatalogHandlers serves the public product catalog priced by the same table checkout uses.
type CatalogHandlers struct {
	pricing  *services.PricingTable
	shipping services.ShippingPolicy
	currency string
}

// NewCatalogHandlers constructs catalog handlers.
func NewCatalogHandlers(pricing *services.PricingTable, shipping services.ShippingPolicy, currency string) *CatalogHandlers {
	return &CatalogHandlers{pricing: pricing, shipping: shipping, currency: currency}
}

// Routes registers GET /catalog.
func (h *CatalogHandlers) Routes(r chi.Router) {
	r.Get("/catalog", h.getCatalog)
}

type catalogTier struct {
	Code       string  `json:"code"`
	Pieces     int     `json:"pieces"`
	Grams      int     `json:"grams"`
	Price      string  `json:"price"`
	ListPrice  *string `json:"listPrice,omitempty"`
	PricePerKg string  `json:"pricePerKg"`
}

type catalogProduct struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Tiers       []catalogTier `json:"tiers"`
}

type catalogResponse struct {
	Currency string           `json:"currency"`
	TaxRate  string           `json:"taxRate"`
	Shipping shippingPolicy   `json:"shipping"`
	Products []catalogProduct `json:"products"`
}

type shippingPolicy struct {
	FlatFee       string `json:"flatFee"`
	FreeThreshold string `json:"freeThreshold"`
}

func (h *CatalogHandlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	if h.pricing == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("catalog_unavailable", "catalog is not configured", http.StatusServiceUnavailable))
		return
	}
	products := lo.Map(h.pricing.Products(), func(p domain.Product, _ int) catalogProduct {
		return h.toProduct(p)
	})
	w.Header().Set("Cache-Control", "public, max-age=300")
	httpx.WriteJSON(w, http.StatusOK, catalogResponse{
		Currency: h.currency,
		TaxRate:  h.pricing.TaxRate().String(),
		Shipping: shippingPolicy{
			FlatFee:       money(h.shipping.FlatFee),
			FreeThreshold: money(h.shipping.FreeThreshold),
		},
		Products: products,
	})
}

func (h *CatalogHandlers) toProduct(p domain.Product) catalogProduct {
	tiers := make([]catalogTier, 0, len(p.Tiers))
	for code := range p.Tiers {
		price, err := h.pricing.UnitPrice(p.ID, code)
		if err != nil {
			continue
		}
		tier := catalogTier{
			Code:       price.Tier,
			Pieces:     price.Pieces,
			Grams:      price.WeightGrams,
			Price:      money(price.GrossPrice),
			PricePerKg: money(price.PricePerKg()),
		}
		if price.ListPrice != nil {
			tier.ListPrice = lo.ToPtr(money(*price.ListPrice))
		}
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool {
		if tiers[i].Grams != tiers[j].Grams {
			return tiers[i].Grams < tiers[j].Grams
		}
		return tiers[i].Code < tiers[j].Code
	})
	return catalogProduct{ID: p.ID, Name: p.Name, Description: p.Description, Tiers: tiers}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
