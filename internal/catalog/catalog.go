package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/larderworks/api/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrInvalidCatalog is returned when catalog data fails validation.
var ErrInvalidCatalog = errors.New("catalog: invalid data")

type catalogFile struct {
	Products []productEntry `yaml:"products"`
}

type productEntry struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Tiers       []tierEntry `yaml:"tiers"`
}

type tierEntry struct {
	Code      string `yaml:"code"`
	Pieces    int    `yaml:"pieces"`
	Grams     int    `yaml:"grams"`
	Price     string `yaml:"price"`
	ListPrice string `yaml:"list_price"`
}

// Default returns the catalog embedded in the binary.
func Default() ([]domain.Product, error) {
	return Parse(defaultCatalog)
}

// Load reads and validates catalog YAML from r.
func Load(r io.Reader) ([]domain.Product, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML. Products keep file order.
func Parse(data []byte) ([]domain.Product, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if len(file.Products) == 0 {
		return nil, fmt.Errorf("%w: no products", ErrInvalidCatalog)
	}

	seen := make(map[string]struct{}, len(file.Products))
	products := make([]domain.Product, 0, len(file.Products))
	for _, entry := range file.Products {
		product, err := entry.toDomain()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[product.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate product %q", ErrInvalidCatalog, product.ID)
		}
		seen[product.ID] = struct{}{}
		products = append(products, product)
	}
	return products, nil
}

func (p productEntry) toDomain() (domain.Product, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", ErrInvalidCatalog)
	}
	if len(p.Tiers) < 2 {
		return domain.Product{}, fmt.Errorf("%w: product %q needs at least two packaging tiers", ErrInvalidCatalog, id)
	}

	product := domain.Product{
		ID:          id,
		Name:        strings.TrimSpace(p.Name),
		Description: strings.TrimSpace(p.Description),
		Tiers:       make(map[string]domain.PackagingTier, len(p.Tiers)),
	}
	if product.Name == "" {
		product.Name = id
	}

	for _, t := range p.Tiers {
		code := strings.TrimSpace(t.Code)
		if code == "" {
			return domain.Product{}, fmt.Errorf("%w: product %q has a tier without code", ErrInvalidCatalog, id)
		}
		if _, dup := product.Tiers[code]; dup {
			return domain.Product{}, fmt.Errorf("%w: product %q repeats tier %q", ErrInvalidCatalog, id, code)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(t.Price))
		if err != nil || !price.IsPositive() {
			return domain.Product{}, fmt.Errorf("%w: product %q tier %q price %q", ErrInvalidCatalog, id, code, t.Price)
		}
		if t.Pieces <= 0 || t.Grams <= 0 {
			return domain.Product{}, fmt.Errorf("%w: product %q tier %q needs positive pieces and grams", ErrInvalidCatalog, id, code)
		}
		tier := domain.PackagingTier{
			Code:           code,
			GrossPrice:     price,
			Pieces:         t.Pieces,
			NetWeightGrams: t.Grams,
		}
		if raw := strings.TrimSpace(t.ListPrice); raw != "" {
			list, err := decimal.NewFromString(raw)
			if err != nil || list.LessThan(price) {
				return domain.Product{}, fmt.Errorf("%w: product %q tier %q list price %q", ErrInvalidCatalog, id, code, raw)
			}
			tier.ListPrice = &list
		}
		product.Tiers[code] = tier
	}
	return product, nil
}
