// Package di assembles the checkout pipeline from configuration and a repository registry.
package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/larderworks/api/internal/catalog"
	"github.com/larderworks/api/internal/domain"
	"github.com/larderworks/api/internal/notifications"
	"github.com/larderworks/api/internal/payments"
	"github.com/larderworks/api/internal/platform/config"
	"github.com/larderworks/api/internal/platform/jobs"
	"github.com/larderworks/api/internal/platform/observability"
	"github.com/larderworks/api/internal/platform/storage"
	"github.com/larderworks/api/internal/repositories"
	"github.com/larderworks/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Pricing      *services.PricingTable
	Shipping     services.ShippingPolicy
	Checkout     services.CheckoutService
	Identity     services.IdentityService
	Materializer services.OrderMaterializer
	System       services.SystemService
}

// Deps carries collaborators built outside the container. Gateway and Publisher are optional:
// a nil Gateway is built from the Stripe configuration and a nil Publisher logs emails.
type Deps struct {
	Logger    *zap.Logger
	Gateway   payments.Gateway
	Publisher jobs.EmailPublisher
	Build     services.BuildInfo
	Clock     func() time.Time
	// Objects reads a gs:// catalog. Nil dials Cloud Storage when one is configured.
	Objects storage.ObjectReader
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply the in-memory registry and
// a fake gateway.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Deps) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	svc, err := buildServices(ctx, cfg, reg, deps)
	if err != nil {
		return nil, err
	}
	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Deps) (Services, error) {
	var svc Services
	events := observability.EventLogger(deps.Logger)

	products, err := loadCatalog(ctx, cfg.Checkout.CatalogFile, deps.Objects)
	if err != nil {
		return Services{}, err
	}
	svc.Pricing, err = services.NewPricingTable(products, cfg.Checkout.TaxRate)
	if err != nil {
		return Services{}, fmt.Errorf("build pricing table: %w", err)
	}
	svc.Shipping, err = services.NewShippingPolicy(cfg.Checkout.FreeShippingThreshold, cfg.Checkout.FlatShippingFee)
	if err != nil {
		return Services{}, fmt.Errorf("build shipping policy: %w", err)
	}

	svc.Identity, err = services.NewIdentityService(services.IdentityServiceDeps{
		Profiles: reg.Profiles(),
		Orders:   reg.Orders(),
		Clock:    deps.Clock,
		Logger:   events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build identity service: %w", err)
	}

	publisher := deps.Publisher
	if publisher == nil {
		publisher = jobs.NewLogEmailPublisher(deps.Logger)
	}
	dispatcher, err := notifications.NewDispatcher(publisher, notifications.Config{
		From:     cfg.Notifications.From,
		ShopName: cfg.Notifications.ShopName,
		Locale:   cfg.Notifications.Locale,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification dispatcher: %w", err)
	}

	codec := services.NewMetadataCodec(cfg.Checkout.MetadataSigningKey)
	svc.Materializer, err = services.NewOrderMaterializer(services.OrderMaterializerDeps{
		Orders:        reg.Orders(),
		Identity:      svc.Identity,
		Codec:         codec,
		Notifier:      dispatcher,
		OwnerEmail:    cfg.Notifications.OwnerEmail,
		NotifyTimeout: cfg.Notifications.Timeout,
		Clock:         deps.Clock,
		Logger:        events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order materializer: %w", err)
	}

	gateway := deps.Gateway
	if gateway == nil {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.PSP.StripeAPIKey,
			WebhookSecret: cfg.PSP.StripeWebhookSecret,
			AccountID:     cfg.PSP.StripeAccountID,
			Logger:        payments.StripeLogger(events),
			Clock:         deps.Clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build stripe gateway: %w", err)
		}
		gateway = stripeProvider
	}

	svc.Checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Pricing:          svc.Pricing,
		Shipping:         svc.Shipping,
		Gateway:          gateway,
		Materializer:     svc.Materializer,
		Codec:            codec,
		Currency:         cfg.Checkout.Currency,
		AllowedCountries: cfg.Checkout.AllowedCountries,
		GatewayTimeout:   cfg.PSP.GatewayTimeout,
		Logger:           events,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}

	build := deps.Build
	if build.Environment == "" {
		build.Environment = cfg.Security.Environment
	}
	svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            deps.Clock,
		Build:            build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	return svc, nil
}

func loadCatalog(ctx context.Context, path string, objects storage.ObjectReader) ([]domain.Product, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		products, err := catalog.Default()
		if err != nil {
			return nil, fmt.Errorf("load embedded catalog: %w", err)
		}
		return products, nil
	}
	rc, err := storage.Open(ctx, path, objects)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer rc.Close()
	products, err := catalog.Load(rc)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return products, nil
}
