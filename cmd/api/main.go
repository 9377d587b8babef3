package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/larderworks/api/internal/di"
	"github.com/larderworks/api/internal/handlers"
	"github.com/larderworks/api/internal/platform/auth"
	"github.com/larderworks/api/internal/platform/config"
	pfirestore "github.com/larderworks/api/internal/platform/firestore"
	"github.com/larderworks/api/internal/platform/idempotency"
	"github.com/larderworks/api/internal/platform/jobs"
	"github.com/larderworks/api/internal/platform/observability"
	"github.com/larderworks/api/internal/platform/postgres"
	"github.com/larderworks/api/internal/platform/secrets"
	"github.com/larderworks/api/internal/repositories"
	firestoreRepo "github.com/larderworks/api/internal/repositories/firestore"
	"github.com/larderworks/api/internal/repositories/memory"
	postgresRepo "github.com/larderworks/api/internal/repositories/postgres"
	"github.com/larderworks/api/internal/services"
)

const closeTimeout = 5 * time.Second

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	registry, replayStore, err := newRegistry(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise datastore", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}

	publisher, closePublisher, err := newEmailPublisher(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to initialise email transport", zap.String("transport", cfg.Notifications.Transport), zap.Error(err))
	}
	defer closePublisher()

	container, err := di.NewContainer(ctx, cfg, registry, di.Deps{
		Logger:    logger.Named("services"),
		Publisher: publisher,
		Build:     buildInfoFromEnv(envValues, cfg, startedAt),
	})
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("datastore close error", zap.Error(err))
		}
	}()
	svc := container.Services

	var verifier auth.TokenVerifier
	if strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		verifier, err = auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
	} else {
		logger.Warn("auth: firebase project not configured; signed-in routes will reject tokens")
	}
	authenticator := auth.NewAuthenticator(verifier, 0)

	projectID := traceProjectID(cfg)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, cfg, startedAt)),
		handlers.WithHealthSystemService(svc.System),
	)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPublicRoutes(handlers.NewCatalogHandlers(svc.Pricing, svc.Shipping, cfg.Checkout.Currency).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(authenticator, svc.Checkout,
			handlers.WithSessionMiddleware(idempotency.Middleware(replayStore)),
		).Routes),
		handlers.WithMeRoutes(handlers.NewMeHandlers(authenticator, svc.Identity).Routes),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(svc.Checkout).Routes),
		handlers.WithInternalRoutes(handlers.NewInternalHandlers(svc.Materializer).Routes),
		handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg)),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("larder api listening", zap.String("driver", cfg.Database.Driver), zap.String("transport", cfg.Notifications.Transport))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// newRegistry opens the configured datastore together with the idempotency store kept beside it.
func newRegistry(ctx context.Context, logger *zap.Logger, cfg config.Config) (repositories.Registry, idempotency.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		if cfg.Database.Migrate {
			if err := postgres.Migrate(cfg.Database.URL); err != nil {
				return nil, nil, err
			}
			logger.Info("postgres migrations applied")
		}
		pool, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		reg, err := postgresRepo.NewRegistry(pool, cfg.Database.OpTimeout)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return reg, idempotency.NewPostgresStore(pool), nil
	case config.DriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			return nil, nil, err
		}
		reg, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			return nil, nil, err
		}
		return reg, idempotency.NewFirestoreStore(provider), nil
	case config.DriverMemory:
		if !cfg.IsLocal() {
			return nil, nil, fmt.Errorf("memory datastore is not allowed in %q", cfg.Security.Environment)
		}
		logger.Warn("using in-memory datastore; orders are lost on restart")
		return memory.NewRegistry(), idempotency.NewMemoryStore(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func newEmailPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config) (jobs.EmailPublisher, func(), error) {
	switch cfg.Notifications.Transport {
	case config.TransportPubSub:
		client, err := pubsub.NewClient(ctx, traceProjectID(cfg))
		if err != nil {
			return nil, nil, err
		}
		topic := client.Topic(cfg.Notifications.PubSubTopic)
		publisher, err := jobs.NewPubSubEmailPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}, nil
	case config.TransportRabbitMQ:
		publisher, err := jobs.DialRabbitEmailPublisher(cfg.Notifications.RabbitURL, cfg.Notifications.RabbitQueue)
		if err != nil {
			return nil, nil, err
		}
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("rabbitmq close error", zap.Error(err))
			}
		}, nil
	default:
		return jobs.NewLogEmailPublisher(logger.Named("email")), func() {}, nil
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	var cache *auth.JWKSCache
	if strings.TrimSpace(oidc.JWKSURL) != "" {
		cache = auth.NewJWKSCache(oidc.JWKSURL, nil, nil)
	}
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	validator := auth.NewOIDCValidator(cache, logger, nil)
	return validator.RequireServiceToken(auth.ServicePolicy{
		Audience:      oidc.Audience,
		Issuers:       oidc.Issuers,
		AllowedEmails: oidc.AllowedEmails,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	secretsCfg := config.SecretsFromEnvironment(env)
	envLabel := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if envLabel == "" {
		envLabel = "local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(secretsCfg.FallbackFile),
	}
	if len(secretsCfg.ProjectIDs) > 0 {
		opts = append(opts, secrets.WithProjectMap(secretsCfg.ProjectIDs))
	}
	if secretsCfg.DefaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(secretsCfg.DefaultProject))
	}
	if len(secretsCfg.VersionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(secretsCfg.VersionPins))
	}
	if credentialsFile := strings.TrimSpace(env["API_FIREBASE_CREDENTIALS_FILE"]); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve before serving. Stripe credentials are
// always needed; the database URL and broker URL only for the transports that use them.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"PSP.StripeAPIKey", "PSP.StripeWebhookSecret"}
	if strings.EqualFold(strings.TrimSpace(env["API_DATABASE_DRIVER"]), config.DriverPostgres) {
		required = append(required, "Database.URL")
	}
	if strings.EqualFold(strings.TrimSpace(env["API_NOTIFY_TRANSPORT"]), config.TransportRabbitMQ) {
		required = append(required, "Notifications.RabbitURL")
	}
	return required
}
