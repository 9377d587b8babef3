package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultSecurityIAPIssuer   = "https://cloud.google.com/iap"
	defaultDatabaseDriver      = DriverPostgres
	defaultDatabaseMaxConns    = 10
	defaultDatabaseTimeout     = 5 * time.Second
	defaultGatewayTimeout      = 15 * time.Second
	defaultCurrency            = "EUR"
	defaultTaxRate             = "0.10"
	defaultFreeShipping        = "70.00"
	defaultFlatShipping        = "7.90"
	defaultAllowedCountries    = "IT,SM,VA"
	defaultNotifyTransport     = TransportLog
	defaultNotifyTimeout       = 10 * time.Second
	defaultNotifyLocale        = "it"
	defaultShopName            = "Larder"
	defaultRabbitQueue         = "larder.emails"
	defaultSecretFallbackFile  = ".secrets.local"
)

// Supported datastore drivers.
const (
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
	DriverMemory    = "memory"
)

// Supported email job transports.
const (
	TransportLog      = "log"
	TransportPubSub   = "pubsub"
	TransportRabbitMQ = "rabbitmq"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Database      DatabaseConfig
	PSP           PSPConfig
	Checkout      CheckoutConfig
	Notifications NotificationConfig
	Security      SecurityConfig
	Secrets       SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// DatabaseConfig selects and configures the order datastore.
type DatabaseConfig struct {
	Driver string
	// URL is a Postgres connection string. May be a secret reference.
	URL       string
	MaxConns  int32
	Migrate   bool
	OpTimeout time.Duration
}

// PSPConfig collects payment provider credentials.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	StripeAccountID     string
	GatewayTimeout      time.Duration
}

// CheckoutConfig holds the storefront pricing and checkout policy.
type CheckoutConfig struct {
	Currency              string
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
	AllowedCountries      []string
	// MetadataSigningKey signs session metadata. Empty falls back to an unkeyed digest.
	MetadataSigningKey string
	// CatalogFile overrides the embedded catalog when set: a local path or gs://bucket/object.
	CatalogFile string
}

// NotificationConfig controls order emails.
type NotificationConfig struct {
	Transport   string
	From        string
	OwnerEmail  string
	ShopName    string
	Locale      string
	Timeout     time.Duration
	PubSubTopic string
	RabbitURL   string
	RabbitQueue string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
	// AllowedEmails limits internal callers to these service accounts.
	AllowedEmails []string
}

// SecretsConfig configures the Secret Manager fetcher.
type SecretsConfig struct {
	DefaultProject string
	ProjectIDs     map[string]string
	FallbackFile   string
	VersionPins    map[string]string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns the hashed secret identifiers, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers use it to build the secret fetcher
// before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// SecretsFromEnvironment reads the Secret Manager settings from env so the fetcher can be built
// before Load resolves secret references.
func SecretsFromEnvironment(env map[string]string) SecretsConfig {
	lookup := func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
	return SecretsConfig{
		DefaultProject: stringWithDefault(lookup, "API_SECRET_DEFAULT_PROJECT_ID", stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", "")),
		ProjectIDs:     mapWithDefault(lookup, "API_SECRET_PROJECT_IDS"),
		FallbackFile:   stringWithDefault(lookup, "API_SECRET_FALLBACK_FILE", defaultSecretFallbackFile),
		VersionPins:    versionPins(lookup, "API_SECRET_VERSION_PINS"),
	}
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match config field names, e.g. "PSP.StripeWebhookSecret".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	var invalid []string
	decimalField := func(key, field, fallback string) decimal.Decimal {
		value, err := decimal.NewFromString(stringWithDefault(lookup, key, fallback))
		if err != nil {
			invalid = append(invalid, field)
			return decimal.Zero
		}
		return value
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Database: DatabaseConfig{
			Driver:    strings.ToLower(stringWithDefault(lookup, "API_DATABASE_DRIVER", defaultDatabaseDriver)),
			URL:       stringWithDefault(lookup, "API_DATABASE_URL", ""),
			MaxConns:  int32(intWithDefault(lookup, "API_DATABASE_MAX_CONNS", defaultDatabaseMaxConns)),
			Migrate:   boolWithDefault(lookup, "API_DATABASE_MIGRATE", false),
			OpTimeout: durationWithDefault(lookup, "API_DATABASE_OP_TIMEOUT", defaultDatabaseTimeout),
		},
		PSP: PSPConfig{
			StripeAPIKey:        stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeAccountID:     stringWithDefault(lookup, "API_PSP_STRIPE_ACCOUNT_ID", ""),
			GatewayTimeout:      durationWithDefault(lookup, "API_PSP_GATEWAY_TIMEOUT", defaultGatewayTimeout),
		},
		Checkout: CheckoutConfig{
			Currency:              strings.ToUpper(stringWithDefault(lookup, "API_CHECKOUT_CURRENCY", defaultCurrency)),
			TaxRate:               decimalField("API_CHECKOUT_TAX_RATE", "Checkout.TaxRate", defaultTaxRate),
			FreeShippingThreshold: decimalField("API_CHECKOUT_FREE_SHIPPING_THRESHOLD", "Checkout.FreeShippingThreshold", defaultFreeShipping),
			FlatShippingFee:       decimalField("API_CHECKOUT_FLAT_SHIPPING_FEE", "Checkout.FlatShippingFee", defaultFlatShipping),
			AllowedCountries:      upper(csvWithDefault(lookup, "API_CHECKOUT_ALLOWED_COUNTRIES", defaultAllowedCountries)),
			MetadataSigningKey:    stringWithDefault(lookup, "API_CHECKOUT_METADATA_SIGNING_KEY", ""),
			CatalogFile:           stringWithDefault(lookup, "API_CHECKOUT_CATALOG_FILE", ""),
		},
		Notifications: NotificationConfig{
			Transport:   strings.ToLower(stringWithDefault(lookup, "API_NOTIFY_TRANSPORT", defaultNotifyTransport)),
			From:        stringWithDefault(lookup, "API_NOTIFY_FROM", ""),
			OwnerEmail:  stringWithDefault(lookup, "API_NOTIFY_OWNER_EMAIL", ""),
			ShopName:    stringWithDefault(lookup, "API_NOTIFY_SHOP_NAME", defaultShopName),
			Locale:      stringWithDefault(lookup, "API_NOTIFY_LOCALE", defaultNotifyLocale),
			Timeout:     durationWithDefault(lookup, "API_NOTIFY_TIMEOUT", defaultNotifyTimeout),
			PubSubTopic: stringWithDefault(lookup, "API_NOTIFY_PUBSUB_TOPIC", ""),
			RabbitURL:   stringWithDefault(lookup, "API_NOTIFY_RABBITMQ_URL", ""),
			RabbitQueue: stringWithDefault(lookup, "API_NOTIFY_RABBITMQ_QUEUE", defaultRabbitQueue),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS", ""),

				AllowedEmails: csvWithDefault(lookup, "API_SECURITY_OIDC_ALLOWED_EMAILS", ""),
			},
		},
		Secrets: SecretsConfig{
			DefaultProject: stringWithDefault(lookup, "API_SECRET_DEFAULT_PROJECT_ID", ""),
			ProjectIDs:     mapWithDefault(lookup, "API_SECRET_PROJECT_IDS"),
			FallbackFile:   stringWithDefault(lookup, "API_SECRET_FALLBACK_FILE", defaultSecretFallbackFile),
			VersionPins:    versionPins(lookup, "API_SECRET_VERSION_PINS"),
		},
	}

	// Firestore project defaults to Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Secrets.DefaultProject == "" {
		cfg.Secrets.DefaultProject = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer, defaultSecurityIAPIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"Checkout.MetadataSigningKey", &cfg.Checkout.MetadataSigningKey},
		{"Database.URL", &cfg.Database.URL},
		{"Notifications.RabbitURL", &cfg.Notifications.RabbitURL},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// IsLocal reports whether the service runs in a developer environment.
func (c Config) IsLocal() bool {
	switch c.Security.Environment {
	case "", "local", "dev", "test":
		return true
	}
	return false
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}

	switch cfg.Database.Driver {
	case DriverPostgres:
		if strings.TrimSpace(cfg.Database.URL) == "" {
			missing = append(missing, "Database.URL")
		}
		if cfg.Database.MaxConns <= 0 {
			missing = append(missing, "Database.MaxConns")
		}
	case DriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	case DriverMemory:
	default:
		missing = append(missing, "Database.Driver")
	}
	if cfg.Database.OpTimeout <= 0 {
		missing = append(missing, "Database.OpTimeout")
	}

	if len(cfg.Checkout.Currency) != 3 {
		missing = append(missing, "Checkout.Currency")
	}
	if cfg.Checkout.TaxRate.IsNegative() || cfg.Checkout.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		missing = append(missing, "Checkout.TaxRate")
	}
	if cfg.Checkout.FreeShippingThreshold.IsNegative() {
		missing = append(missing, "Checkout.FreeShippingThreshold")
	}
	if cfg.Checkout.FlatShippingFee.IsNegative() {
		missing = append(missing, "Checkout.FlatShippingFee")
	}
	if len(cfg.Checkout.AllowedCountries) == 0 {
		missing = append(missing, "Checkout.AllowedCountries")
	}
	for _, code := range cfg.Checkout.AllowedCountries {
		if len(code) != 2 {
			missing = append(missing, "Checkout.AllowedCountries")
			break
		}
	}
	if cfg.PSP.GatewayTimeout <= 0 {
		missing = append(missing, "PSP.GatewayTimeout")
	}

	switch cfg.Notifications.Transport {
	case TransportLog:
	case TransportPubSub:
		if strings.TrimSpace(cfg.Notifications.PubSubTopic) == "" {
			missing = append(missing, "Notifications.PubSubTopic")
		}
		if cfg.Firebase.ProjectID == "" {
			missing = append(missing, "Firebase.ProjectID")
		}
	case TransportRabbitMQ:
		if strings.TrimSpace(cfg.Notifications.RabbitURL) == "" {
			missing = append(missing, "Notifications.RabbitURL")
		}
		if strings.TrimSpace(cfg.Notifications.RabbitQueue) == "" {
			missing = append(missing, "Notifications.RabbitQueue")
		}
	default:
		missing = append(missing, "Notifications.Transport")
	}
	if cfg.Notifications.Timeout <= 0 {
		missing = append(missing, "Notifications.Timeout")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if strings.TrimSpace(resolved[trimmed]) != "" {
			continue
		}
		missing = append(missing, missingSecret{name: trimmed, redacted: redactSecretName(trimmed)})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key, fallback string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = fallback
	}
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func upper(values []string) []string {
	for i, value := range values {
		values[i] = strings.ToUpper(value)
	}
	return values
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	return parsePairs(lookup, key, true)
}

// versionPins keeps key case since secret references are case sensitive.
func versionPins(lookup func(string) (string, bool), key string) map[string]string {
	return parsePairs(lookup, key, false)
}

func parsePairs(lookup func(string) (string, bool), key string, lowerKeys bool) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if lowerKeys {
			name = strings.ToLower(name)
		}
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
