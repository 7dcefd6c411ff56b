// Package config loads the checkout BFF configuration from defaults, an
// optional .env file, the process environment and explicit overrides.
package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultBreakerFailures     = 5
	defaultBreakerCooldown     = 30 * time.Second
	defaultDeliveryMethodsTTL  = 5 * time.Minute
	defaultCitiesTTL           = 30 * time.Minute
	defaultConfirmationDelay   = 1500 * time.Millisecond
	defaultOrderDetailPath     = "/my-orders"
	defaultCartPath            = "/cart"
	defaultSessionTTL          = 30 * time.Minute
	defaultSessionMaxFlows     = 10000
	defaultEnvironment         = EnvLocal
	minSessionSigningKeyLength = 32
)

// Deployment environments.
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Backend     BackendConfig
	Cache       CacheConfig
	Checkout    CheckoutConfig
	Session     SessionConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BackendConfig points at the upstream storefront API.
type BackendConfig struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

// CacheConfig controls reference-data cache lifetimes.
type CacheConfig struct {
	DeliveryMethodsTTL time.Duration
	CitiesTTL          time.Duration
}

// CheckoutConfig tunes the checkout flow.
type CheckoutConfig struct {
	ConfirmationDelay    time.Duration
	OrderDetailPath      string
	CartPath             string
	PaymentRulesFile     string
	UseSandbox           bool
	NotifyEmailTo        string
	NotifyTelegramChatID string
}

// SessionConfig controls session cookies and the flow registry.
type SessionConfig struct {
	SigningKey string
	TTL        time.Duration
	MaxFlows   int
}

// SecureCookies reports whether session cookies must be marked Secure.
func (c Config) SecureCookies() bool {
	return c.Environment == EnvProd
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

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path. An empty path disables it.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process
// environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the configuration. Precedence is defaults < .env < process
// environment < WithEnvMap.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "CHECKOUT_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "CHECKOUT_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Backend: BackendConfig{
			BaseURL:         stringWithDefault(lookup, "CHECKOUT_BACKEND_BASE_URL", ""),
			Timeout:         durationWithDefault(lookup, "CHECKOUT_BACKEND_TIMEOUT", 0),
			BreakerFailures: intWithDefault(lookup, "CHECKOUT_BACKEND_BREAKER_FAILURES", defaultBreakerFailures),
			BreakerCooldown: durationWithDefault(lookup, "CHECKOUT_BACKEND_BREAKER_COOLDOWN", defaultBreakerCooldown),
		},
		Cache: CacheConfig{
			DeliveryMethodsTTL: durationWithDefault(lookup, "CHECKOUT_CACHE_DELIVERY_METHODS_TTL", defaultDeliveryMethodsTTL),
			CitiesTTL:          durationWithDefault(lookup, "CHECKOUT_CACHE_CITIES_TTL", defaultCitiesTTL),
		},
		Checkout: CheckoutConfig{
			ConfirmationDelay:    durationWithDefault(lookup, "CHECKOUT_CONFIRMATION_DELAY", defaultConfirmationDelay),
			OrderDetailPath:      stringWithDefault(lookup, "CHECKOUT_ORDER_DETAIL_PATH", defaultOrderDetailPath),
			CartPath:             stringWithDefault(lookup, "CHECKOUT_CART_PATH", defaultCartPath),
			PaymentRulesFile:     stringWithDefault(lookup, "CHECKOUT_PAYMENT_RULES_FILE", ""),
			UseSandbox:           boolWithDefault(lookup, "CHECKOUT_USE_SANDBOX_CHECKOUT", false),
			NotifyEmailTo:        stringWithDefault(lookup, "CHECKOUT_NOTIFY_EMAIL_TO", ""),
			NotifyTelegramChatID: stringWithDefault(lookup, "CHECKOUT_NOTIFY_TELEGRAM_CHAT_ID", ""),
		},
		Session: SessionConfig{
			SigningKey: stringWithDefault(lookup, "CHECKOUT_SESSION_SIGNING_KEY", ""),
			TTL:        durationWithDefault(lookup, "CHECKOUT_SESSION_TTL", defaultSessionTTL),
			MaxFlows:   intWithDefault(lookup, "CHECKOUT_SESSION_MAX_FLOWS", defaultSessionMaxFlows),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	switch cfg.Environment {
	case EnvLocal, EnvDev, EnvProd:
	default:
		missing = append(missing, "Environment")
	}
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if !absoluteURL(cfg.Backend.BaseURL) {
		missing = append(missing, "Backend.BaseURL")
	}
	if cfg.Backend.Timeout < 0 {
		missing = append(missing, "Backend.Timeout")
	}
	if cfg.Backend.BreakerFailures <= 0 {
		missing = append(missing, "Backend.BreakerFailures")
	}
	if cfg.Backend.BreakerCooldown <= 0 {
		missing = append(missing, "Backend.BreakerCooldown")
	}
	if cfg.Cache.DeliveryMethodsTTL <= 0 {
		missing = append(missing, "Cache.DeliveryMethodsTTL")
	}
	if cfg.Cache.CitiesTTL <= 0 {
		missing = append(missing, "Cache.CitiesTTL")
	}
	if !strings.HasPrefix(cfg.Checkout.OrderDetailPath, "/") {
		missing = append(missing, "Checkout.OrderDetailPath")
	}
	if !strings.HasPrefix(cfg.Checkout.CartPath, "/") {
		missing = append(missing, "Checkout.CartPath")
	}
	if cfg.Environment == EnvProd && len(cfg.Session.SigningKey) < minSessionSigningKeyLength {
		missing = append(missing, "Session.SigningKey")
	}
	if cfg.Session.TTL <= 0 {
		missing = append(missing, "Session.TTL")
	}
	if cfg.Session.MaxFlows <= 0 {
		missing = append(missing, "Session.MaxFlows")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func absoluteURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
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
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
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
	if value, ok := lookup(key); ok {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
