package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"CHECKOUT_BACKEND_BASE_URL": "https://api.example.com/v1",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != EnvLocal {
		t.Errorf("expected local environment, got %s", cfg.Environment)
	}
	if cfg.SecureCookies() {
		t.Errorf("local environment should not require secure cookies")
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Backend.Timeout != 0 {
		t.Errorf("expected no backend timeout by default, got %s", cfg.Backend.Timeout)
	}
	if cfg.Backend.BreakerFailures != defaultBreakerFailures || cfg.Backend.BreakerCooldown != defaultBreakerCooldown {
		t.Errorf("unexpected breaker defaults: %+v", cfg.Backend)
	}
	if cfg.Cache.DeliveryMethodsTTL != 5*time.Minute || cfg.Cache.CitiesTTL != 30*time.Minute {
		t.Errorf("unexpected cache ttls: %+v", cfg.Cache)
	}
	if cfg.Checkout.ConfirmationDelay != 1500*time.Millisecond {
		t.Errorf("unexpected confirmation delay: %s", cfg.Checkout.ConfirmationDelay)
	}
	if cfg.Checkout.OrderDetailPath != "/my-orders" || cfg.Checkout.CartPath != "/cart" {
		t.Errorf("unexpected paths: %+v", cfg.Checkout)
	}
	if cfg.Checkout.UseSandbox {
		t.Errorf("sandbox should be off by default")
	}
	if cfg.Session.TTL != 30*time.Minute || cfg.Session.MaxFlows != 10000 {
		t.Errorf("unexpected session defaults: %+v", cfg.Session)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	env := map[string]string{
		"CHECKOUT_ENVIRONMENT":                "PROD",
		"CHECKOUT_SERVER_PORT":                "9090",
		"CHECKOUT_SERVER_WRITE_TIMEOUT":       "25s",
		"CHECKOUT_BACKEND_BASE_URL":           "https://api.example.com",
		"CHECKOUT_BACKEND_TIMEOUT":            "10s",
		"CHECKOUT_BACKEND_BREAKER_FAILURES":   "3",
		"CHECKOUT_BACKEND_BREAKER_COOLDOWN":   "1m",
		"CHECKOUT_CACHE_CITIES_TTL":           "1h",
		"CHECKOUT_CONFIRMATION_DELAY":         "0s",
		"CHECKOUT_ORDER_DETAIL_PATH":          "/orders",
		"CHECKOUT_PAYMENT_RULES_FILE":         "/etc/checkout/payment-rules.yaml",
		"CHECKOUT_USE_SANDBOX_CHECKOUT":       "yes",
		"CHECKOUT_NOTIFY_EMAIL_TO":            "ops@example.com",
		"CHECKOUT_NOTIFY_TELEGRAM_CHAT_ID":    "-100123",
		"CHECKOUT_SESSION_SIGNING_KEY":        "0123456789abcdef0123456789abcdef",
		"CHECKOUT_SESSION_TTL":                "45m",
		"CHECKOUT_SESSION_MAX_FLOWS":          "50",
		"CHECKOUT_CACHE_DELIVERY_METHODS_TTL": "not-a-duration",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != EnvProd || !cfg.SecureCookies() {
		t.Errorf("expected prod environment with secure cookies, got %s", cfg.Environment)
	}
	if cfg.Server.Port != "9090" || cfg.Server.WriteTimeout != 25*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Backend.Timeout != 10*time.Second || cfg.Backend.BreakerFailures != 3 || cfg.Backend.BreakerCooldown != time.Minute {
		t.Errorf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Cache.CitiesTTL != time.Hour {
		t.Errorf("unexpected cities ttl: %s", cfg.Cache.CitiesTTL)
	}
	if cfg.Cache.DeliveryMethodsTTL != defaultDeliveryMethodsTTL {
		t.Errorf("invalid duration should fall back to default, got %s", cfg.Cache.DeliveryMethodsTTL)
	}
	if cfg.Checkout.ConfirmationDelay != 0 {
		t.Errorf("expected explicit zero delay, got %s", cfg.Checkout.ConfirmationDelay)
	}
	if !cfg.Checkout.UseSandbox || cfg.Checkout.OrderDetailPath != "/orders" {
		t.Errorf("unexpected checkout config: %+v", cfg.Checkout)
	}
	if cfg.Checkout.NotifyEmailTo != "ops@example.com" || cfg.Checkout.NotifyTelegramChatID != "-100123" {
		t.Errorf("unexpected notification recipients: %+v", cfg.Checkout)
	}
	if cfg.Session.TTL != 45*time.Minute || cfg.Session.MaxFlows != 50 {
		t.Errorf("unexpected session config: %+v", cfg.Session)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"CHECKOUT_ENVIRONMENT":       "prod",
		"CHECKOUT_BACKEND_BASE_URL":  "api.example.com",
		"CHECKOUT_CART_PATH":         "cart",
		"CHECKOUT_SESSION_MAX_FLOWS": "0",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected validation error, got %v", err)
	}

	want := []string{"Backend.BaseURL", "Checkout.CartPath", "Session.SigningKey", "Session.MaxFlows"}
	fields := validationErr.Fields()
	for _, field := range want {
		if !slices.Contains(fields, field) {
			t.Errorf("expected %s in %v", field, fields)
		}
	}
	if len(fields) != len(want) {
		t.Errorf("unexpected extra fields: %v", fields)
	}
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	env := map[string]string{
		"CHECKOUT_ENVIRONMENT":      "staging",
		"CHECKOUT_BACKEND_BASE_URL": "http://localhost:3000",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || !slices.Equal(validationErr.Fields(), []string{"Environment"}) {
		t.Fatalf("expected environment validation error, got %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "# local overrides\n" +
		"export CHECKOUT_BACKEND_BASE_URL=\"http://localhost:3000/api\"\n" +
		"CHECKOUT_SERVER_PORT=7000\n" +
		"CHECKOUT_CART_PATH='/bag'\n" +
		"CHECKOUT_ORDER_DETAIL_PATH=/from-dotenv\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("CHECKOUT_SERVER_PORT", "7100")
	t.Setenv("CHECKOUT_ORDER_DETAIL_PATH", "/from-os")

	cfg, err := Load(context.Background(),
		WithEnvFile(envPath),
		WithEnvMap(map[string]string{"CHECKOUT_ORDER_DETAIL_PATH": "/from-map"}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Backend.BaseURL != "http://localhost:3000/api" {
		t.Errorf("expected base url from .env, got %s", cfg.Backend.BaseURL)
	}
	if cfg.Checkout.CartPath != "/bag" {
		t.Errorf("expected quoted .env value to be unwrapped, got %s", cfg.Checkout.CartPath)
	}
	if cfg.Server.Port != "7100" {
		t.Errorf("expected OS env to override .env, got %s", cfg.Server.Port)
	}
	if cfg.Checkout.OrderDetailPath != "/from-map" {
		t.Errorf("expected explicit map to win, got %s", cfg.Checkout.OrderDetailPath)
	}
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	env := map[string]string{"CHECKOUT_BACKEND_BASE_URL": "https://api.example.com"}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	if err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}
