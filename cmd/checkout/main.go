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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"finitefield.org/storefront-checkout/internal/apiclient"
	"finitefield.org/storefront-checkout/internal/checkout"
	"finitefield.org/storefront-checkout/internal/handlers"
	"finitefield.org/storefront-checkout/internal/platform/auth"
	"finitefield.org/storefront-checkout/internal/platform/config"
	"finitefield.org/storefront-checkout/internal/platform/observability"
	"finitefield.org/storefront-checkout/internal/session"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("checkout-bff")

	cfg, err := config.Load(ctx)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown error", zap.Error(err))
		}
	}()

	api, err := apiclient.New(cfg.Backend.BaseURL,
		apiclient.WithTimeout(cfg.Backend.Timeout),
		apiclient.WithBreaker(uint32(cfg.Backend.BreakerFailures), cfg.Backend.BreakerCooldown),
		apiclient.WithLogger(logger.Named("apiclient")),
	)
	if err != nil {
		logger.Fatal("failed to initialise upstream client", zap.Error(err))
	}

	var rules *checkout.PaymentRules
	if path := strings.TrimSpace(cfg.Checkout.PaymentRulesFile); path != "" {
		loaded, err := checkout.LoadPaymentRules(path)
		if err != nil {
			logger.Fatal("failed to load payment rules", zap.String("path", path), zap.Error(err))
		}
		rules = &loaded
	}

	deps := checkout.Deps{
		DeliveryMethods: apiclient.NewDeliveryMethods(api, cfg.Cache.DeliveryMethodsTTL),
		PaymentMethods:  apiclient.NewPaymentMethods(api),
		Addresses:       apiclient.NewAddresses(api),
		Locations:       apiclient.NewLocations(api, cfg.Cache.CitiesTTL),
		Cart:            apiclient.NewCart(api),
		Orders:          apiclient.NewOrders(api),
		Payments:        apiclient.NewPayments(api),
		Notifications:   apiclient.NewNotifications(api),
		Rules:           rules,
		Tracer:          otel.Tracer("finitefield.org/storefront-checkout/checkout"),
		Logger:          observability.EventLogger(logger.Named("checkout")),
		Options: checkout.Options{
			ConfirmationDelay:    confirmationDelay(cfg.Checkout.ConfirmationDelay),
			OrderDetailPath:      cfg.Checkout.OrderDetailPath,
			CartPath:             cfg.Checkout.CartPath,
			UseSandbox:           cfg.Checkout.UseSandbox,
			NotifyEmailTo:        cfg.Checkout.NotifyEmailTo,
			NotifyTelegramChatID: cfg.Checkout.NotifyTelegramChatID,
		},
	}

	registry := session.NewRegistry(session.NewFactory(deps), cfg.Session.MaxFlows, cfg.Session.TTL, logger.Named("session"))
	defer registry.Shutdown()

	sessions := session.NewManager(cfg.Session.SigningKey,
		session.WithSecureCookies(cfg.SecureCookies()),
		session.WithManagerLogger(logger.Named("session")),
	)
	authenticator := auth.NewAuthenticator()

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware("checkout-bff"),
			observability.InjectLoggerMiddleware(logger),
			authenticator.OptionalBearer(),
			sessions.Middleware,
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(handlers.WithVersion(strings.TrimSpace(os.Getenv("APP_VERSION"))))),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(registry).Routes),
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

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("environment", cfg.Environment))
	go func() {
		serverLogger.Info("checkout bff listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// confirmationDelay maps a configured zero to an immediate redirect; the
// checkout package treats zero as "use the default".
func confirmationDelay(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
