package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brandsonmedia/storefront/internal/cache"
	"github.com/brandsonmedia/storefront/internal/checkout"
	"github.com/brandsonmedia/storefront/internal/config"
	"github.com/brandsonmedia/storefront/internal/emitter"
	"github.com/brandsonmedia/storefront/internal/httpapi"
	"github.com/brandsonmedia/storefront/internal/invoices"
	"github.com/brandsonmedia/storefront/internal/orders"
	"github.com/brandsonmedia/storefront/internal/payments"
	"github.com/brandsonmedia/storefront/internal/providers/mpesa"
	"github.com/brandsonmedia/storefront/internal/providers/stripe"
	"github.com/brandsonmedia/storefront/internal/reconcile"
	"github.com/brandsonmedia/storefront/internal/storage/postgres"
	"github.com/brandsonmedia/storefront/internal/telemetry"
)

// app is the fully wired service.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	pool        *pgxpool.Pool
	orders      *orders.UseCase
	tracker     payments.Tracker
	invoices    *invoices.UseCase
	checkout    *checkout.UseCase
	coordinator *reconcile.Coordinator
	shutdown    telemetry.ShutdownFunc
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.ServiceName)
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, shutdown: shutdown}

	var (
		orderRepo   orders.Repository
		invoiceRepo invoices.Repository
	)
	switch cfg.Storage {
	case config.StoragePostgres:
		pool, err := postgres.Connect(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		orderRepo = orders.NewPostgresRepository(pool)
		a.tracker = payments.NewPostgresTracker(pool)
		invoiceRepo = invoices.NewPostgresRepository(pool)
	default:
		logger.Warn("using in-memory storage; data is lost on restart")
		orderRepo = orders.NewMemoryRepository()
		a.tracker = payments.NewMemoryTracker()
		invoiceRepo = invoices.NewMemoryRepository()
	}

	tokens := cache.NewMemoryCache(cfg.ServiceName)
	if cfg.RedisAddr != "" {
		tokens = cache.NewRedisCache(cfg.RedisAddr, cfg.ServiceName)
	}

	a.orders = orders.NewUseCase(orderRepo, cfg.TaxRate, logger)
	a.invoices = invoices.NewUseCase(invoiceRepo, a.orders, logger)

	sinks := emitter.Multi{emitter.Logging{Logger: logger}, emitter.ReceiptIssuer{Receipts: a.invoices}}
	if cfg.DTMServer != "" {
		sinks = append(sinks, emitter.NewDTMEmitter(cfg.DTMServer, cfg.InvoiceServiceURL, logger))
	}
	a.coordinator = reconcile.NewCoordinator(orderRepo, a.tracker, sinks, logger)

	mpesaClient := mpesa.NewClient(cfg.Mpesa.Client(), tokens, logger)
	stripeClient := stripe.NewClient(cfg.Stripe.Client(), logger)
	a.checkout = checkout.NewUseCase(a.orders, a.tracker, mpesaClient, stripeClient, logger)

	if cfg.Mpesa.Client().Configured() {
		a.coordinator.CheckPendingWith(payments.ProviderMpesa, mpesaClient)
	} else {
		logger.Warn("mpesa credentials missing; STK push requests will fail")
	}
	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("stripe webhook secret missing; webhooks will be refused")
	}
	return a, nil
}

func (a *app) handler() *httpapi.Handler {
	return httpapi.NewHandler(httpapi.Deps{
		Orders:      a.orders,
		Ledger:      a.tracker,
		Checkout:    a.checkout,
		Reconciler:  a.coordinator,
		Invoices:    a.invoices,
		Mpesa:       mpesa.NewAdapter(a.cfg.Mpesa.CallbackToken),
		Stripe:      stripe.NewAdapter(a.cfg.Stripe.WebhookSecret),
		SweepMinAge: a.cfg.SweepMinAge,
		Logger:      a.logger,
	})
}

func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Error("telemetry shutdown failed", "error", err)
	}
}
