// Package main is the entry point for the LexCredit API server.
//
// It loads configuration, connects the Postgres pool, wires the metering
// engine, plan resolver, billing sync and reconciliation monitor, builds the
// HTTP server with the core chassis (middleware, routing, health checks),
// starts the background maintenance sweeps, and listens for requests.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"lexcredit/internal/api/handlers"
	"lexcredit/internal/auth"
	"lexcredit/internal/billing"
	"lexcredit/internal/config"
	"lexcredit/internal/core"
	"lexcredit/internal/db"
	"lexcredit/internal/external"
	"lexcredit/internal/metering"
	"lexcredit/internal/reconcile"
	"lexcredit/internal/telemetry"
	"lexcredit/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("lexcredit API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database pool.
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Repositories. The store hands out transactions to the metering engine;
	// the repos below serve the read and sync paths off the bare pool.
	store := db.NewStore(pool)
	views := db.NewViewReader(pool, logger)
	subs := db.NewSubscriptionRepo(pool, logger)
	tokens := db.NewTokenRepo(pool)
	ledger := db.NewLedgerRepo(pool)

	// Metrics.
	metrics, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	// Plan resolution.
	registry := billing.NewStaticPlanRegistry()
	admins := auth.NewAdminAllowlist(cfg.Auth.AdminUserIDs)
	resolver := billing.NewResolver(admins, views, registry, nil)

	// Metering engine and read views.
	gateway := metering.NewGateway(store, resolver, registry, metering.Options{
		SessionDuration:    cfg.Metering.SessionDuration,
		SessionMaxMessages: cfg.Metering.SessionMaxMessages,
		IdempotencyWindow:  cfg.Metering.IdempotencyWindow,
	}, logger)
	statusSvc := metering.NewStatusService(views, registry, nil)
	entitlementsSvc := metering.NewEntitlementsService(resolver, views, nil)

	// Billing provider and sync.
	provider := newBillingProvider(cfg, registry, logger)
	syncer := external.NewSyncService(provider, subs, logger)

	// Reconciliation monitor. The two fetchers are deliberately independent:
	// one goes through the resolver, the other reads the raw subscription
	// mirror the way the status view does.
	monitor := reconcile.NewMonitor(
		resolverPlanView(resolver),
		subscriptionPlanView(subs),
		syncer,
		cfg.Metering.ResyncDebounce,
		logger,
		metrics,
	)

	// Authentication.
	authSvc := auth.NewService(auth.ServiceConfig{
		Tokens: tokens,
		Logger: logger,
	})

	// HTTP server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.Authenticator = authSvc
	srv.HealthProbes = append(srv.HealthProbes, core.HealthProbeFunc{
		ProbeName: "database",
		Fn:        pool.Ping,
	})

	creditsHandler := handlers.NewCreditsHandler(
		gateway,
		statusSvc,
		entitlementsSvc,
		ledger,
		monitor,
		srv.Validator,
		metrics,
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, creditsHandler.RegisterRoutes)

	srv.MountRoutes()

	// Background maintenance: monthly refill grants and expiring-override
	// warnings. Both are idempotent, so crash-restart needs no catch-up
	// bookkeeping.
	go runMaintenanceSweeps(ctx, subs, gateway, cfg.Metering.SweepInterval, logger)

	return runHTTPServer(srv, cfg, logger)
}

// newPool builds the pgx pool with the configured sizing.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// appMetrics is the union of the metric surfaces the wiring needs.
type appMetrics interface {
	core.MetricsCollector
	reconcile.MetricsRecorder
	RecordConsumeDenied(ctx context.Context, reason string)
}

// newMetrics returns the CloudWatch recorder when enabled, the no-op
// recorder otherwise.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (appMetrics, error) {
	if !cfg.AWS.MetricsEnabled {
		return telemetry.NoopMetrics{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, err
	}
	return telemetry.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), logger), nil
}

// newBillingProvider returns the Stripe client, or the in-memory stub when
// configured for local development.
func newBillingProvider(cfg *config.Config, registry billing.PlanRegistry, logger *slog.Logger) external.BillingProvider {
	if cfg.Billing.StubProvider {
		logger.Warn("using stub billing provider; subscription state is in-memory only")
		return external.NewStubBillingProvider()
	}
	return external.NewStripeClient(nil, registry, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		Logger:    logger,
	})
}

// resolverPlanView adapts the plan resolver to the monitor's entitlements
// side.
func resolverPlanView(resolver *billing.Resolver) reconcile.ViewFetcherFunc {
	return func(ctx context.Context, userID string) (reconcile.PlanView, error) {
		resolved, err := resolver.Resolve(ctx, userID)
		if err != nil {
			return reconcile.PlanView{}, err
		}
		return reconcile.PlanView{Plan: resolved.Plan, Paid: resolved.Paid()}, nil
	}
}

// subscriptionStateReader is the slice of the subscription repo the snapshot
// fetcher needs.
type subscriptionStateReader interface {
	GetSubscriptionState(ctx context.Context, userID string) (*types.SubscriptionState, error)
}

// subscriptionPlanView adapts the raw subscription mirror to the monitor's
// snapshot side, deriving the plan label the same way the status view does.
func subscriptionPlanView(subs subscriptionStateReader) reconcile.ViewFetcherFunc {
	return func(ctx context.Context, userID string) (reconcile.PlanView, error) {
		state, err := subs.GetSubscriptionState(ctx, userID)
		if err != nil {
			return reconcile.PlanView{}, err
		}
		if state == nil || state.Plan == types.PlanFree || !state.Status.YieldsPaidLabel() {
			return reconcile.PlanView{Plan: types.PlanFree, Paid: false}, nil
		}
		return reconcile.PlanView{Plan: state.Plan, Paid: true}, nil
	}
}

// maintenanceStore is the slice of the subscription repo the sweeps need.
type maintenanceStore interface {
	DueForRefill(ctx context.Context) ([]types.SubscriptionState, error)
	ExpiringOverrides(ctx context.Context, now time.Time) ([]types.PlanOverride, error)
}

// refillApplier is the slice of the metering engine the refill sweep needs.
type refillApplier interface {
	ApplyRefill(ctx context.Context, userID string, amount int64, periodKey string) (*types.ConsumeResult, error)
}

// runMaintenanceSweeps loops the idempotent background work until ctx is
// canceled. Each refill is keyed by the calendar month, so re-running a sweep
// within the same period is a no-op at the ledger.
func runMaintenanceSweeps(ctx context.Context, subs maintenanceStore, gateway refillApplier, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sweepOnce(ctx, subs, gateway, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweepOnce(ctx context.Context, subs maintenanceStore, gateway refillApplier, logger *slog.Logger) {
	now := time.Now()
	periodKey := types.MonthKey(now)

	due, err := subs.DueForRefill(ctx)
	if err != nil {
		logger.Error("refill sweep query failed", "error", err)
	}
	var granted int
	for _, sub := range due {
		result, err := gateway.ApplyRefill(ctx, sub.UserID, sub.MonthlyCreditRefill, periodKey)
		if err != nil {
			logger.Error("refill grant failed",
				"user_id", sub.UserID,
				"period_key", periodKey,
				"error", err,
			)
			continue
		}
		if !result.Replayed {
			granted++
		}
	}
	if granted > 0 {
		logger.Info("monthly refills granted",
			"period_key", periodKey,
			"count", granted,
		)
	}

	expiring, err := subs.ExpiringOverrides(ctx, now)
	if err != nil {
		logger.Error("override sweep query failed", "error", err)
		return
	}
	for _, o := range expiring {
		logger.Warn("plan override expiring soon",
			"user_id", o.UserID,
			"plan_code", string(o.PlanCode),
			"expires_at", o.ExpiresAt,
		)
	}
}

// runHTTPServer starts the server with graceful shutdown on SIGINT/SIGTERM.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
