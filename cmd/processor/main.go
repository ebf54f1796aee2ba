package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tablestack/payproc/internal/bootstrap"
	"github.com/tablestack/payproc/internal/breaker"
	"github.com/tablestack/payproc/internal/infrastructure/config"
	infraRedis "github.com/tablestack/payproc/internal/infrastructure/redis"
	"github.com/tablestack/payproc/internal/ingress"
	"github.com/tablestack/payproc/internal/intent"
	"github.com/tablestack/payproc/internal/processor"
	"github.com/tablestack/payproc/internal/providers"
	"github.com/tablestack/payproc/internal/repository/postgres"
	"github.com/tablestack/payproc/internal/webhook"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.New(ctx, "payproc-processor", "payproc")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config

	// --- Storage and cross-instance locking ---
	store := postgres.NewAttemptStore(app.Pool)
	locker := infraRedis.NewLocker(app.Redis, cfg.Redis.LockTTL)

	// --- Providers ---
	factory := buildProviders(cfg)
	app.Logger.Info().Strs("providers", factory.Names()).Msg("Providers registered")

	// --- Circuit breaker ---
	brk := breaker.New(
		cfg.Processor.CircuitBreakerThreshold,
		cfg.Processor.CircuitBreakerCooldown,
		breaker.WithStateChange(func(key breaker.Key, open bool) {
			val := 0.0
			if open {
				val = 1.0
			}
			app.Metrics.CircuitBreakerState.WithLabelValues(key.Provider, key.OrgID).Set(val)
			app.Logger.Warn().
				Str("provider", key.Provider).
				Str("org_id", key.OrgID).
				Bool("open", open).
				Msg("Circuit breaker state changed")
		}),
	)

	// --- Intent notifications ---
	var notifier intent.Notifier = intent.NopNotifier{}
	if cfg.Intent.NotifyEndpoint != "" {
		notifier = intent.NewHTTPNotifier(cfg.Intent.NotifyEndpoint, app.Logger, app.Metrics)
	}

	// --- Actor manager and webhook reconciler ---
	manager := processor.NewManager(store, factory, brk, notifier, locker, app.Logger, app.Metrics, processor.Config{
		RetryPolicy: breaker.RetryPolicy{
			MaxAttempts:  cfg.Processor.MaxRetries,
			InitialDelay: cfg.Processor.BackoffInitialDelay,
			MaxDelay:     cfg.Processor.BackoffMaxDelay,
			Multiplier:   cfg.Processor.BackoffMultiplier,
		},
		CallTimeout: cfg.Processor.ProviderCallTimeout,
	})
	defer manager.Close()

	reconciler := webhook.NewReconciler(factory, manager, app.Logger, app.Metrics)

	// --- HTTP server ---
	router := ingress.NewRouter(ingress.RouterDeps{
		Pool:        app.Pool,
		RedisClient: app.Redis,
		Reconciler:  reconciler,
		Metrics:     app.Metrics,
		CORSConfig:  cfg.Server.CORS,
		Logger:      app.Logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		app.Logger.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		app.Logger.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	app.Logger.Info().Msg("Server exited")
}

// buildProviders constructs the configured provider adapters. Names without
// configuration fall back to the local mock networks.
func buildProviders(cfg *config.Config) *providers.Factory {
	var list []providers.Provider
	for name, pc := range cfg.Providers {
		timeout := pc.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		switch name {
		case "cardstream":
			transport := providers.NewHTTPTransport(pc.BaseURL, pc.APIKey, timeout)
			list = append(list, providers.NewCardstream(transport, pc.WebhookSecret))
		case "vantiv":
			transport := providers.NewHTTPTransport(pc.BaseURL, pc.APIKey, timeout)
			list = append(list, providers.NewVantiv(transport, pc.MerchantID, pc.WebhookSecret))
		default:
			list = append(list, providers.NewMockProvider(name))
		}
	}
	return providers.NewFactory(list...)
}
