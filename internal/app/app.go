package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/orderdesk-bridge/internal/bridge"
	"github.com/xenking/orderdesk-bridge/internal/cache"
	"github.com/xenking/orderdesk-bridge/internal/domain/store"
	"github.com/xenking/orderdesk-bridge/internal/domain/tenant"
	"github.com/xenking/orderdesk-bridge/internal/engine"
	"github.com/xenking/orderdesk-bridge/internal/handler"
	"github.com/xenking/orderdesk-bridge/internal/ratelimit"
	"github.com/xenking/orderdesk-bridge/internal/storage/postgres"
	"github.com/xenking/orderdesk-bridge/internal/upstream"
	"github.com/xenking/orderdesk-bridge/internal/vault"
	"github.com/xenking/orderdesk-bridge/pkg/health"
	"github.com/xenking/orderdesk-bridge/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the health server, and handles
// graceful shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// Root encryption key is validated up front; nothing else works
	// without it.
	v, err := vault.New(cfg.RootKey)
	if err != nil {
		return errors.Wrap(err, "create vault")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	meter := m.MeterProvider().Meter("orderdesk-bridge")

	// Rate limiter with background cleanup of idle buckets.
	limiter := ratelimit.New(ratelimit.Config{
		Capacity: cfg.RateLimit.Capacity,
		Rate:     cfg.RateLimit.Rate,
	})
	limiter.StartCleanup(ctx, cfg.Cache.CleanupInterval)

	// Read-through cache with background expiry sweeps.
	c, err := cache.New(meter)
	if err != nil {
		return errors.Wrap(err, "create cache")
	}
	c.StartSweeper(ctx, cfg.Cache.SweepInterval)
	ttl := cache.TTLPolicy{
		Default: cfg.Cache.DefaultTTL,
		ByResource: map[string]time.Duration{
			upstream.Orders.Name:         cfg.Cache.OrdersTTL,
			upstream.InventoryItems.Name: cfg.Cache.InventoryTTL,
			upstream.Store.Name:          cfg.Cache.StoreTTL,
		},
	}

	// Upstream client factory.
	factory, err := upstream.NewFactory(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		ReadTimeout:    cfg.Upstream.ReadTimeout,
		MaxRetries:     cfg.Upstream.MaxRetries,
	}, limiter, meter)
	if err != nil {
		return errors.Wrap(err, "create upstream factory")
	}

	// Repositories + domain services.
	tenantRepo := postgres.NewTenantRepository(pool)
	storeRepo := postgres.NewStoreRepository(pool)
	tenantSvc := tenant.NewService(v, tenantRepo, cfg.AutoProvision)
	storeSvc := store.NewService(v, storeRepo)
	eng := engine.New(engine.Config{MaxAttempts: cfg.Mutation.MaxAttempts}, c)

	b := bridge.New(v, tenantSvc, storeSvc, factory, c, ttl, eng)

	// Health endpoints + the JSON operation surface on one server.
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/v1/", handler.NewHandler(b))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "X-Master-Key"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.HTTPRateLimit.Max,
				Window: cfg.HTTPRateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
