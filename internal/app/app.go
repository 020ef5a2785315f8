// Package app wires the shop core: storage, queue, domain services,
// background loops and the HTTP server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/address"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/cart"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/order"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/payment"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/shipment"
	"github.com/amirhossein-moloki/ecommerce-core/internal/gateway"
	"github.com/amirhossein-moloki/ecommerce-core/internal/handler"
	"github.com/amirhossein-moloki/ecommerce-core/internal/queue"
	"github.com/amirhossein-moloki/ecommerce-core/internal/shipping"
	"github.com/amirhossein-moloki/ecommerce-core/internal/storage/postgres"
	"github.com/amirhossein-moloki/ecommerce-core/pkg/health"
	"github.com/amirhossein-moloki/ecommerce-core/pkg/httpmiddleware"
)

const serviceName = "shop"

// Run creates all dependencies, starts the HTTP server and the background
// loops, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	tieBreak, err := cfg.TieBreak()
	if err != nil {
		return err
	}
	allowlist, err := cfg.Allowlist()
	if err != nil {
		return err
	}
	pricing, err := cfg.Pricing()
	if err != nil {
		return err
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

	// Redis-backed shipment queue.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return errors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis")
	}

	tasks := queue.New(rdb, cfg.Shipping.Queue)
	if n, err := tasks.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover shipment tasks")
	} else if n > 0 {
		lg.Info("Recovered unacknowledged shipment tasks", zap.Int("count", n))
	}

	meter := m.MeterProvider().Meter(serviceName)
	tracer := m.TracerProvider().Tracer(serviceName)

	// Repositories.
	txRunner := postgres.NewTransactor(pool)
	variantRepo := postgres.NewVariantRepository(pool)
	addressRepo := postgres.NewAddressRepository(pool)
	cartRepo := postgres.NewCartRepository(pool)
	discountRepo := postgres.NewDiscountRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)

	// Domain services.
	discounts := discount.NewEngine(discountRepo, tieBreak)
	addresses := address.NewService(addressRepo, txRunner)
	carts := cart.NewService(cartRepo, variantRepo, discounts, txRunner)
	orders := order.NewService(orderRepo, variantRepo, addresses, discounts, carts, txRunner, pricing)

	sweeper, err := order.NewSweeper(orderRepo, orders,
		cfg.Orders.PendingTimeout, cfg.Orders.SweepInterval,
		lg.Named("sweeper"), meter,
	)
	if err != nil {
		return errors.Wrap(err, "create sweeper")
	}

	gw := gateway.New(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		StartURL:       cfg.Gateway.StartURL,
		MerchantID:     cfg.Gateway.MerchantID,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		VerifyTimeout:  cfg.Gateway.VerifyTimeout,
	}, gateway.WithTelemetry(m.TracerProvider(), m.MeterProvider()))

	payments, err := payment.NewOrchestrator(
		orderRepo, variantRepo, discounts, paymentRepo, gw,
		shipment.NewDispatcher(tasks), txRunner,
		payment.Config{
			CallbackURL:   cfg.Gateway.CallbackURL,
			WebhookSecret: []byte(cfg.Gateway.WebhookSecret),
			Allowlist:     allowlist,
			Pricing:       pricing,
		},
		meter, tracer,
	)
	if err != nil {
		return errors.Wrap(err, "create payment orchestrator")
	}

	carrier := shipping.New(shipping.Config{
		BaseURL:         cfg.Shipping.BaseURL,
		APIKey:          cfg.Shipping.APIKey,
		CreateTimeout:   cfg.Shipping.CreateTimeout,
		TrackingTimeout: cfg.Shipping.TrackingTimeout,
		RatePerSecond:   cfg.Shipping.RatePerSecond,
	}, shipping.WithTelemetry(m.TracerProvider(), m.MeterProvider()))

	worker, err := shipment.NewWorker(tasks, orderRepo, addressRepo, variantRepo, orders, carrier,
		shipment.WorkerConfig{
			Workers:     cfg.Shipping.Workers,
			MaxAttempts: cfg.Shipping.MaxAttempts,
			RetryBase:   cfg.Shipping.RetryBase,
		},
		lg.Named("shipment"), meter,
	)
	if err != nil {
		return errors.Wrap(err, "create shipment worker")
	}
	tracker := shipment.NewTracker(orderRepo, orders, carrier)

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
	healthSvc.AddReadinessCheck("shipment_queue", 2*time.Second, health.BacklogCheck(
		func(ctx context.Context) (int64, error) {
			s, err := tasks.Stats(ctx)
			return s.Ready + s.Delayed, err
		}, cfg.Shipping.MaxBacklog,
	))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second),
		health.WithFailureThreshold(3))
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()

	// HTTP: probes plus the rate-limited payment callback.
	callbacks := http.NewServeMux()
	handler.New(handler.Config{SignatureHeader: cfg.Gateway.SignatureHeader}, payments).Register(callbacks)

	var callbackHandler http.Handler = callbacks
	if cfg.Gateway.CallbackRate > 0 {
		callbackHandler = httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Rate:  cfg.Gateway.CallbackRate,
			Burst: cfg.Gateway.CallbackBurst,
		})(callbacks)
	}

	mux := http.NewServeMux()
	healthSvc.Register(mux)
	mux.Handle("/payment/", callbackHandler)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.ClientIP(cfg.Gateway.TrustForwardedFor),
			httpmiddleware.Instrument(serviceName, m),
			httpmiddleware.LogRequests(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return tasks.RunPromoter(gctx, cfg.Shipping.PromoteInterval, lg.Named("queue"))
	})
	if cfg.Shipping.TrackingInterval > 0 {
		g.Go(func() error {
			return tracker.RunPoller(gctx, orderRepo, cfg.Shipping.TrackingInterval, cfg.Shipping.TrackingBatch, lg.Named("tracking"))
		})
	}

	// Graceful shutdown: wait for cancellation or a failed loop, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}
