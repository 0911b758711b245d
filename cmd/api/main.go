package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"clinicbooking/internal/api"
	"clinicbooking/internal/availability"
	"clinicbooking/internal/cache"
	"clinicbooking/internal/config"
	"clinicbooking/internal/database"
	"clinicbooking/internal/domain"
	"clinicbooking/internal/events"
	"clinicbooking/internal/gateway"
	"clinicbooking/internal/logging"
	"clinicbooking/internal/metrics"
	"clinicbooking/internal/service"
	"clinicbooking/internal/worker"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	availabilityCache, cacheCloser := initCache(ctx, cfg, logger)
	if cacheCloser != nil {
		defer cacheCloser.Close()
	}

	bus := events.NewEventBus()
	var sink events.Publisher = events.LogPublisher{Logger: logging.Component(logger, "events")}
	if pub := initBroker(cfg, logger); pub != nil {
		defer pub.Close()
		sink = pub
	}

	metrics.Register()

	gw := gateway.New(cfg.Gateway, logger)
	calculator := availability.NewCalculator(cfg.Booking)

	bookings := service.NewBookingService(db, availabilityCache, gw, calculator, bus,
		service.GatewaySettings{Currency: cfg.Gateway.Currency, Timeout: cfg.Gateway.Timeout}, logger)
	payments := service.NewReconciliationService(db, availabilityCache, gw, bus, logger)
	avail := service.NewAvailabilityService(db, availabilityCache, calculator, cfg.Cache.TTL, logger)

	reaper := worker.NewReaper(db, payments, cfg.Booking, worker.RetryPolicy{}, logger)
	relay := worker.NewOutboxRelay(db, sink, cfg.Events, worker.RetryPolicy{}, logger)
	backups := database.NewBackupService(db, cfg.Backup, logging.Component(logger, "backup"))

	deps := api.Dependencies{
		Bookings:     bookings,
		Payments:     payments,
		Availability: avail,
		Store:        db,
	}
	// metrics share the API port unless a dedicated one is configured
	if !cfg.Monitoring.PrometheusEnabled {
		deps.Metrics = metrics.Handler()
	}
	httpServer := api.NewHTTPServer(cfg.API, deps, logger)

	var wg sync.WaitGroup
	startBackground(ctx, &wg, reaper.Start)
	startBackground(ctx, &wg, relay.Start)
	startBackground(ctx, &wg, backups.Start)
	if cfg.Monitoring.PrometheusEnabled {
		startBackground(ctx, &wg, func(ctx context.Context) {
			startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
		})
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Str("gateway_mode", cfg.Gateway.Mode).Msg("API server started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	wg.Wait()

	logger.Info().Msg("API server stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger, database.Options{BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	catalog := cfg.Catalog
	if len(catalog.Services) > 0 || len(catalog.Clinics) > 0 || catalog.Fees != nil {
		if err := db.SeedCatalog(ctx, catalog.Services, catalog.Clinics, catalog.Fees); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
	}
	return db, nil
}

// initCache prefers redis and falls back per redis.fallback while it is unreachable.
func initCache(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.AvailabilityCache, io.Closer) {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis not configured, using in-process availability cache")
		return cache.NewMemoryCache(), nil
	}

	redisCache := cache.NewRedisCache(cache.NewRedisClient(cfg.Redis))
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := redisCache.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, starting degraded")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	var fallback domain.AvailabilityCache = cache.NopCache{}
	if cfg.Redis.Fallback == config.FallbackMemory {
		fallback = cache.NewMemoryCache()
	}
	return cache.NewFailoverCache(redisCache, fallback, logging.Component(logger, "cache")), redisCache
}

func initBroker(cfg *config.Config, logger *zerolog.Logger) *events.AMQPPublisher {
	if cfg.Events.AMQPURL == "" {
		return nil
	}
	pub, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
	if err != nil {
		logger.Warn().Err(err).Msg("rabbitmq unavailable, outbox events go to the log")
		return nil
	}
	logger.Info().Str("exchange", cfg.Events.Exchange).Msg("outbox relay publishing to rabbitmq")
	return pub
}

func startBackground(ctx context.Context, wg *sync.WaitGroup, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
