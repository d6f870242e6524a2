package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"challenge-backend/config"
	"challenge-backend/handlers"
	"challenge-backend/lease"
	"challenge-backend/metrics"
	"challenge-backend/middleware"
	"challenge-backend/repository"
	"challenge-backend/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if err := cfg.ConfigureLogging(); err != nil {
		logrus.WithError(err).Fatal("invalid logging configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	repo, err := openRepository(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open repository")
	}

	locker, redisClient, err := openLocker(ctx, cfg, clock)
	if err != nil {
		logrus.WithError(err).Fatal("failed to set up lease service")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	scheduler := services.NewMatchmakingScheduler(repo, locker, metrics.NewMetrics(registry), clock, services.SchedulerConfig{
		SupportedRounds:      cfg.SupportedRounds,
		DiscoverQueuedRounds: cfg.DiscoverQueuedRounds,
		Queue: services.TaskConfig{
			Interval: cfg.QueueTickInterval,
			MinHold:  cfg.QueueLockMinHold,
			MaxHold:  cfg.QueueLockMaxHold,
		},
		Cleanup: services.TaskConfig{
			Interval: cfg.CleanupTickInterval,
			MinHold:  cfg.CleanupLockMinHold,
			MaxHold:  cfg.CleanupLockMaxHold,
		},
	})
	if err := scheduler.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to start matchmaking scheduler")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Trim spaces around each configured origin
	origins := strings.Split(cfg.AllowedOrigins, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-User-ID",
		MaxAge:       86400,
	}))

	// Probes and scrapers bypass the gateway
	handlers.SetupSystemRoutes(app, registry)

	// 🔐❗ Everything below only accepts Gateway requests
	app.Use(middleware.GatewayAuthMiddleware(cfg.GameServiceToken))

	handlers.SetupMatchmakingRoutes(app, &handlers.MatchmakingHandler{
		Service: services.NewMatchmakingService(repo, clock, cfg.SupportedRounds, cfg.QueueEntryTTL),
		Status:  services.NewQueueStatusReader(repo, cfg.WaitPerPosition),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			logrus.WithError(err).Error("Server error")
			stop()
		}
	}()

	logrus.Infof("✅ Server running on %s", cfg.HTTPAddr)
	logrus.Infof("✅ Matchmaking ticks running (queue every %s, cleanup every %s)", cfg.QueueTickInterval, cfg.CleanupTickInterval)
	logrus.Infof("✅ Store: %s, leases: %s", cfg.StoreDriver, cfg.LockDriver)

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logrus.WithError(err).Warn("http shutdown did not complete cleanly")
	}
	if err := scheduler.Stop(); err != nil {
		logrus.WithError(err).Warn("scheduler shutdown did not complete cleanly")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			logrus.WithError(err).Warn("failed to close redis client")
		}
	}
}

func openRepository(cfg config.Config) (services.Repository, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logrus.Warn("⚠️  Using in-memory store, queue state is lost on restart and not shared across instances")
		return repository.NewMemoryRepository(), nil
	}

	db, err := repository.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	repo := repository.NewGormRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		return nil, err
	}
	return repo, nil
}

func openLocker(ctx context.Context, cfg config.Config, clock clockwork.Clock) (lease.Locker, *redis.Client, error) {
	if cfg.LockDriver == config.LockDriverLocal {
		logrus.Warn("⚠️  Using process-local leases, run a single instance only")
		return lease.NewLocalLocker(clock), nil, nil
	}

	client, err := lease.NewRedisClient(ctx, lease.RedisOptions{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, nil, err
	}
	return lease.NewRedisLocker(client, clock), client, nil
}
