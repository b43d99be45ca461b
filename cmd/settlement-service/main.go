/**
 * @description
 * This is the main entry point for the settlement-service. It initializes configuration,
 * the database connection, the event broker, payment gateways and the HTTP server, then
 * runs the cron scheduler and the payout disbursement consumer until shutdown.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/api"
	"github.com/coursemarket/settlement-service/internal/app"
	"github.com/coursemarket/settlement-service/internal/bootstrap"
	"github.com/coursemarket/settlement-service/internal/config"
	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/internal/logging"
	"github.com/coursemarket/settlement-service/internal/store"
	"github.com/coursemarket/settlement-service/pkg/catalogclient"
	"github.com/coursemarket/settlement-service/pkg/kafka"
	"github.com/coursemarket/settlement-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using process environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}

	logger := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logger.Sync()
	logger.Info("starting settlement-service", zap.String("port", cfg.ServerPort), zap.String("event_broker", cfg.EventBroker))

	if cfg.MigrationsEnabled {
		if err := store.MigrateUp(cfg.DatabaseURL); err != nil {
			logger.Fatal("database migration failed", zap.Error(err))
		}
		logger.Info("database migrations applied")
	}

	dbpool, err := bootstrap.OpenPool(context.Background(), cfg.DatabaseURL, 100)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	logger.Info("database connected")

	publisher, err := bootstrap.NewPublisher(cfg, logger)
	if err != nil {
		logger.Fatal("event publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	registry := bootstrap.Gateways(cfg)
	if len(registry.Providers()) == 0 {
		logger.Warn("no payment provider configured; checkout is disabled")
	}

	if cfg.CatalogServiceURL == "" {
		logger.Warn("catalog service url missing; checkout and payout bank details will fail", zap.String("env", "CATALOG_SERVICE_URL"))
	}
	catalog := catalogclient.NewClient(cfg.CatalogServiceURL, cfg.CatalogServiceAPIKey)

	repository := store.NewPostgresRepository(dbpool)
	settlementService := app.NewService(repository, registry, catalog, publisher, bootstrap.ServiceSettings(cfg), logger)

	if redisClient := newRedisClient(cfg, logger); redisClient != nil {
		defer redisClient.Close()
		settlementService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	consumerCtx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	disbursements := app.NewPayoutDisbursementConsumer(settlementService, logger)
	stopDisbursements := startDisbursementConsumer(consumerCtx, cfg, disbursements, logger)
	defer stopDisbursements()

	jobs := app.NewJobs(settlementService, logger, bootstrap.JobSettings(cfg))
	scheduler := app.NewScheduler(jobs, logger, app.ScheduleSettings{
		ReconcilePayments: cfg.ReconcilePaymentsSchedule,
		ReconcileRefunds:  cfg.ReconcileRefundsSchedule,
		PayoutBatch:       cfg.PayoutBatchSchedule,
		Location:          cfg.Location(),
	})
	scheduler.Start()

	if cfg.JWKSURL == "" {
		logger.Warn("jwks url missing; authenticated routes will reject every token", zap.String("env", "JWKS_URL"))
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("internal api key missing; internal routes are disabled", zap.String("env", "INTERNAL_API_KEY"))
	}
	handler := api.NewHandler(settlementService, logger)
	auth := api.JWTAuthMiddleware(api.NewJWKSCache(cfg.JWKSURL, 0), cfg.JWTIssuer, cfg.JWTAudience)
	router := api.NewRouter(handler, auth, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
	<-scheduler.Stop().Done()
	stopConsumers()

	logger.Info("shutdown complete")
}

func newRedisClient(cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; checkout rate limiting disabled", zap.String("env", "REDIS_URL"))
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; checkout rate limiting disabled", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; checkout rate limiting disabled", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

// startDisbursementConsumer subscribes to bank disbursement outcomes and returns a func
// that releases the broker connection.
func startDisbursementConsumer(ctx context.Context, cfg config.Config, c *app.PayoutDisbursementConsumer, logger *zap.Logger) func() {
	if cfg.EventBroker == "kafka" {
		consumer := kafka.NewConsumer(cfg.KafkaBrokerList(), cfg.PayoutDisbursementQueue, cfg.EventsExchange, logger)
		go func() {
			err := consumer.Run(ctx, map[string]kafka.Handler{
				domain.EventDisbursementCompleted: c.HandleCompleted,
				domain.EventDisbursementFailed:    c.HandleFailed,
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("disbursement consumer stopped", zap.Error(err))
			}
		}()
		return func() {}
	}

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; disbursement outcomes must be recorded through the admin api", zap.Error(err))
		return func() {}
	}
	bindings := map[string]rabbitmq.Handler{
		domain.EventDisbursementCompleted: c.HandleCompleted,
		domain.EventDisbursementFailed:    c.HandleFailed,
	}
	if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PayoutDisbursementQueue, bindings); err != nil {
		logger.Fatal("disbursement consumer start failed", zap.Error(err))
	}
	logger.Info("disbursement consumer started", zap.String("queue", cfg.PayoutDisbursementQueue))
	return consumer.Close
}
