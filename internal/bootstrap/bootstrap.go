// Package bootstrap builds the long-lived dependencies shared by the server and the CLI.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/app"
	"github.com/coursemarket/settlement-service/internal/config"
	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/pkg/gateway"
	"github.com/coursemarket/settlement-service/pkg/gateway/alpha"
	"github.com/coursemarket/settlement-service/pkg/gateway/beta"
	"github.com/coursemarket/settlement-service/pkg/kafka"
	"github.com/coursemarket/settlement-service/pkg/rabbitmq"
)

// Publisher is an event publisher holding a broker connection.
type Publisher interface {
	app.EventPublisher
	Close()
}

// NewPublisher connects the configured event broker. An unreachable RabbitMQ degrades to
// a logging no-op so the service can still take payments.
func NewPublisher(cfg config.Config, logger *zap.Logger) (Publisher, error) {
	if cfg.EventBroker == "kafka" {
		brokers := cfg.KafkaBrokerList()
		if len(brokers) == 0 {
			return nil, fmt.Errorf("kafka brokers must be configured")
		}
		logger.Info("kafka producer configured", zap.Strings("brokers", brokers))
		return kafka.NewProducer(brokers, logger), nil
	}

	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		return &rabbitmq.EventProducerFallback{Logger: logger}, nil
	}
	logger.Info("rabbitmq producer connected")
	return producer, nil
}

// OpenPool connects to PostgreSQL with the pool limits used by every entrypoint.
func OpenPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 20
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = maxConns / 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Prepared statement caching conflicts with transaction poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Gateways registers a client for every provider whose credentials are configured.
func Gateways(cfg config.Config) *gateway.Registry {
	loc := cfg.Location()
	registry := gateway.NewRegistry()
	if cfg.AlphaTmnCode != "" && cfg.AlphaHashSecret != "" {
		registry.Register(alpha.NewClient(alpha.Config{
			TmnCode:     cfg.AlphaTmnCode,
			HashSecret:  cfg.AlphaHashSecret,
			PaymentURL:  cfg.AlphaPaymentURL,
			APIURL:      cfg.AlphaAPIURL,
			ReturnURL:   cfg.AlphaReturnURL,
			Currency:    cfg.DefaultCurrency,
			ExpireAfter: cfg.PaymentExpiry(),
			Location:    loc,
		}))
	}
	if cfg.BetaAppID != "" && cfg.BetaKey1 != "" && cfg.BetaKey2 != "" {
		registry.Register(beta.NewClient(beta.Config{
			AppID:       cfg.BetaAppID,
			Key1:        cfg.BetaKey1,
			Key2:        cfg.BetaKey2,
			Endpoint:    cfg.BetaEndpoint,
			CallbackURL: cfg.BetaCallbackURL,
			ExpireAfter: cfg.PaymentExpiry(),
			Location:    loc,
		}))
	}
	return registry
}

// ServiceSettings maps the loaded configuration onto the service tunables.
func ServiceSettings(cfg config.Config) app.Settings {
	return app.Settings{
		EventsExchange:  cfg.EventsExchange,
		DefaultCurrency: cfg.DefaultCurrency,
		Location:        cfg.Location(),
		Fees: map[gateway.Provider]domain.FeeSchedule{
			gateway.ProviderAlpha: cfg.AlphaFees(),
			gateway.ProviderBeta:  cfg.BetaFees(),
		},
		PayoutTransferFee:      cfg.TransferFee(),
		PayoutWorkers:          cfg.PayoutWorkerPoolSize,
		CheckoutLimitPerMinute: cfg.CheckoutRateLimitPerMinute,
	}
}

// JobSettings maps the loaded configuration onto the scheduled job tunables.
func JobSettings(cfg config.Config) app.JobSettings {
	return app.JobSettings{
		PendingMinAge: cfg.PendingPaymentMinAge(),
		BatchSize:     cfg.ReconcileBatchSize,
		Location:      cfg.Location(),
	}
}
