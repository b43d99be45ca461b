/**
 * @description
 * This package handles the configuration management for the settlement service. It uses
 * Viper to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: application configuration.
 * - github.com/shopspring/decimal: money-valued settings.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/coursemarket/settlement-service/internal/domain"
)

// Config holds all the configuration variables for the settlement-service.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	MigrationsEnabled           bool   `mapstructure:"MIGRATIONS_ENABLED"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	CheckoutRateLimitPerMinute  int    `mapstructure:"CHECKOUT_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	EventBroker                 string `mapstructure:"EVENT_BROKER"`
	KafkaBrokers                string `mapstructure:"KAFKA_BROKERS"`
	EventsExchange              string `mapstructure:"EVENTS_EXCHANGE"`
	PayoutDisbursementQueue     string `mapstructure:"PAYOUT_DISBURSEMENT_QUEUE"`
	JWKSURL                     string `mapstructure:"JWKS_URL"`
	JWTIssuer                   string `mapstructure:"JWT_ISSUER"`
	JWTAudience                 string `mapstructure:"JWT_AUDIENCE"`
	CatalogServiceURL           string `mapstructure:"CATALOG_SERVICE_URL"`
	CatalogServiceAPIKey        string `mapstructure:"CATALOG_SERVICE_API_KEY"`
	InternalAPIKey              string `mapstructure:"INTERNAL_API_KEY"`
	AlphaTmnCode                string `mapstructure:"ALPHA_TMN_CODE"`
	AlphaHashSecret             string `mapstructure:"ALPHA_HASH_SECRET"`
	AlphaPaymentURL             string `mapstructure:"ALPHA_PAYMENT_URL"`
	AlphaAPIURL                 string `mapstructure:"ALPHA_API_URL"`
	AlphaReturnURL              string `mapstructure:"ALPHA_RETURN_URL"`
	AlphaFeePercent             string `mapstructure:"ALPHA_FEE_PERCENT"`
	AlphaFeeFixed               string `mapstructure:"ALPHA_FEE_FIXED"`
	BetaAppID                   string `mapstructure:"BETA_APP_ID"`
	BetaKey1                    string `mapstructure:"BETA_KEY1"`
	BetaKey2                    string `mapstructure:"BETA_KEY2"`
	BetaEndpoint                string `mapstructure:"BETA_ENDPOINT"`
	BetaCallbackURL             string `mapstructure:"BETA_CALLBACK_URL"`
	BetaFeePercent              string `mapstructure:"BETA_FEE_PERCENT"`
	BetaFeeFixed                string `mapstructure:"BETA_FEE_FIXED"`
	PaymentExpiryMinutes        int    `mapstructure:"PAYMENT_EXPIRY_MINUTES"`
	DefaultCurrency             string `mapstructure:"DEFAULT_CURRENCY"`
	SettlementTimezone          string `mapstructure:"SETTLEMENT_TIMEZONE"`
	PayoutTransferFee           string `mapstructure:"PAYOUT_TRANSFER_FEE"`
	PayoutWorkerPoolSize        int    `mapstructure:"PAYOUT_WORKER_POOL_SIZE"`
	ReconcilePaymentsSchedule   string `mapstructure:"RECONCILE_PAYMENTS_SCHEDULE"`
	ReconcileRefundsSchedule    string `mapstructure:"RECONCILE_REFUNDS_SCHEDULE"`
	PayoutBatchSchedule         string `mapstructure:"PAYOUT_BATCH_SCHEDULE"`
	PendingPaymentMinAgeMinutes int    `mapstructure:"PENDING_PAYMENT_MIN_AGE_MINUTES"`
	ReconcileBatchSize          int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	LogLevel                    string `mapstructure:"LOG_LEVEL"`
	LogFile                     string `mapstructure:"LOG_FILE"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("MIGRATIONS_ENABLED", true)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "settlement:rate_limit")
	viper.SetDefault("CHECKOUT_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("EVENT_BROKER", "rabbitmq")
	viper.SetDefault("EVENTS_EXCHANGE", "settlement.events")
	viper.SetDefault("PAYOUT_DISBURSEMENT_QUEUE", "settlement.payout_disbursements")
	viper.SetDefault("ALPHA_FEE_PERCENT", "0")
	viper.SetDefault("ALPHA_FEE_FIXED", "0")
	viper.SetDefault("BETA_FEE_PERCENT", "0")
	viper.SetDefault("BETA_FEE_FIXED", "0")
	viper.SetDefault("PAYMENT_EXPIRY_MINUTES", 15)
	viper.SetDefault("DEFAULT_CURRENCY", "VND")
	viper.SetDefault("SETTLEMENT_TIMEZONE", "Asia/Ho_Chi_Minh")
	viper.SetDefault("PAYOUT_TRANSFER_FEE", "0")
	viper.SetDefault("PAYOUT_WORKER_POOL_SIZE", 8)
	viper.SetDefault("RECONCILE_PAYMENTS_SCHEDULE", "@every 5m")
	viper.SetDefault("RECONCILE_REFUNDS_SCHEDULE", "@every 10m")
	viper.SetDefault("PAYOUT_BATCH_SCHEDULE", "0 2 8 * *")
	viper.SetDefault("PENDING_PAYMENT_MIN_AGE_MINUTES", 20)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 100)
	viper.SetDefault("LOG_LEVEL", "info")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("MIGRATIONS_ENABLED")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("CHECKOUT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_BROKER")
	_ = viper.BindEnv("KAFKA_BROKERS")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYOUT_DISBURSEMENT_QUEUE")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("CATALOG_SERVICE_URL")
	_ = viper.BindEnv("CATALOG_SERVICE_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ALPHA_TMN_CODE")
	_ = viper.BindEnv("ALPHA_HASH_SECRET")
	_ = viper.BindEnv("ALPHA_PAYMENT_URL")
	_ = viper.BindEnv("ALPHA_API_URL")
	_ = viper.BindEnv("ALPHA_RETURN_URL")
	_ = viper.BindEnv("ALPHA_FEE_PERCENT")
	_ = viper.BindEnv("ALPHA_FEE_FIXED")
	_ = viper.BindEnv("BETA_APP_ID")
	_ = viper.BindEnv("BETA_KEY1")
	_ = viper.BindEnv("BETA_KEY2")
	_ = viper.BindEnv("BETA_ENDPOINT")
	_ = viper.BindEnv("BETA_CALLBACK_URL")
	_ = viper.BindEnv("BETA_FEE_PERCENT")
	_ = viper.BindEnv("BETA_FEE_FIXED")
	_ = viper.BindEnv("PAYMENT_EXPIRY_MINUTES")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("SETTLEMENT_TIMEZONE")
	_ = viper.BindEnv("PAYOUT_TRANSFER_FEE")
	_ = viper.BindEnv("PAYOUT_WORKER_POOL_SIZE")
	_ = viper.BindEnv("RECONCILE_PAYMENTS_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_REFUNDS_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_BATCH_SCHEDULE")
	_ = viper.BindEnv("PENDING_PAYMENT_MIN_AGE_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FILE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "settlement:rate_limit"
	}
	config.EventBroker = strings.ToLower(strings.TrimSpace(config.EventBroker))
	if config.EventBroker != "kafka" {
		config.EventBroker = "rabbitmq"
	}
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "VND"
	}
	config.CatalogServiceAPIKey = strings.TrimSpace(config.CatalogServiceAPIKey)
	if config.CatalogServiceAPIKey == "" {
		config.CatalogServiceAPIKey = strings.TrimSpace(config.InternalAPIKey)
	}

	config.AlphaFeePercent = normalizeDecimal("ALPHA_FEE_PERCENT", config.AlphaFeePercent, true)
	config.AlphaFeeFixed = normalizeDecimal("ALPHA_FEE_FIXED", config.AlphaFeeFixed, false)
	config.BetaFeePercent = normalizeDecimal("BETA_FEE_PERCENT", config.BetaFeePercent, true)
	config.BetaFeeFixed = normalizeDecimal("BETA_FEE_FIXED", config.BetaFeeFixed, false)
	config.PayoutTransferFee = normalizeDecimal("PAYOUT_TRANSFER_FEE", config.PayoutTransferFee, false)

	if _, locErr := time.LoadLocation(strings.TrimSpace(config.SettlementTimezone)); locErr != nil {
		log.Printf("level=warn component=config msg=\"invalid SETTLEMENT_TIMEZONE; falling back to GMT+7\" value=%q err=%v", config.SettlementTimezone, locErr)
		config.SettlementTimezone = ""
	}

	if config.CheckoutRateLimitPerMinute <= 0 {
		config.CheckoutRateLimitPerMinute = 10
	}
	if config.PaymentExpiryMinutes <= 0 {
		config.PaymentExpiryMinutes = 15
	}
	if config.PayoutWorkerPoolSize <= 0 {
		config.PayoutWorkerPoolSize = 8
	}
	if config.PendingPaymentMinAgeMinutes <= 0 {
		config.PendingPaymentMinAgeMinutes = 20
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 100
	}

	return
}

// normalizeDecimal coerces a money or percentage setting to a valid non-negative decimal string.
func normalizeDecimal(key, raw string, percentage bool) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "0"
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid decimal setting; using zero\" key=%s value=%q err=%v", key, value, err)
		return "0"
	}
	if parsed.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative setting configured; coercing to zero\" key=%s value=%s", key, value)
		return "0"
	}
	if percentage && parsed.GreaterThan(domain.OneHundredPercent) {
		log.Printf("level=warn component=config msg=\"percentage too high; capping at 100\" key=%s value=%s", key, value)
		return "100"
	}
	return parsed.String()
}

// Location is the timezone civil dates and payout periods are computed in.
func (c Config) Location() *time.Location {
	if name := strings.TrimSpace(c.SettlementTimezone); name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.FixedZone("GMT+7", 7*60*60)
}

// AlphaFees is the fee schedule charged by the Alpha provider.
func (c Config) AlphaFees() domain.FeeSchedule {
	return domain.FeeSchedule{Percent: mustDecimal(c.AlphaFeePercent), Fixed: mustDecimal(c.AlphaFeeFixed)}
}

// BetaFees is the fee schedule charged by the Beta provider.
func (c Config) BetaFees() domain.FeeSchedule {
	return domain.FeeSchedule{Percent: mustDecimal(c.BetaFeePercent), Fixed: mustDecimal(c.BetaFeeFixed)}
}

// TransferFee is the default bank transfer fee applied to new payouts.
func (c Config) TransferFee() decimal.Decimal {
	return mustDecimal(c.PayoutTransferFee)
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// PendingPaymentMinAge is how old a PENDING transaction must be before it is reconciled.
func (c Config) PendingPaymentMinAge() time.Duration {
	return time.Duration(c.PendingPaymentMinAgeMinutes) * time.Minute
}

// PaymentExpiry is how long a provider payment page stays valid.
func (c Config) PaymentExpiry() time.Duration {
	return time.Duration(c.PaymentExpiryMinutes) * time.Minute
}

func mustDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero
	}
	return d
}
