/**
 * @description
 * This file contains the core business logic for the settlement-service. The `Service`
 * struct orchestrates every money movement the service is responsible for, coordinating
 * between the database repository, the payment gateway registry, the course catalog and
 * the event bus.
 *
 * Key features:
 * - Checkout initiation and provider callback processing (payments.go).
 * - Refund submission and reconciliation (refunds.go).
 * - Revenue share administration (revenue_share.go).
 * - Monthly payout batches and payout administration (payouts.go).
 *
 * @dependencies
 * - go.uber.org/zap: structured logging.
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/gateway, pkg/catalogclient: external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/internal/store"
	"github.com/coursemarket/settlement-service/pkg/catalogclient"
	"github.com/coursemarket/settlement-service/pkg/gateway"
)

var (
	ErrCourseNotPurchasable = errors.New("course version is not purchasable")
	ErrNotRefundable        = errors.New("transaction has no provider reference to refund")
)

// RateLimitError is returned when a caller exceeded the checkout rate limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %ds", e.RetryAfterSeconds)
}

// EventPublisher is the event bus the service publishes domain events to.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// CourseCatalog is the subset of the catalog service the settlement core depends on.
type CourseCatalog interface {
	GetCourseVersion(ctx context.Context, versionID uuid.UUID) (*catalogclient.CourseVersion, error)
	GetTeacherPayoutProfile(ctx context.Context, teacherID uuid.UUID) (*catalogclient.PayoutProfile, error)
}

// RateLimiter counts attempts per (scope, subject) inside a rolling window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Settings carries the tunables the service reads at runtime.
type Settings struct {
	EventsExchange         string
	DefaultCurrency        string
	Location               *time.Location
	Fees                   map[gateway.Provider]domain.FeeSchedule
	PayoutTransferFee      decimal.Decimal
	PayoutWorkers          int
	CheckoutLimitPerMinute int
}

// Service provides the core business logic for settlement.
type Service struct {
	repo      store.Repository
	gateways  *gateway.Registry
	catalog   CourseCatalog
	publisher EventPublisher
	limiter   RateLimiter
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, gateways *gateway.Registry, catalog CourseCatalog, publisher EventPublisher, settings Settings, logger *zap.Logger) *Service {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.DefaultCurrency == "" {
		settings.DefaultCurrency = "VND"
	}
	if settings.EventsExchange == "" {
		settings.EventsExchange = "settlement.events"
	}
	if settings.PayoutWorkers <= 0 {
		settings.PayoutWorkers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		gateways:  gateways,
		catalog:   catalog,
		publisher: publisher,
		settings:  settings,
		logger:    logger.With(zap.String("component", "settlement")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRateLimiter enables checkout rate limiting.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// Gateway resolves the client for a provider.
func (s *Service) Gateway(provider gateway.Provider) (gateway.Client, error) {
	return s.gateways.Resolve(provider)
}

// Location is the timezone settlement dates and periods are evaluated in.
func (s *Service) Location() *time.Location {
	return s.settings.Location
}

func (s *Service) feeFor(provider string, amount decimal.Decimal) decimal.Decimal {
	schedule, ok := s.settings.Fees[gateway.ParseProvider(provider)]
	if !ok {
		return decimal.Zero
	}
	return schedule.FeeFor(amount)
}

// publish sends an event and logs failures. State is already committed at this point,
// so a failed publish never fails the calling operation.
func (s *Service) publish(ctx context.Context, routingKey string, event interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.settings.EventsExchange, routingKey, event); err != nil {
		s.logger.Error("failed to publish event", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

func (s *Service) publishPayment(ctx context.Context, eventType string, tx *domain.PaymentTransaction, reason string) {
	s.publish(ctx, eventType, domain.NewPaymentEvent(eventType, tx, reason, s.now()))
}

func (s *Service) publishPayout(ctx context.Context, eventType string, p *domain.Payout) {
	s.publish(ctx, eventType, domain.NewPayoutEvent(eventType, p, s.now()))
}

// GetTransaction loads a transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	return s.repo.FindTransactionByID(ctx, id)
}

// ReconcileSummary counts what a reconciliation pass did.
type ReconcileSummary struct {
	Checked   int `json:"checked"`
	Settled   int `json:"settled"`
	Failed    int `json:"failed"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}
