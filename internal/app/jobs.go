/**
 * @description
 * Scheduled job implementations for the settlement-service.
 */
package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/domain"
)

// SettlementRunner is what the scheduled jobs drive.
type SettlementRunner interface {
	ReconcilePendingPayments(ctx context.Context, olderThan time.Time, limit int) (ReconcileSummary, error)
	ReconcileRefunds(ctx context.Context, limit int) (ReconcileSummary, error)
	BuildPayoutBatch(ctx context.Context, period string) (*PayoutBatchReport, error)
}

// JobSettings tunes the scheduled jobs.
type JobSettings struct {
	PendingMinAge time.Duration
	BatchSize     int
	Location      *time.Location
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	runner   SettlementRunner
	logger   *zap.Logger
	settings JobSettings
	now      func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(runner SettlementRunner, logger *zap.Logger, settings JobSettings) *Jobs {
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.PendingMinAge <= 0 {
		settings.PendingMinAge = 20 * time.Minute
	}
	return &Jobs{
		runner:   runner,
		logger:   logger.With(zap.String("component", "jobs")),
		settings: settings,
		now:      time.Now,
	}
}

// ReconcilePendingPayments recovers payments whose callback never arrived.
func (j *Jobs) ReconcilePendingPayments() {
	j.logger.Info("starting pending payment reconciliation job")
	ctx := context.Background()

	olderThan := j.now().Add(-j.settings.PendingMinAge)
	if _, err := j.runner.ReconcilePendingPayments(ctx, olderThan, j.settings.BatchSize); err != nil {
		j.logger.Error("pending payment reconciliation failed", zap.Error(err))
		return
	}

	j.logger.Info("pending payment reconciliation job finished")
}

// ReconcileRefunds settles refunds the providers process asynchronously.
func (j *Jobs) ReconcileRefunds() {
	j.logger.Info("starting refund reconciliation job")
	ctx := context.Background()

	if _, err := j.runner.ReconcileRefunds(ctx, j.settings.BatchSize); err != nil {
		j.logger.Error("refund reconciliation failed", zap.Error(err))
		return
	}

	j.logger.Info("refund reconciliation job finished")
}

// BuildMonthlyPayouts builds payouts for the month before the current one.
func (j *Jobs) BuildMonthlyPayouts() {
	period := domain.PreviousPeriod(j.now(), j.settings.Location)
	j.logger.Info("starting payout batch job", zap.String("period", period))
	ctx := context.Background()

	report, err := j.runner.BuildPayoutBatch(ctx, period)
	if err != nil {
		j.logger.Error("payout batch failed", zap.String("period", period), zap.Error(err))
		return
	}
	if len(report.Failures) > 0 {
		j.logger.Error("payout batch finished with failures",
			zap.String("period", period),
			zap.Int("failures", len(report.Failures)),
		)
		return
	}

	j.logger.Info("payout batch job finished", zap.String("period", period), zap.Int("payouts_created", len(report.Created)))
}
