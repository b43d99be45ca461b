/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ScheduleSettings holds the cron specs of every job.
type ScheduleSettings struct {
	ReconcilePayments string
	ReconcileRefunds  string
	PayoutBatch       string
	Location          *time.Location
}

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *zap.Logger
	settings ScheduleSettings
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.Logger, settings ScheduleSettings) *Scheduler {
	location := settings.Location
	if location == nil {
		location = time.UTC
	}
	logger = logger.With(zap.String("component", "scheduler"))
	c := cron.New(
		cron.WithLocation(location),
		cron.WithChain(cron.Recover(cronLogger{sugar: logger.Sugar()})),
	)

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		settings: settings,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.register("pending payment reconciliation", s.settings.ReconcilePayments, s.jobs.ReconcilePendingPayments)
	s.register("refund reconciliation", s.settings.ReconcileRefunds, s.jobs.ReconcileRefunds)
	s.register("payout batch", s.settings.PayoutBatch, s.jobs.BuildMonthlyPayouts)
	s.cron.Start()
}

func (s *Scheduler) register(name, spec string, job func()) {
	if spec == "" {
		s.logger.Warn("job has no schedule; not registered", zap.String("job", name))
		return
	}
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.logger.Error("failed to schedule job", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.String("schedule", spec))
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
