package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/internal/store"
)

// PayoutSettler is the part of the service the disbursement consumer drives.
type PayoutSettler interface {
	CompletePayout(ctx context.Context, id uuid.UUID, bankTransactionID, processedBy string) (*domain.Payout, error)
	FailPayout(ctx context.Context, id uuid.UUID, reason, processedBy string) (*domain.Payout, error)
}

// PayoutDisbursementConsumer applies bank transfer results reported by the disbursement
// service. Handlers return true to acknowledge and false to requeue.
type PayoutDisbursementConsumer struct {
	payouts PayoutSettler
	logger  *zap.Logger
}

func NewPayoutDisbursementConsumer(payouts PayoutSettler, logger *zap.Logger) *PayoutDisbursementConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayoutDisbursementConsumer{payouts: payouts, logger: logger.With(zap.String("component", "disbursement-consumer"))}
}

// HandleCompleted handles messages routed as completed transfers.
func (c *PayoutDisbursementConsumer) HandleCompleted(body []byte) bool {
	return c.handle(body, "completed")
}

// HandleFailed handles messages routed as failed transfers.
func (c *PayoutDisbursementConsumer) HandleFailed(body []byte) bool {
	return c.handle(body, "failed")
}

// HandleMessage handles messages that carry their own status.
func (c *PayoutDisbursementConsumer) HandleMessage(body []byte) bool {
	return c.handle(body, "")
}

func (c *PayoutDisbursementConsumer) handle(body []byte, routedStatus string) bool {
	var event domain.PayoutDisbursementEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload", zap.Error(err))
		return true
	}

	payoutID, err := uuid.Parse(strings.TrimSpace(event.PayoutID))
	if err != nil {
		c.logger.Warn("missing or invalid payout id", zap.String("payout_id", event.PayoutID))
		return true
	}

	status := strings.ToLower(strings.TrimSpace(event.Status))
	if status == "" {
		status = routedStatus
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, payoutID, status, event); err != nil {
		c.logger.Error("processing error", zap.String("payout_id", payoutID.String()), zap.Error(err))
		return false
	}
	return true
}

func (c *PayoutDisbursementConsumer) processEvent(ctx context.Context, payoutID uuid.UUID, status string, event domain.PayoutDisbursementEvent) error {
	processedBy := event.ProcessedBy
	if strings.TrimSpace(processedBy) == "" {
		processedBy = "disbursement-service"
	}

	var err error
	switch status {
	case "completed", "success", "succeeded":
		_, err = c.payouts.CompletePayout(ctx, payoutID, event.BankTransactionID, processedBy)
	case "failed", "rejected", "reversed":
		_, err = c.payouts.FailPayout(ctx, payoutID, event.Reason, processedBy)
	default:
		c.logger.Warn("unknown disbursement status; acknowledging", zap.String("payout_id", payoutID.String()), zap.String("status", status))
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrPayoutNotFound):
		c.logger.Warn("no payout found for disbursement; acknowledging", zap.String("payout_id", payoutID.String()))
		return nil
	case errors.Is(err, domain.ErrIllegalTransition):
		c.logger.Warn("disbursement result does not apply to payout state; acknowledging",
			zap.String("payout_id", payoutID.String()),
			zap.String("status", status),
			zap.Error(err),
		)
		return nil
	default:
		return fmt.Errorf("apply disbursement %s: %w", status, err)
	}
}
