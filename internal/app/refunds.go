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
	"github.com/coursemarket/settlement-service/pkg/gateway"
)

// refundNotFoundGrace is how long a submitted refund may stay unknown to the provider
// before it is treated as never received.
const refundNotFoundGrace = time.Hour

// RefundInput is an authorized request to return money for a settled transaction.
type RefundInput struct {
	TransactionID uuid.UUID
	Amount        decimal.Decimal
	Reason        string
	RequestedBy   string
	ClientIP      string
}

// RequestRefund records the refund as PROCESSING under a row lock and then submits it to
// the provider. Business-rule violations and amounts the provider cannot express are
// returned before anything is recorded. When the provider cannot be reached the refund
// stays PROCESSING and ReconcileRefunds settles it; any other submission error rejects it.
func (s *Service) RequestRefund(ctx context.Context, in RefundInput) (*domain.PaymentTransaction, error) {
	current, err := s.repo.FindTransactionByID(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}
	if current.ProviderTransactionID == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRefundable, current.ID)
	}
	client, err := s.gateways.Resolve(gateway.Provider(current.Provider))
	if err != nil {
		return nil, err
	}
	if validator, ok := client.(gateway.AmountValidator); ok {
		if err := validator.ValidateAmount(in.Amount.Round(domain.CurrencyScale)); err != nil {
			return nil, err
		}
	}

	now := s.now()
	tx, err := s.repo.UpdateTransactionLocked(ctx, in.TransactionID, func(tx *domain.PaymentTransaction) (bool, error) {
		if err := tx.BeginRefund(in.Amount, in.Reason, in.RequestedBy, now); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.publishPayment(ctx, domain.EventRefundRequested, tx, in.Reason)

	log := s.logger.With(zap.String("transaction_id", tx.ID.String()), zap.String("provider", tx.Provider))
	result, err := client.RequestRefund(ctx, gateway.RefundRequest{
		RefundRef:             *tx.RefundRef,
		OrderRef:              tx.OrderRef,
		ProviderTransactionID: *tx.ProviderTransactionID,
		Amount:                tx.RefundAmount.Decimal,
		OriginalAmount:        tx.Amount,
		Reason:                in.Reason,
		RequestedBy:           in.RequestedBy,
		ClientIP:              in.ClientIP,
		TransactionDate:       tx.CreatedAt,
		RequestedAt:           *tx.RefundRequestedAt,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrTransport) {
			log.Error("refund submission failed; left for reconciliation", zap.Error(err))
			return tx, err
		}
		log.Warn("refund not accepted by provider", zap.Error(err))
		if _, rejectErr := s.rejectRefund(ctx, tx.ID, err.Error()); rejectErr != nil {
			log.Error("failed to record rejected refund", zap.Error(rejectErr))
		}
		return nil, err
	}

	return s.applyRefundResult(ctx, tx, result)
}

// applyRefundResult moves a PROCESSING refund to its final state according to the
// provider's answer. Processing and unknown answers leave the transaction untouched.
func (s *Service) applyRefundResult(ctx context.Context, tx *domain.PaymentTransaction, result *gateway.RefundResult) (*domain.PaymentTransaction, error) {
	switch result.Status {
	case gateway.RefundCompleted:
		return s.completeRefund(ctx, tx.ID, result.ProviderRefundID)
	case gateway.RefundFailed:
		reason := firstNonEmpty(result.Message, "refund rejected by provider (code "+result.ResultCode+")")
		updated, err := s.rejectRefund(ctx, tx.ID, reason)
		if err != nil {
			return nil, err
		}
		return updated, fmt.Errorf("%w: %s", gateway.ErrProviderRejected, reason)
	default:
		return tx, nil
	}
}

func (s *Service) completeRefund(ctx context.Context, id uuid.UUID, refundTxID string) (*domain.PaymentTransaction, error) {
	now := s.now()
	applied := false
	updated, err := s.repo.UpdateTransactionLocked(ctx, id, func(tx *domain.PaymentTransaction) (bool, error) {
		outcome, err := tx.CompleteRefund(refundTxID, now)
		if err != nil {
			return false, err
		}
		applied = outcome == domain.TransitionApplied
		return applied, nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Info("refund completed", zap.String("transaction_id", id.String()), zap.String("refund_amount", updated.RefundAmount.Decimal.String()))
		s.publishPayment(ctx, domain.EventPaymentRefunded, updated, "")
	}
	return updated, nil
}

func (s *Service) rejectRefund(ctx context.Context, id uuid.UUID, reason string) (*domain.PaymentTransaction, error) {
	now := s.now()
	applied := false
	updated, err := s.repo.UpdateTransactionLocked(ctx, id, func(tx *domain.PaymentTransaction) (bool, error) {
		outcome, err := tx.RejectRefund(reason, now)
		if err != nil {
			return false, err
		}
		applied = outcome == domain.TransitionApplied
		return applied, nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.logger.Warn("refund rejected", zap.String("transaction_id", id.String()), zap.String("reason", reason))
		s.publishPayment(ctx, domain.EventRefundRejected, updated, reason)
	}
	return updated, nil
}

// ReconcileRefunds queries providers for refunds still PROCESSING.
func (s *Service) ReconcileRefunds(ctx context.Context, limit int) (ReconcileSummary, error) {
	var summary ReconcileSummary
	refunds, err := s.repo.ListRefundsInProgress(ctx, limit)
	if err != nil {
		return summary, fmt.Errorf("list refunds in progress: %w", err)
	}

	now := s.now()
	for i := range refunds {
		tx := &refunds[i]
		summary.Checked++
		log := s.logger.With(zap.String("transaction_id", tx.ID.String()), zap.String("provider", tx.Provider))
		if tx.RefundRef == nil || tx.RefundRequestedAt == nil {
			log.Error("processing refund without reference")
			summary.Errors++
			continue
		}

		client, err := s.gateways.Resolve(gateway.Provider(tx.Provider))
		if err != nil {
			log.Error("refund has no registered gateway", zap.Error(err))
			summary.Errors++
			continue
		}
		query := gateway.RefundQuery{
			RefundRef:       *tx.RefundRef,
			OrderRef:        tx.OrderRef,
			TransactionDate: tx.CreatedAt,
			RequestedAt:     *tx.RefundRequestedAt,
		}
		if tx.ProviderTransactionID != nil {
			query.ProviderTransactionID = *tx.ProviderTransactionID
		}
		result, err := client.QueryRefundStatus(ctx, query)
		if err != nil {
			log.Error("refund status query failed", zap.Error(err))
			summary.Errors++
			continue
		}

		if result.Status == gateway.RefundNotFound {
			if now.Sub(*tx.RefundRequestedAt) < refundNotFoundGrace {
				summary.Unchanged++
				continue
			}
			result.Status = gateway.RefundFailed
			result.Message = "refund unknown to provider"
		}

		before := tx.Status
		updated, err := s.applyRefundResult(ctx, tx, result)
		switch {
		case updated == nil:
			log.Error("failed to apply refund status", zap.Error(err))
			summary.Errors++
		case updated.Status == domain.TransactionRefunded && before != domain.TransactionRefunded:
			summary.Settled++
		case updated.RefundStatus == domain.RefundRejected:
			summary.Failed++
		default:
			summary.Unchanged++
		}
	}

	s.logger.Info("refund reconciliation finished",
		zap.Int("checked", summary.Checked),
		zap.Int("completed", summary.Settled),
		zap.Int("rejected", summary.Failed),
		zap.Int("errors", summary.Errors),
	)
	return summary, nil
}
