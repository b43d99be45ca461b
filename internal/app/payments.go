package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/internal/store"
	"github.com/coursemarket/settlement-service/pkg/gateway"
)

const checkoutRateLimitScope = "checkout"

// CheckoutInput is what a student submits to start paying for a course version.
type CheckoutInput struct {
	StudentID       uuid.UUID
	CourseVersionID uuid.UUID
	Provider        gateway.Provider
	ReturnURL       string
	ClientIP        string
	Locale          string
}

// CheckoutResult is the persisted transaction and where to send the payer.
type CheckoutResult struct {
	Transaction *domain.PaymentTransaction
	RedirectURL string
}

// InitiatePayment snapshots the course version, asks the provider for a checkout and
// persists a PENDING transaction. Nothing is persisted when the provider call fails.
func (s *Service) InitiatePayment(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	client, err := s.gateways.Resolve(in.Provider)
	if err != nil {
		return nil, err
	}

	if err := s.enforceCheckoutLimit(ctx, in.StudentID); err != nil {
		return nil, err
	}

	version, err := s.catalog.GetCourseVersion(ctx, in.CourseVersionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load course version: %w", err)
	}
	if !version.Published || !version.Price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrCourseNotPurchasable, in.CourseVersionID)
	}
	currency := strings.ToUpper(strings.TrimSpace(version.Currency))
	if currency == "" {
		currency = s.settings.DefaultCurrency
	}

	now := s.now()
	tx, err := domain.NewPaymentTransaction(domain.NewTransactionParams{
		StudentID:       in.StudentID,
		CourseID:        version.CourseID,
		CourseVersionID: version.VersionID,
		TeacherID:       version.TeacherID,
		CategoryID:      version.CategoryID,
		Provider:        string(client.Provider()),
		Amount:          version.Price,
		Currency:        currency,
		Metadata:        map[string]string{"course_title": version.Title, "client_ip": in.ClientIP},
		CreatedAt:       now,
	})
	if err != nil {
		return nil, err
	}

	redirectURL, err := client.CreatePaymentRequest(ctx, gateway.PaymentRequest{
		OrderRef:    tx.OrderRef,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Description: fmt.Sprintf("Payment for %s", version.Title),
		ReturnURL:   in.ReturnURL,
		ClientIP:    in.ClientIP,
		Locale:      in.Locale,
		UserRef:     in.StudentID.String(),
		CreatedAt:   now,
	})
	if err != nil {
		s.logger.Error("payment request creation failed",
			zap.String("provider", tx.Provider),
			zap.String("order_ref", tx.OrderRef),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}

	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}

	s.logger.Info("payment initiated",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("provider", tx.Provider),
		zap.String("amount", tx.Amount.String()),
	)
	return &CheckoutResult{Transaction: tx, RedirectURL: redirectURL}, nil
}

func (s *Service) enforceCheckoutLimit(ctx context.Context, studentID uuid.UUID) error {
	if s.limiter == nil || s.settings.CheckoutLimitPerMinute <= 0 {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, checkoutRateLimitScope, studentID.String(), s.settings.CheckoutLimitPerMinute, time.Minute)
	if err != nil {
		s.logger.Warn("checkout rate limiter unavailable; allowing request", zap.Error(err))
		return nil
	}
	if count > s.settings.CheckoutLimitPerMinute {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// HandleCallback verifies a provider callback and applies it to its transaction. The
// returned outcome is what the provider is acknowledged with; an error is only returned
// when the callback could not be processed and should be retried by the provider.
func (s *Service) HandleCallback(ctx context.Context, provider gateway.Provider, fields gateway.Fields) (gateway.CallbackOutcome, error) {
	client, err := s.gateways.Resolve(provider)
	if err != nil {
		return gateway.OutcomeMalformed, err
	}
	log := s.logger.With(zap.String("provider", string(client.Provider())))

	if !client.VerifyCallback(fields) {
		log.Warn("callback signature invalid", zap.Any("payload", map[string]string(fields)))
		return gateway.OutcomeSignatureInvalid, nil
	}
	if filter, ok := client.(gateway.CallbackFilter); ok && !filter.IsPaymentResult(fields) {
		log.Info("callback is not a payment result; acknowledged without applying", zap.String("result_code", client.ExtractResultCode(fields)))
		return gateway.OutcomeIgnored, nil
	}

	orderRef, err := client.ExtractOrderRef(fields)
	if err != nil {
		log.Warn("callback without usable order reference", zap.Error(err))
		return gateway.OutcomeMalformed, nil
	}
	log = log.With(zap.String("order_ref", orderRef))

	tx, err := s.repo.FindTransactionByOrderRef(ctx, orderRef)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Warn("callback for unknown order")
			return gateway.OutcomeOrderNotFound, nil
		}
		return gateway.OutcomeRetryLater, fmt.Errorf("lookup transaction: %w", err)
	}
	if gateway.ParseProvider(tx.Provider) != client.Provider() {
		log.Warn("callback provider does not match transaction provider", zap.String("transaction_provider", tx.Provider))
		return gateway.OutcomeOrderNotFound, nil
	}

	amount, err := client.ExtractAmount(fields)
	if err != nil {
		log.Warn("callback amount unreadable", zap.Error(err))
		return gateway.OutcomeMalformed, nil
	}
	if !amount.Equal(tx.Amount) {
		log.Error("callback amount mismatch",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("expected", tx.Amount.String()),
			zap.String("received", amount.String()),
		)
		return gateway.OutcomeAmountMismatch, nil
	}

	success := client.IsSuccess(fields)
	code := client.ExtractResultCode(fields)
	reason := ""
	if !success {
		reason = fmt.Sprintf("provider reported failure (code %s)", code)
	}
	outcome, _, err := s.applyPaymentResult(ctx, tx.ID, success, client.ExtractProviderTransactionID(fields), reason, code)
	return outcome, err
}

// applyPaymentResult runs the PENDING → SUCCESS|FAILED transition under a row lock and
// publishes the matching event when the transition was applied.
func (s *Service) applyPaymentResult(ctx context.Context, id uuid.UUID, success bool, providerTxID, reason, code string) (gateway.CallbackOutcome, *domain.PaymentTransaction, error) {
	now := s.now()
	outcome := gateway.OutcomeApplied
	var previous domain.TransactionStatus

	updated, err := s.repo.UpdateTransactionLocked(ctx, id, func(tx *domain.PaymentTransaction) (bool, error) {
		previous = tx.Status
		var (
			result domain.TransitionOutcome
			err    error
		)
		if success {
			if tx.Status == domain.TransactionPending {
				if err := tx.SetTransactionFee(s.feeFor(tx.Provider, tx.Amount)); err != nil {
					return false, err
				}
			}
			result, err = tx.MarkSuccess(providerTxID, now)
		} else {
			result, err = tx.MarkFailed(reason, code, now)
		}
		if err != nil {
			if errors.Is(err, domain.ErrIllegalTransition) {
				outcome = gateway.OutcomeIgnored
				return false, nil
			}
			return false, err
		}
		if result == domain.TransitionDuplicate {
			outcome = gateway.OutcomeDuplicate
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return gateway.OutcomeRetryLater, nil, fmt.Errorf("apply payment result: %w", err)
	}

	log := s.logger.With(zap.String("transaction_id", id.String()), zap.Bool("success", success))
	switch outcome {
	case gateway.OutcomeApplied:
		if success {
			log.Info("payment settled", zap.String("net_amount", updated.NetAmount.Decimal.String()))
			s.publishPayment(ctx, domain.EventPaymentSucceeded, updated, "")
		} else {
			log.Info("payment failed", zap.String("code", code))
			s.publishPayment(ctx, domain.EventPaymentFailed, updated, reason)
		}
	case gateway.OutcomeDuplicate:
		log.Info("duplicate payment result ignored")
	case gateway.OutcomeIgnored:
		if success && previous == domain.TransactionFailed {
			log.Error("provider reports success for a failed transaction; manual review required",
				zap.String("provider_transaction_id", providerTxID))
		} else {
			log.Warn("payment result does not apply to current state", zap.String("status", string(previous)))
		}
	}
	return outcome, updated, nil
}

// ReconcilePendingPayments queries providers for PENDING transactions created before
// olderThan, recovering callbacks that never arrived.
func (s *Service) ReconcilePendingPayments(ctx context.Context, olderThan time.Time, limit int) (ReconcileSummary, error) {
	var summary ReconcileSummary
	pending, err := s.repo.ListPendingTransactions(ctx, olderThan, limit)
	if err != nil {
		return summary, fmt.Errorf("list pending transactions: %w", err)
	}

	for i := range pending {
		tx := &pending[i]
		summary.Checked++
		log := s.logger.With(zap.String("transaction_id", tx.ID.String()), zap.String("provider", tx.Provider))

		client, err := s.gateways.Resolve(gateway.Provider(tx.Provider))
		if err != nil {
			log.Error("pending transaction has no registered gateway", zap.Error(err))
			summary.Errors++
			continue
		}
		status, err := client.QueryPayment(ctx, gateway.PaymentQuery{
			OrderRef:    tx.OrderRef,
			ClientIP:    tx.Metadata["client_ip"],
			CreatedAt:   tx.CreatedAt,
			RequestedAt: s.now(),
		})
		if err != nil {
			log.Error("payment status query failed", zap.Error(err))
			summary.Errors++
			continue
		}

		var outcome gateway.CallbackOutcome
		switch status.Status {
		case gateway.PaymentPaid:
			if !status.Amount.IsZero() && !status.Amount.Equal(tx.Amount) {
				log.Error("provider reports a different paid amount",
					zap.String("expected", tx.Amount.String()),
					zap.String("received", status.Amount.String()),
				)
				summary.Errors++
				continue
			}
			outcome, _, err = s.applyPaymentResult(ctx, tx.ID, true, status.ProviderTransactionID, "", status.ResultCode)
			if err == nil && outcome == gateway.OutcomeApplied {
				summary.Settled++
			}
		case gateway.PaymentFailed:
			outcome, _, err = s.applyPaymentResult(ctx, tx.ID, false, "", firstNonEmpty(status.Message, "provider reported failure"), status.ResultCode)
			if err == nil && outcome == gateway.OutcomeApplied {
				summary.Failed++
			}
		case gateway.PaymentNotFound:
			outcome, _, err = s.applyPaymentResult(ctx, tx.ID, false, "", "payment expired before completion", "EXPIRED")
			if err == nil && outcome == gateway.OutcomeApplied {
				summary.Failed++
			}
		default:
			summary.Unchanged++
			continue
		}
		if err != nil {
			log.Error("failed to apply reconciled payment status", zap.Error(err))
			summary.Errors++
			continue
		}
		if outcome != gateway.OutcomeApplied {
			summary.Unchanged++
		}
	}

	s.logger.Info("pending payment reconciliation finished",
		zap.Int("checked", summary.Checked),
		zap.Int("settled", summary.Settled),
		zap.Int("failed", summary.Failed),
		zap.Int("errors", summary.Errors),
	)
	return summary, nil
}

// Split is the revenue division of one settled transaction.
type Split struct {
	TransactionID   uuid.UUID       `json:"transaction_id"`
	PaidOn          string          `json:"paid_on"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	Percentage      decimal.Decimal `json:"percentage"`
	TeacherRevenue  decimal.Decimal `json:"teacher_revenue"`
	PlatformRevenue decimal.Decimal `json:"platform_revenue"`
	ConfigID        uuid.UUID       `json:"config_id"`
}

// TransactionSplit computes the teacher/platform split of a settled transaction using the
// revenue share config active on its paid date.
func (s *Service) TransactionSplit(ctx context.Context, id uuid.UUID) (*Split, error) {
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	net, err := tx.Net()
	if err != nil {
		return nil, err
	}
	paidOn := domain.CivilDate(*tx.PaidAt, s.settings.Location)
	configs, err := s.repo.ListRevenueShareConfigs(ctx, store.RevenueShareFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list revenue share configs: %w", err)
	}
	cfg, err := domain.ResolveRevenueShare(configs, tx.CategoryID, paidOn)
	if err != nil {
		return nil, err
	}
	teacher, err := tx.TeacherRevenue(cfg.Percentage)
	if err != nil {
		return nil, err
	}
	return &Split{
		TransactionID:   tx.ID,
		PaidOn:          paidOn.Format(domain.DateLayout),
		NetAmount:       net,
		Percentage:      cfg.Percentage,
		TeacherRevenue:  teacher,
		PlatformRevenue: net.Sub(teacher),
		ConfigID:        cfg.ID,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
