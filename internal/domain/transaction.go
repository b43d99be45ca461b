/**
 * @description
 * This file defines the PaymentTransaction aggregate: one attempt by a student to pay
 * for one course version. All state changes go through its methods, which enforce the
 * PENDING → SUCCESS|FAILED → REFUNDED lifecycle and the refund eligibility rules.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - github.com/shopspring/decimal: fixed-point amounts.
 */
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of a PaymentTransaction.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionSuccess  TransactionStatus = "SUCCESS"
	TransactionFailed   TransactionStatus = "FAILED"
	TransactionRefunded TransactionStatus = "REFUNDED"
)

// RefundState tracks an asynchronous refund while the transaction is still SUCCESS.
type RefundState string

const (
	RefundNone       RefundState = ""
	RefundProcessing RefundState = "PROCESSING"
	RefundCompleted  RefundState = "COMPLETED"
	RefundRejected   RefundState = "REJECTED"
)

// RefundWindow is how long after payment a refund may be requested. The bound is inclusive.
const RefundWindow = 7 * 24 * time.Hour

// TransitionOutcome distinguishes an applied transition from a replay of one already applied.
type TransitionOutcome int

const (
	TransitionApplied TransitionOutcome = iota
	TransitionDuplicate
)

// PaymentTransaction represents one payment attempt for one course-version enrollment.
type PaymentTransaction struct {
	ID                    uuid.UUID           `json:"id"`
	StudentID             uuid.UUID           `json:"student_id"`
	CourseID              uuid.UUID           `json:"course_id"`
	CourseVersionID       uuid.UUID           `json:"course_version_id"`
	TeacherID             uuid.UUID           `json:"teacher_id"`
	CategoryID            *uuid.UUID          `json:"category_id,omitempty"`
	Provider              string              `json:"provider"`
	OrderRef              string              `json:"order_ref"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	Status                TransactionStatus   `json:"status"`
	ProviderTransactionID *string             `json:"provider_transaction_id,omitempty"`
	PaidAt                *time.Time          `json:"paid_at,omitempty"`
	FailedAt              *time.Time          `json:"failed_at,omitempty"`
	RefundedAt            *time.Time          `json:"refunded_at,omitempty"`
	FailureReason         *string             `json:"failure_reason,omitempty"`
	ErrorCode             *string             `json:"error_code,omitempty"`
	TransactionFee        decimal.Decimal     `json:"transaction_fee"`
	NetAmount             decimal.NullDecimal `json:"net_amount"`
	RefundAmount          decimal.NullDecimal `json:"refund_amount"`
	RefundReason          *string             `json:"refund_reason,omitempty"`
	RefundTransactionID   *string             `json:"refund_transaction_id,omitempty"`
	RefundStatus          RefundState         `json:"refund_status,omitempty"`
	RefundRef             *string             `json:"refund_ref,omitempty"`
	RefundRequestedAt     *time.Time          `json:"refund_requested_at,omitempty"`
	RefundRequestedBy     *string             `json:"refund_requested_by,omitempty"`
	Metadata              map[string]string   `json:"metadata,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// NewTransactionParams carries the checkout snapshot a transaction is created from.
type NewTransactionParams struct {
	StudentID       uuid.UUID
	CourseID        uuid.UUID
	CourseVersionID uuid.UUID
	TeacherID       uuid.UUID
	CategoryID      *uuid.UUID
	Provider        string
	Amount          decimal.Decimal
	Currency        string
	Metadata        map[string]string
	CreatedAt       time.Time
}

// NewPaymentTransaction creates a PENDING transaction.
func NewPaymentTransaction(p NewTransactionParams) (*PaymentTransaction, error) {
	if p.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount %s is negative", ErrInvalidAmount, p.Amount)
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidAmount)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	metadata := map[string]string{}
	for k, v := range p.Metadata {
		metadata[k] = v
	}

	id := uuid.New()
	return &PaymentTransaction{
		ID:              id,
		StudentID:       p.StudentID,
		CourseID:        p.CourseID,
		CourseVersionID: p.CourseVersionID,
		TeacherID:       p.TeacherID,
		CategoryID:      p.CategoryID,
		Provider:        p.Provider,
		OrderRef:        OrderRefFromID(id),
		Amount:          p.Amount.Round(CurrencyScale),
		Currency:        currency,
		Status:          TransactionPending,
		TransactionFee:  decimal.Zero,
		Metadata:        metadata,
		CreatedAt:       created,
		UpdatedAt:       created,
	}, nil
}

// OrderRefFromID renders a transaction id as the compact reference sent to providers.
func OrderRefFromID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// ParseOrderRef recovers a transaction id from a provider order reference.
func ParseOrderRef(ref string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(ref))
}

func (t *PaymentTransaction) illegal(to TransactionStatus) error {
	return &IllegalTransitionError{Entity: "payment_transaction", ID: t.ID, From: string(t.Status), To: string(to)}
}

// SetTransactionFee records the provider fee and recomputes the net amount when settled.
func (t *PaymentTransaction) SetTransactionFee(fee decimal.Decimal) error {
	if fee.IsNegative() || fee.GreaterThan(t.Amount) {
		return fmt.Errorf("%w: fee %s for amount %s", ErrInvalidAmount, fee, t.Amount)
	}
	if t.Status != TransactionPending && t.Status != TransactionSuccess {
		return t.illegal(t.Status)
	}
	t.TransactionFee = fee.Round(CurrencyScale)
	if t.Status == TransactionSuccess {
		t.NetAmount = decimal.NewNullDecimal(t.Amount.Sub(t.TransactionFee))
	}
	return nil
}

// MarkSuccess settles a PENDING transaction. Replaying it on a SUCCESS transaction is a
// no-op reported as TransitionDuplicate.
func (t *PaymentTransaction) MarkSuccess(providerTransactionID string, paidAt time.Time) (TransitionOutcome, error) {
	switch t.Status {
	case TransactionSuccess:
		return TransitionDuplicate, nil
	case TransactionPending:
	default:
		return TransitionApplied, t.illegal(TransactionSuccess)
	}

	t.Status = TransactionSuccess
	if id := strings.TrimSpace(providerTransactionID); id != "" {
		t.ProviderTransactionID = &id
	}
	paid := paidAt
	t.PaidAt = &paid
	t.NetAmount = decimal.NewNullDecimal(t.Amount.Sub(t.TransactionFee))
	t.UpdatedAt = paidAt
	return TransitionApplied, nil
}

// MarkFailed closes a PENDING transaction as FAILED. Replaying it on a FAILED transaction
// is reported as TransitionDuplicate.
func (t *PaymentTransaction) MarkFailed(reason, code string, failedAt time.Time) (TransitionOutcome, error) {
	switch t.Status {
	case TransactionFailed:
		return TransitionDuplicate, nil
	case TransactionPending:
	default:
		return TransitionApplied, t.illegal(TransactionFailed)
	}

	t.Status = TransactionFailed
	failed := failedAt
	t.FailedAt = &failed
	if r := strings.TrimSpace(reason); r != "" {
		t.FailureReason = &r
	}
	if c := strings.TrimSpace(code); c != "" {
		t.ErrorCode = &c
	}
	t.UpdatedAt = failedAt
	return TransitionApplied, nil
}

// CanRefund reports whether the transaction is SUCCESS and within the refund window.
func (t *PaymentTransaction) CanRefund(now time.Time) bool {
	return t.Status == TransactionSuccess && t.withinRefundWindow(now)
}

func (t *PaymentTransaction) withinRefundWindow(now time.Time) bool {
	if t.PaidAt == nil {
		return false
	}
	return !now.After(t.PaidAt.Add(RefundWindow))
}

// ValidateRefund applies the refund guards without mutating the transaction.
func (t *PaymentTransaction) ValidateRefund(amount decimal.Decimal, now time.Time) error {
	if t.Status != TransactionSuccess {
		return t.illegal(TransactionRefunded)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: refund amount %s must be positive", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(t.Amount) {
		return fmt.Errorf("%w: requested %s, original %s", ErrRefundAmountExceeded, amount, t.Amount)
	}
	if !t.withinRefundWindow(now) {
		return fmt.Errorf("%w: paid at %s", ErrRefundWindowExpired, t.PaidAt.Format(time.RFC3339))
	}
	if t.RefundStatus == RefundProcessing {
		return ErrRefundInProgress
	}
	return nil
}

// Refund moves a SUCCESS transaction straight to REFUNDED.
func (t *PaymentTransaction) Refund(amount decimal.Decimal, reason, refundTransactionID string, now time.Time) error {
	if err := t.ValidateRefund(amount, now); err != nil {
		return err
	}
	t.RefundAmount = decimal.NewNullDecimal(amount.Round(CurrencyScale))
	if r := strings.TrimSpace(reason); r != "" {
		t.RefundReason = &r
	}
	return t.completeRefund(refundTransactionID, now)
}

// BeginRefund records a refund submitted to a provider that settles asynchronously. The
// transaction stays SUCCESS until CompleteRefund or RejectRefund.
func (t *PaymentTransaction) BeginRefund(amount decimal.Decimal, reason, requestedBy string, now time.Time) error {
	if err := t.ValidateRefund(amount, now); err != nil {
		return err
	}
	t.RefundStatus = RefundProcessing
	t.RefundAmount = decimal.NewNullDecimal(amount.Round(CurrencyScale))
	if r := strings.TrimSpace(reason); r != "" {
		t.RefundReason = &r
	} else {
		t.RefundReason = nil
	}
	ref := strings.ReplaceAll(uuid.NewString(), "-", "")
	t.RefundRef = &ref
	requested := now
	t.RefundRequestedAt = &requested
	if by := strings.TrimSpace(requestedBy); by != "" {
		t.RefundRequestedBy = &by
	}
	t.UpdatedAt = now
	return nil
}

// CompleteRefund finalizes a refund started with BeginRefund.
func (t *PaymentTransaction) CompleteRefund(refundTransactionID string, at time.Time) (TransitionOutcome, error) {
	if t.Status == TransactionRefunded {
		return TransitionDuplicate, nil
	}
	if t.Status != TransactionSuccess || t.RefundStatus != RefundProcessing {
		return TransitionApplied, t.illegal(TransactionRefunded)
	}
	return TransitionApplied, t.completeRefund(refundTransactionID, at)
}

// RejectRefund clears a refund the provider declined so it can be requested again.
func (t *PaymentTransaction) RejectRefund(reason string, at time.Time) (TransitionOutcome, error) {
	if t.RefundStatus == RefundRejected {
		return TransitionDuplicate, nil
	}
	if t.Status != TransactionSuccess || t.RefundStatus != RefundProcessing {
		return TransitionApplied, &IllegalTransitionError{
			Entity: "payment_transaction_refund",
			ID:     t.ID,
			From:   string(t.RefundStatus),
			To:     string(RefundRejected),
		}
	}
	t.RefundStatus = RefundRejected
	t.RefundAmount = decimal.NullDecimal{}
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	if r := strings.TrimSpace(reason); r != "" {
		t.Metadata["refund_rejection_reason"] = r
	}
	t.UpdatedAt = at
	return TransitionApplied, nil
}

func (t *PaymentTransaction) completeRefund(refundTransactionID string, at time.Time) error {
	t.Status = TransactionRefunded
	t.RefundStatus = RefundCompleted
	refunded := at
	t.RefundedAt = &refunded
	if id := strings.TrimSpace(refundTransactionID); id != "" {
		t.RefundTransactionID = &id
	}
	t.UpdatedAt = at
	return nil
}

// Net returns the settled net amount.
func (t *PaymentTransaction) Net() (decimal.Decimal, error) {
	if t.Status != TransactionSuccess || !t.NetAmount.Valid {
		return decimal.Zero, fmt.Errorf("%w: status %s", ErrNotSettled, t.Status)
	}
	return t.NetAmount.Decimal, nil
}

// TeacherRevenue is the content owner's share of the net amount at pct percent.
func (t *PaymentTransaction) TeacherRevenue(pct decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidatePercentage(pct); err != nil {
		return decimal.Zero, err
	}
	net, err := t.Net()
	if err != nil {
		return decimal.Zero, err
	}
	return PercentOf(net, pct), nil
}

// PlatformRevenue is what remains of the net amount after the teacher share.
func (t *PaymentTransaction) PlatformRevenue(pct decimal.Decimal) (decimal.Decimal, error) {
	teacher, err := t.TeacherRevenue(pct)
	if err != nil {
		return decimal.Zero, err
	}
	return t.NetAmount.Decimal.Sub(teacher), nil
}
