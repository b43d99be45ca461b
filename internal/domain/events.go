package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the settlement events exchange.
const (
	EventPaymentSucceeded      = "payment.succeeded"
	EventPaymentFailed         = "payment.failed"
	EventRefundRequested       = "payment.refund.requested"
	EventPaymentRefunded       = "payment.refunded"
	EventRefundRejected        = "payment.refund.rejected"
	EventPayoutCreated         = "payout.created"
	EventPayoutCompleted       = "payout.completed"
	EventPayoutFailed          = "payout.failed"
	EventDisbursementCompleted = "payout.disbursement.completed"
	EventDisbursementFailed    = "payout.disbursement.failed"
)

// PaymentEvent is emitted after a transaction changes state.
type PaymentEvent struct {
	EventID               string              `json:"event_id"`
	EventType             string              `json:"event_type"`
	TransactionID         uuid.UUID           `json:"transaction_id"`
	StudentID             uuid.UUID           `json:"student_id"`
	CourseID              uuid.UUID           `json:"course_id"`
	CourseVersionID       uuid.UUID           `json:"course_version_id"`
	TeacherID             uuid.UUID           `json:"teacher_id"`
	Provider              string              `json:"provider"`
	Status                TransactionStatus   `json:"status"`
	Amount                decimal.Decimal     `json:"amount"`
	NetAmount             decimal.NullDecimal `json:"net_amount"`
	RefundAmount          decimal.NullDecimal `json:"refund_amount"`
	Currency              string              `json:"currency"`
	ProviderTransactionID string              `json:"provider_transaction_id,omitempty"`
	Reason                string              `json:"reason,omitempty"`
	OccurredAt            time.Time           `json:"occurred_at"`
}

// NewPaymentEvent snapshots tx for publication.
func NewPaymentEvent(eventType string, tx *PaymentTransaction, reason string, at time.Time) PaymentEvent {
	event := PaymentEvent{
		EventID:         uuid.NewString(),
		EventType:       eventType,
		TransactionID:   tx.ID,
		StudentID:       tx.StudentID,
		CourseID:        tx.CourseID,
		CourseVersionID: tx.CourseVersionID,
		TeacherID:       tx.TeacherID,
		Provider:        tx.Provider,
		Status:          tx.Status,
		Amount:          tx.Amount,
		NetAmount:       tx.NetAmount,
		RefundAmount:    tx.RefundAmount,
		Currency:        tx.Currency,
		Reason:          reason,
		OccurredAt:      at,
	}
	if tx.ProviderTransactionID != nil {
		event.ProviderTransactionID = *tx.ProviderTransactionID
	}
	return event
}

// PayoutEvent is emitted after a payout is created or changes state.
type PayoutEvent struct {
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	PayoutID          uuid.UUID       `json:"payout_id"`
	TeacherID         uuid.UUID       `json:"teacher_id"`
	Period            string          `json:"period"`
	Status            PayoutStatus    `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	Currency          string          `json:"currency"`
	BankName          string          `json:"bank_name,omitempty"`
	BankAccountNumber string          `json:"bank_account_number,omitempty"`
	BankAccountName   string          `json:"bank_account_name,omitempty"`
	BankTransactionID string          `json:"bank_transaction_id,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
}

// NewPayoutEvent snapshots p for publication.
func NewPayoutEvent(eventType string, p *Payout, at time.Time) PayoutEvent {
	return PayoutEvent{
		EventID:           uuid.NewString(),
		EventType:         eventType,
		PayoutID:          p.ID,
		TeacherID:         p.TeacherID,
		Period:            p.Period,
		Status:            p.Status,
		Amount:            p.Amount,
		NetAmount:         p.NetAmount,
		Currency:          p.Currency,
		BankName:          deref(p.BankName),
		BankAccountNumber: deref(p.BankAccountNumber),
		BankAccountName:   deref(p.BankAccountName),
		BankTransactionID: deref(p.BankTransactionID),
		FailureReason:     deref(p.FailureReason),
		OccurredAt:        at,
	}
}

// PayoutDisbursementEvent is consumed from the disbursement service once a bank transfer settles.
type PayoutDisbursementEvent struct {
	EventID           string    `json:"event_id"`
	PayoutID          string    `json:"payout_id"`
	Status            string    `json:"status"`
	BankTransactionID string    `json:"bank_transaction_id"`
	Reason            string    `json:"reason"`
	ProcessedBy       string    `json:"processed_by"`
	OccurredAt        time.Time `json:"occurred_at"`
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// PartitionKey keeps all events of one transaction in order on partitioned transports.
func (e PaymentEvent) PartitionKey() string { return e.TransactionID.String() }

// PartitionKey keeps all events of one payout in order on partitioned transports.
func (e PayoutEvent) PartitionKey() string { return e.PayoutID.String() }
