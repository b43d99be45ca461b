/**
 * @description
 * Package gateway defines the capability surface every payment provider integration
 * offers to the settlement service, plus the shared request/result shapes and the
 * registry that maps provider identifiers to configured clients.
 *
 * @dependencies
 * - github.com/shopspring/decimal: fixed-point amounts.
 */
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies a payment provider integration.
type Provider string

const (
	ProviderAlpha Provider = "alpha"
	ProviderBeta  Provider = "beta"
)

// ParseProvider normalizes a provider identifier. Unknown identifiers are returned as-is
// so the registry can report them.
func ParseProvider(raw string) Provider {
	return Provider(strings.ToLower(strings.TrimSpace(raw)))
}

// Fields is a flat view of a provider callback or response payload.
type Fields map[string]string

// Get returns the trimmed value for key.
func (f Fields) Get(key string) string {
	return strings.TrimSpace(f[key])
}

// PaymentRequest carries what a provider needs to build a checkout for one order.
type PaymentRequest struct {
	OrderRef    string
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	ClientIP    string
	Locale      string
	UserRef     string
	CreatedAt   time.Time
}

// CallbackOutcome is how the settlement service resolved a provider callback. Each
// provider translates it into its own acknowledgement format.
type CallbackOutcome int

const (
	OutcomeApplied CallbackOutcome = iota
	OutcomeDuplicate
	OutcomeIgnored
	OutcomeSignatureInvalid
	OutcomeOrderNotFound
	OutcomeAmountMismatch
	OutcomeMalformed
	OutcomeRetryLater
)

func (o CallbackOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeSignatureInvalid:
		return "signature_invalid"
	case OutcomeOrderNotFound:
		return "order_not_found"
	case OutcomeAmountMismatch:
		return "amount_mismatch"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeRetryLater:
		return "retry_later"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RefundStatus is the provider-side state of a refund request.
type RefundStatus string

const (
	RefundCompleted  RefundStatus = "completed"
	RefundProcessing RefundStatus = "processing"
	RefundFailed     RefundStatus = "failed"
	RefundNotFound   RefundStatus = "not_found"
)

// RefundRequest asks a provider to return money for a settled payment.
type RefundRequest struct {
	RefundRef             string
	OrderRef              string
	ProviderTransactionID string
	Amount                decimal.Decimal
	OriginalAmount        decimal.Decimal
	Reason                string
	RequestedBy           string
	ClientIP              string
	TransactionDate       time.Time
	RequestedAt           time.Time
}

// IsPartial reports whether less than the original amount is being refunded.
func (r RefundRequest) IsPartial() bool {
	return r.Amount.LessThan(r.OriginalAmount)
}

// RefundQuery looks up the state of a previously submitted refund. RequestedAt is when
// the refund was submitted, not when the query is made.
type RefundQuery struct {
	RefundRef             string
	OrderRef              string
	ProviderTransactionID string
	ClientIP              string
	TransactionDate       time.Time
	RequestedAt           time.Time
}

// RefundResult is the normalized provider answer to a refund request or query.
type RefundResult struct {
	Status           RefundStatus
	ProviderRefundID string
	ResultCode       string
	Message          string
}

// PaymentStatus is the provider-side state of a payment order.
type PaymentStatus string

const (
	PaymentPaid     PaymentStatus = "paid"
	PaymentPending  PaymentStatus = "pending"
	PaymentFailed   PaymentStatus = "failed"
	PaymentNotFound PaymentStatus = "not_found"
)

// PaymentQuery looks up a payment order on the provider side.
type PaymentQuery struct {
	OrderRef    string
	ClientIP    string
	CreatedAt   time.Time
	RequestedAt time.Time
}

// PaymentStatusResult is the normalized provider answer to a payment query.
type PaymentStatusResult struct {
	Status                PaymentStatus
	ProviderTransactionID string
	Amount                decimal.Decimal
	ResultCode            string
	Message               string
}

// Client is the capability interface implemented by every provider integration.
type Client interface {
	Provider() Provider

	// CreatePaymentRequest returns the URL the payer is redirected to.
	CreatePaymentRequest(ctx context.Context, req PaymentRequest) (string, error)

	ParseCallback(r *http.Request) (Fields, error)
	VerifyCallback(fields Fields) bool
	IsSuccess(fields Fields) bool
	ExtractOrderRef(fields Fields) (string, error)
	ExtractProviderTransactionID(fields Fields) string
	ExtractAmount(fields Fields) (decimal.Decimal, error)
	ExtractResultCode(fields Fields) string
	Acknowledge(outcome CallbackOutcome) (int, interface{})

	RequestRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	QueryRefundStatus(ctx context.Context, query RefundQuery) (*RefundResult, error)
	QueryPayment(ctx context.Context, query PaymentQuery) (*PaymentStatusResult, error)
}

// AmountValidator is implemented by clients that can tell, before any request is sent,
// whether an amount is expressible in provider units.
type AmountValidator interface {
	ValidateAmount(amount decimal.Decimal) error
}

// CallbackFilter is implemented by providers whose callback channel also carries
// notifications that are not payment results. Those are acknowledged and not applied.
type CallbackFilter interface {
	IsPaymentResult(fields Fields) bool
}
