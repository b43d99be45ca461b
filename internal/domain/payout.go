package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutStatus is the lifecycle state of a Payout.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutCompleted PayoutStatus = "COMPLETED"
	PayoutFailed    PayoutStatus = "FAILED"
)

// PeriodLayout is the YYYY-MM format of a payout period.
const PeriodLayout = "2006-01"

// Payout is one disbursement to one teacher for one period at one revenue share percentage.
type Payout struct {
	ID                     uuid.UUID           `json:"id"`
	TeacherID              uuid.UUID           `json:"teacher_id"`
	Period                 string              `json:"period"`
	Amount                 decimal.Decimal     `json:"amount"`
	Currency               string              `json:"currency"`
	Status                 PayoutStatus        `json:"status"`
	RevenueSharePercentage decimal.NullDecimal `json:"revenue_share_percentage"`
	TotalRevenue           decimal.NullDecimal `json:"total_revenue"`
	TotalEnrollments       int                 `json:"total_enrollments"`
	BankName               *string             `json:"bank_name,omitempty"`
	BankAccountNumber      *string             `json:"bank_account_number,omitempty"`
	BankAccountName        *string             `json:"bank_account_name,omitempty"`
	TransferFee            decimal.Decimal     `json:"transfer_fee"`
	TaxAmount              decimal.Decimal     `json:"tax_amount"`
	NetAmount              decimal.Decimal     `json:"net_amount"`
	BankTransactionID      *string             `json:"bank_transaction_id,omitempty"`
	CalculatedAt           *time.Time          `json:"calculated_at,omitempty"`
	ProcessedBy            *string             `json:"processed_by,omitempty"`
	ProcessedAt            *time.Time          `json:"processed_at,omitempty"`
	FailureReason          *string             `json:"failure_reason,omitempty"`
	FailedAt               *time.Time          `json:"failed_at,omitempty"`
	RetryCount             int                 `json:"retry_count"`
	Notes                  *string             `json:"notes,omitempty"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// PayoutItem links a settled transaction to the payout that paid it out.
type PayoutItem struct {
	PayoutID        uuid.UUID       `json:"payout_id"`
	TransactionID   uuid.UUID       `json:"transaction_id"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	Percentage      decimal.Decimal `json:"percentage"`
	TeacherRevenue  decimal.Decimal `json:"teacher_revenue"`
	PlatformRevenue decimal.Decimal `json:"platform_revenue"`
	ConfigID        uuid.UUID       `json:"config_id"`
}

// BankDestination is where a payout is sent.
type BankDestination struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// ParsePeriod validates a YYYY-MM period and returns its [start, end) bounds in loc.
func ParsePeriod(period string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	month, err := time.ParseInLocation(PeriodLayout, strings.TrimSpace(period), loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	return month, month.AddDate(0, 1, 0), nil
}

// PeriodOf returns the YYYY-MM period containing t in loc.
func PeriodOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(PeriodLayout)
}

// PreviousPeriod returns the period before the one containing t.
func PreviousPeriod(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	firstOfMonth := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return firstOfMonth.AddDate(0, -1, 0).Format(PeriodLayout)
}

// NewPayout builds a PENDING payout holding the revenue snapshot for its period.
func NewPayout(teacherID uuid.UUID, period, currency string, totalRevenue, pct decimal.Decimal, enrollments int, dest BankDestination, now time.Time) (*Payout, error) {
	if _, _, err := ParsePeriod(period, time.UTC); err != nil {
		return nil, err
	}
	if err := ValidatePercentage(pct); err != nil {
		return nil, err
	}
	if totalRevenue.IsNegative() {
		return nil, fmt.Errorf("%w: total revenue %s is negative", ErrInvalidAmount, totalRevenue)
	}

	p := &Payout{
		ID:                     uuid.New(),
		TeacherID:              teacherID,
		Period:                 strings.TrimSpace(period),
		Amount:                 decimal.Zero,
		Currency:               strings.ToUpper(strings.TrimSpace(currency)),
		Status:                 PayoutPending,
		RevenueSharePercentage: decimal.NewNullDecimal(pct),
		TotalRevenue:           decimal.NewNullDecimal(totalRevenue.Round(CurrencyScale)),
		TotalEnrollments:       enrollments,
		TransferFee:            decimal.Zero,
		TaxAmount:              decimal.Zero,
		NetAmount:              decimal.Zero,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	p.BankName = optional(dest.BankName)
	p.BankAccountNumber = optional(dest.AccountNumber)
	p.BankAccountName = optional(dest.AccountName)
	return p, nil
}

func (p *Payout) illegal(to PayoutStatus) error {
	return &IllegalTransitionError{Entity: "payout", ID: p.ID, From: string(p.Status), To: string(to)}
}

// CalculateAmount derives the amount from the revenue snapshot. It runs once; afterwards
// only the fee and tax setters change the net amount.
func (p *Payout) CalculateAmount(now time.Time) error {
	if p.CalculatedAt != nil {
		return ErrPayoutAmountLocked
	}
	if !p.TotalRevenue.Valid || !p.RevenueSharePercentage.Valid {
		return fmt.Errorf("%w: total revenue and percentage are required", ErrPayoutNotCalculated)
	}
	p.Amount = PercentOf(p.TotalRevenue.Decimal, p.RevenueSharePercentage.Decimal)
	calculated := now
	p.CalculatedAt = &calculated
	p.recomputeNet()
	p.UpdatedAt = now
	return nil
}

// SetTransferFee replaces the transfer fee and recomputes the net amount.
func (p *Payout) SetTransferFee(fee decimal.Decimal) error {
	return p.SetDeductions(fee, p.TaxAmount)
}

// SetTaxAmount replaces the withheld tax and recomputes the net amount.
func (p *Payout) SetTaxAmount(tax decimal.Decimal) error {
	return p.SetDeductions(p.TransferFee, tax)
}

// SetDeductions replaces both fee and tax. Completed payouts are frozen.
func (p *Payout) SetDeductions(fee, tax decimal.Decimal) error {
	if p.Status == PayoutCompleted {
		return p.illegal(p.Status)
	}
	if fee.IsNegative() || tax.IsNegative() {
		return fmt.Errorf("%w: fee %s tax %s", ErrInvalidDeductions, fee, tax)
	}
	if p.CalculatedAt != nil && fee.Add(tax).GreaterThan(p.Amount) {
		return fmt.Errorf("%w: deductions %s exceed amount %s", ErrInvalidDeductions, fee.Add(tax), p.Amount)
	}
	p.TransferFee = fee.Round(CurrencyScale)
	p.TaxAmount = tax.Round(CurrencyScale)
	p.recomputeNet()
	return nil
}

func (p *Payout) recomputeNet() {
	p.NetAmount = p.Amount.Sub(p.TransferFee).Sub(p.TaxAmount)
}

// MarkAsCompleted records a successful bank transfer.
func (p *Payout) MarkAsCompleted(bankTransactionID, processedBy string, at time.Time) error {
	if p.Status != PayoutPending {
		return p.illegal(PayoutCompleted)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: %w: payout %s amount %s", ErrIllegalTransition, ErrPayoutInvalidAmount, p.ID, p.Amount)
	}
	p.Status = PayoutCompleted
	p.BankTransactionID = optional(bankTransactionID)
	p.ProcessedBy = optional(processedBy)
	processed := at
	p.ProcessedAt = &processed
	p.UpdatedAt = at
	return nil
}

// MarkAsFailed records a rejected or bounced transfer.
func (p *Payout) MarkAsFailed(reason, processedBy string, at time.Time) error {
	if p.Status != PayoutPending {
		return p.illegal(PayoutFailed)
	}
	p.Status = PayoutFailed
	p.FailureReason = optional(reason)
	p.ProcessedBy = optional(processedBy)
	failed := at
	p.FailedAt = &failed
	p.UpdatedAt = at
	return nil
}

// Retry puts a FAILED payout back to PENDING. The revenue snapshot is left untouched.
func (p *Payout) Retry(at time.Time) error {
	if p.Status != PayoutFailed {
		return p.illegal(PayoutPending)
	}
	p.Status = PayoutPending
	p.FailureReason = nil
	p.FailedAt = nil
	p.ProcessedBy = nil
	p.ProcessedAt = nil
	p.RetryCount++
	p.UpdatedAt = at
	return nil
}

func optional(value string) *string {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	return &v
}
