package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// RateScale is the number of decimal places kept for an intermediate percentage rate.
	RateScale int32 = 4
	// CurrencyScale is the number of decimal places kept for currency amounts.
	CurrencyScale int32 = 2
)

var (
	hundred = decimal.NewFromInt(100)
	// OneHundredPercent is the upper bound for any percentage.
	OneHundredPercent = hundred
)

// PercentOf returns amount × pct/100. The rate is rounded half-up to four places before
// multiplication and the result is rounded half-up to currency scale.
func PercentOf(amount, pct decimal.Decimal) decimal.Decimal {
	rate := pct.DivRound(hundred, RateScale)
	return amount.Mul(rate).Round(CurrencyScale)
}

// ValidatePercentage checks that pct lies within [0, 100].
func ValidatePercentage(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return fmt.Errorf("%w: %s", ErrInvalidPercentage, pct)
	}
	return nil
}

// FeeSchedule describes what a provider charges per successful payment.
type FeeSchedule struct {
	Percent decimal.Decimal
	Fixed   decimal.Decimal
}

// FeeFor computes the fee for amount, never exceeding the amount itself.
func (f FeeSchedule) FeeFor(amount decimal.Decimal) decimal.Decimal {
	fee := PercentOf(amount, f.Percent).Add(f.Fixed.Round(CurrencyScale))
	if fee.IsNegative() {
		return decimal.Zero
	}
	if fee.GreaterThan(amount) {
		return amount
	}
	return fee
}
