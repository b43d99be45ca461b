package gateway

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ToProviderUnits scales amount by multiplier and requires an integral result.
func ToProviderUnits(amount decimal.Decimal, multiplier int64) (int64, error) {
	if multiplier <= 0 {
		multiplier = 1
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, amount)
	}
	scaled := amount.Mul(decimal.NewFromInt(multiplier))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s x %d is not integral", ErrInvalidAmount, amount, multiplier)
	}
	return scaled.IntPart(), nil
}

// FromProviderUnits converts a provider integer amount back into currency units.
func FromProviderUnits(raw string, multiplier int64) (decimal.Decimal, error) {
	if multiplier <= 0 {
		multiplier = 1
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q", ErrMalformedCallback, raw)
	}
	return value.Div(decimal.NewFromInt(multiplier)), nil
}
