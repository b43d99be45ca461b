package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrIllegalTransition     = errors.New("illegal state transition")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrNotSettled            = errors.New("transaction is not settled")
	ErrRefundWindowExpired   = errors.New("refund window expired")
	ErrRefundAmountExceeded  = errors.New("refund amount exceeds original amount")
	ErrRefundInProgress      = errors.New("refund already in progress")
	ErrInvalidPercentage     = errors.New("percentage must be between 0 and 100")
	ErrInvalidEffectiveRange = errors.New("effective_to must not precede effective_from")
	ErrConfigOverlap         = errors.New("revenue share window overlaps an active config")
	ErrConfigInactive        = errors.New("revenue share config is inactive")
	ErrAmbiguousRevenueShare = errors.New("more than one active revenue share config applies")
	ErrConfigGap             = errors.New("no active revenue share config")
	ErrInvalidPeriod         = errors.New("invalid payout period")
	ErrPayoutAmountLocked    = errors.New("payout amount already calculated")
	ErrPayoutNotCalculated   = errors.New("payout amount not calculated")
	ErrPayoutInvalidAmount   = errors.New("payout amount must be positive")
	ErrInvalidDeductions     = errors.New("invalid payout deductions")
)

// IllegalTransitionError reports a state change the aggregate does not permit.
type IllegalTransitionError struct {
	Entity string
	ID     uuid.UUID
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// ConfigGapError is raised when no revenue share config covers a (category, date) pair.
type ConfigGapError struct {
	CategoryID *uuid.UUID
	Date       time.Time
}

func (e *ConfigGapError) Error() string {
	category := "platform-default"
	if e.CategoryID != nil {
		category = e.CategoryID.String()
	}
	return fmt.Sprintf("%s for category %s on %s", ErrConfigGap.Error(), category, e.Date.Format(DateLayout))
}

func (e *ConfigGapError) Is(target error) bool {
	return target == ErrConfigGap
}
