/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access the
 * settlement service needs. Mutations of existing aggregates go through the *Locked
 * methods, which load the row with SELECT ... FOR UPDATE, hand it to a callback and
 * persist the result in the same database transaction.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: the service's aggregates.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/coursemarket/settlement-service/internal/domain"
)

var (
	ErrTransactionNotFound       = errors.New("payment transaction not found")
	ErrRevenueShareNotFound      = errors.New("revenue share config not found")
	ErrPayoutNotFound            = errors.New("payout not found")
	ErrPayoutExists              = errors.New("payout already exists for teacher, period and percentage")
	ErrTransactionAlreadySettled = errors.New("transaction already belongs to a payout")
	ErrDuplicateOrderRef         = errors.New("order reference already exists")
)

// TransactionMutation mutates a locked transaction and reports whether it changed.
// Returning an error rolls the database transaction back.
type TransactionMutation func(tx *domain.PaymentTransaction) (bool, error)

// PayoutMutation mutates a locked payout and reports whether it changed.
type PayoutMutation func(p *domain.Payout) (bool, error)

// ConfigVersioner produces the successor of a locked revenue share config. It may modify
// the current config, which is persisted alongside the successor.
type ConfigVersioner func(current *domain.RevenueShareConfig) (*domain.RevenueShareConfig, error)

// RevenueShareFilter narrows ListRevenueShareConfigs.
type RevenueShareFilter struct {
	CategoryID  *uuid.UUID
	DefaultOnly bool
	ActiveOnly  bool
}

// PayoutFilter narrows ListPayouts.
type PayoutFilter struct {
	Period    string
	TeacherID *uuid.UUID
	Status    domain.PayoutStatus
	Limit     int
	Offset    int
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payment transaction methods
	CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) error
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
	FindTransactionByOrderRef(ctx context.Context, orderRef string) (*domain.PaymentTransaction, error)
	UpdateTransactionLocked(ctx context.Context, id uuid.UUID, mutate TransactionMutation) (*domain.PaymentTransaction, error)
	ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentTransaction, error)
	ListRefundsInProgress(ctx context.Context, limit int) ([]domain.PaymentTransaction, error)
	ListSettleableTransactions(ctx context.Context, paidFrom, paidTo time.Time) ([]domain.PaymentTransaction, error)

	// Revenue share methods
	ListRevenueShareConfigs(ctx context.Context, filter RevenueShareFilter) ([]domain.RevenueShareConfig, error)
	FindRevenueShareConfigByID(ctx context.Context, id uuid.UUID) (*domain.RevenueShareConfig, error)
	CreateRevenueShareConfig(ctx context.Context, cfg *domain.RevenueShareConfig) error
	CloneRevenueShareConfig(ctx context.Context, id uuid.UUID, version ConfigVersioner) (*domain.RevenueShareConfig, *domain.RevenueShareConfig, error)
	DeactivateRevenueShareConfig(ctx context.Context, id uuid.UUID, at time.Time) (*domain.RevenueShareConfig, error)

	// Payout methods
	CreatePayoutWithItems(ctx context.Context, payout *domain.Payout, items []domain.PayoutItem) error
	FindPayoutByID(ctx context.Context, id uuid.UUID) (*domain.Payout, error)
	ListPayouts(ctx context.Context, filter PayoutFilter) ([]domain.Payout, error)
	ListPayoutItems(ctx context.Context, payoutID uuid.UUID) ([]domain.PayoutItem, error)
	UpdatePayoutLocked(ctx context.Context, id uuid.UUID, mutate PayoutMutation) (*domain.Payout, error)
}
