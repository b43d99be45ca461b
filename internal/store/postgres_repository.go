/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * payment transactions. Revenue share and payout queries live in their own files.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, transactions and row locking.
 * - github.com/shopspring/decimal: NUMERIC columns.
 * - internal/domain: the aggregates being persisted.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coursemarket/settlement-service/internal/domain"
)

const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

const transactionColumns = `
	id, student_id, course_id, course_version_id, teacher_id, category_id, provider, order_ref,
	amount, currency, status, provider_transaction_id, paid_at, failed_at, refunded_at,
	failure_reason, error_code, transaction_fee, net_amount, refund_amount, refund_reason,
	refund_transaction_id, refund_status, refund_ref, refund_requested_at, refund_requested_by,
	metadata, created_at, updated_at`

func scanTransaction(row rowScanner) (*domain.PaymentTransaction, error) {
	var (
		tx           domain.PaymentTransaction
		status       string
		refundStatus string
		metadata     []byte
	)
	err := row.Scan(
		&tx.ID,
		&tx.StudentID,
		&tx.CourseID,
		&tx.CourseVersionID,
		&tx.TeacherID,
		&tx.CategoryID,
		&tx.Provider,
		&tx.OrderRef,
		&tx.Amount,
		&tx.Currency,
		&status,
		&tx.ProviderTransactionID,
		&tx.PaidAt,
		&tx.FailedAt,
		&tx.RefundedAt,
		&tx.FailureReason,
		&tx.ErrorCode,
		&tx.TransactionFee,
		&tx.NetAmount,
		&tx.RefundAmount,
		&tx.RefundReason,
		&tx.RefundTransactionID,
		&refundStatus,
		&tx.RefundRef,
		&tx.RefundRequestedAt,
		&tx.RefundRequestedBy,
		&metadata,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status = domain.TransactionStatus(status)
	tx.RefundStatus = domain.RefundState(refundStatus)
	tx.Metadata = map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.PaymentTransaction, error) {
	defer rows.Close()
	var transactions []domain.PaymentTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

func marshalMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// CreateTransaction inserts a new PENDING transaction.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) error {
	metadata, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO payment_transactions (
			id, student_id, course_id, course_version_id, teacher_id, category_id, provider, order_ref,
			amount, currency, status, transaction_fee, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15)
	`
	_, err = r.db.Exec(ctx, query,
		tx.ID,
		tx.StudentID,
		tx.CourseID,
		tx.CourseVersionID,
		tx.TeacherID,
		tx.CategoryID,
		tx.Provider,
		tx.OrderRef,
		tx.Amount,
		tx.Currency,
		string(tx.Status),
		tx.TransactionFee,
		metadata,
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateOrderRef
	}
	return err
}

// FindTransactionByID retrieves a transaction by its ID.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	tx, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// FindTransactionByOrderRef retrieves a transaction by the reference sent to the provider.
func (r *PostgresRepository) FindTransactionByOrderRef(ctx context.Context, orderRef string) (*domain.PaymentTransaction, error) {
	tx, err := scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE order_ref = $1`, orderRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// UpdateTransactionLocked loads the transaction with FOR UPDATE, applies mutate and writes
// the result back before committing. Concurrent callers for the same id are serialized.
func (r *PostgresRepository) UpdateTransactionLocked(ctx context.Context, id uuid.UUID, mutate TransactionMutation) (*domain.PaymentTransaction, error) {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback(ctx)

	current, err := scanTransaction(dbTx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	changed, err := mutate(current)
	if err != nil {
		return current, err
	}
	if changed {
		if err := updateTransaction(ctx, dbTx, current); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, err
	}
	return current, nil
}

func updateTransaction(ctx context.Context, q querier, tx *domain.PaymentTransaction) error {
	metadata, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	query := `
		UPDATE payment_transactions
		SET status = $1,
			provider_transaction_id = $2,
			paid_at = $3,
			failed_at = $4,
			refunded_at = $5,
			failure_reason = $6,
			error_code = $7,
			transaction_fee = $8,
			net_amount = $9,
			refund_amount = $10,
			refund_reason = $11,
			refund_transaction_id = $12,
			refund_status = $13,
			refund_ref = $14,
			refund_requested_at = $15,
			refund_requested_by = $16,
			metadata = $17::jsonb,
			updated_at = NOW()
		WHERE id = $18
	`
	_, err = q.Exec(ctx, query,
		string(tx.Status),
		tx.ProviderTransactionID,
		tx.PaidAt,
		tx.FailedAt,
		tx.RefundedAt,
		tx.FailureReason,
		tx.ErrorCode,
		tx.TransactionFee,
		tx.NetAmount,
		tx.RefundAmount,
		tx.RefundReason,
		tx.RefundTransactionID,
		string(tx.RefundStatus),
		tx.RefundRef,
		tx.RefundRequestedAt,
		tx.RefundRequestedBy,
		metadata,
		tx.ID,
	)
	return err
}

// ListPendingTransactions returns PENDING transactions created before the cutoff, oldest first.
func (r *PostgresRepository) ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ListRefundsInProgress returns transactions whose provider refund has not settled yet.
func (r *PostgresRepository) ListRefundsInProgress(ctx context.Context, limit int) ([]domain.PaymentTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE refund_status = 'PROCESSING' AND status = 'SUCCESS'
		ORDER BY refund_requested_at ASC
		LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// ListSettleableTransactions returns SUCCESS transactions paid in [paidFrom, paidTo) that
// no payout has claimed yet and that have no refund in flight.
func (r *PostgresRepository) ListSettleableTransactions(ctx context.Context, paidFrom, paidTo time.Time) ([]domain.PaymentTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions t
		WHERE t.status = 'SUCCESS'
			AND t.net_amount IS NOT NULL
			AND t.refund_status <> 'PROCESSING'
			AND t.paid_at >= $1 AND t.paid_at < $2
			AND NOT EXISTS (SELECT 1 FROM payout_items pi WHERE pi.transaction_id = t.id)
		ORDER BY t.teacher_id, t.paid_at
	`, paidFrom, paidTo)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
