package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/coursemarket/settlement-service/internal/domain"
)

const payoutColumns = `
	id, teacher_id, period, amount, currency, status, revenue_share_percentage, total_revenue,
	total_enrollments, bank_name, bank_account_number, bank_account_name, transfer_fee, tax_amount,
	net_amount, bank_transaction_id, calculated_at, processed_by, processed_at, failure_reason,
	failed_at, retry_count, notes, created_at, updated_at`

func scanPayout(row rowScanner) (*domain.Payout, error) {
	var (
		p      domain.Payout
		period string
		status string
	)
	err := row.Scan(
		&p.ID,
		&p.TeacherID,
		&period,
		&p.Amount,
		&p.Currency,
		&status,
		&p.RevenueSharePercentage,
		&p.TotalRevenue,
		&p.TotalEnrollments,
		&p.BankName,
		&p.BankAccountNumber,
		&p.BankAccountName,
		&p.TransferFee,
		&p.TaxAmount,
		&p.NetAmount,
		&p.BankTransactionID,
		&p.CalculatedAt,
		&p.ProcessedBy,
		&p.ProcessedAt,
		&p.FailureReason,
		&p.FailedAt,
		&p.RetryCount,
		&p.Notes,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Period = strings.TrimSpace(period)
	p.Status = domain.PayoutStatus(status)
	return &p, nil
}

// CreatePayoutWithItems inserts a payout and the transactions it settles. It fails with
// ErrPayoutExists when the (teacher, period, percentage) payout was already built and with
// ErrTransactionAlreadySettled when another payout claimed one of the transactions.
func (r *PostgresRepository) CreatePayoutWithItems(ctx context.Context, payout *domain.Payout, items []domain.PayoutItem) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO payouts (
			id, teacher_id, period, amount, currency, status, revenue_share_percentage, total_revenue,
			total_enrollments, bank_name, bank_account_number, bank_account_name, transfer_fee, tax_amount,
			net_amount, calculated_at, retry_count, notes, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT ON CONSTRAINT uq_payouts_teacher_period_percentage DO NOTHING
	`,
		payout.ID,
		payout.TeacherID,
		payout.Period,
		payout.Amount,
		payout.Currency,
		string(payout.Status),
		payout.RevenueSharePercentage,
		payout.TotalRevenue,
		payout.TotalEnrollments,
		payout.BankName,
		payout.BankAccountNumber,
		payout.BankAccountName,
		payout.TransferFee,
		payout.TaxAmount,
		payout.NetAmount,
		payout.CalculatedAt,
		payout.RetryCount,
		payout.Notes,
		payout.CreatedAt,
		payout.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutExists
	}

	for _, item := range items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO payout_items (
				transaction_id, payout_id, config_id, net_amount, percentage, teacher_revenue, platform_revenue
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			item.TransactionID,
			payout.ID,
			item.ConfigID,
			item.NetAmount,
			item.Percentage,
			item.TeacherRevenue,
			item.PlatformRevenue,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", ErrTransactionAlreadySettled, item.TransactionID)
			}
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindPayoutByID retrieves a payout by its ID.
func (r *PostgresRepository) FindPayoutByID(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	p, err := scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListPayouts lists payouts newest first.
func (r *PostgresRepository) ListPayouts(ctx context.Context, filter PayoutFilter) ([]domain.Payout, error) {
	var (
		conditions []string
		args       []any
	)
	if period := strings.TrimSpace(filter.Period); period != "" {
		args = append(args, period)
		conditions = append(conditions, fmt.Sprintf("period = $%d", len(args)))
	}
	if filter.TeacherID != nil {
		args = append(args, *filter.TeacherID)
		conditions = append(conditions, fmt.Sprintf("teacher_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + payoutColumns + ` FROM payouts`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// ListPayoutItems returns the per-transaction split behind a payout.
func (r *PostgresRepository) ListPayoutItems(ctx context.Context, payoutID uuid.UUID) ([]domain.PayoutItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT payout_id, transaction_id, net_amount, percentage, teacher_revenue, platform_revenue, config_id
		FROM payout_items
		WHERE payout_id = $1
		ORDER BY created_at ASC, transaction_id ASC
	`, payoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.PayoutItem
	for rows.Next() {
		var item domain.PayoutItem
		if err := rows.Scan(
			&item.PayoutID,
			&item.TransactionID,
			&item.NetAmount,
			&item.Percentage,
			&item.TeacherRevenue,
			&item.PlatformRevenue,
			&item.ConfigID,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdatePayoutLocked loads the payout with FOR UPDATE, applies mutate and persists the result.
func (r *PostgresRepository) UpdatePayoutLocked(ctx context.Context, id uuid.UUID, mutate PayoutMutation) (*domain.Payout, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}

	changed, err := mutate(current)
	if err != nil {
		return current, err
	}
	if changed {
		if _, err := tx.Exec(ctx, `
			UPDATE payouts
			SET amount = $1,
				status = $2,
				transfer_fee = $3,
				tax_amount = $4,
				net_amount = $5,
				bank_transaction_id = $6,
				calculated_at = $7,
				processed_by = $8,
				processed_at = $9,
				failure_reason = $10,
				failed_at = $11,
				retry_count = $12,
				notes = $13,
				updated_at = NOW()
			WHERE id = $14
		`,
			current.Amount,
			string(current.Status),
			current.TransferFee,
			current.TaxAmount,
			current.NetAmount,
			current.BankTransactionID,
			current.CalculatedAt,
			current.ProcessedBy,
			current.ProcessedAt,
			current.FailureReason,
			current.FailedAt,
			current.RetryCount,
			current.Notes,
			current.ID,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return current, nil
}
