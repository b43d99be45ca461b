package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coursemarket/settlement-service/internal/domain"
)

const revenueShareColumns = `
	id, category_id, percentage, effective_from, effective_to, is_active, note, created_by,
	previous_config_id, created_at, updated_at`

func scanRevenueShareConfig(row rowScanner) (*domain.RevenueShareConfig, error) {
	var cfg domain.RevenueShareConfig
	err := row.Scan(
		&cfg.ID,
		&cfg.CategoryID,
		&cfg.Percentage,
		&cfg.EffectiveFrom,
		&cfg.EffectiveTo,
		&cfg.IsActive,
		&cfg.Note,
		&cfg.CreatedBy,
		&cfg.PreviousConfigID,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.EffectiveFrom = domain.CivilDate(cfg.EffectiveFrom, time.UTC)
	if cfg.EffectiveTo != nil {
		end := domain.CivilDate(*cfg.EffectiveTo, time.UTC)
		cfg.EffectiveTo = &end
	}
	return &cfg, nil
}

func collectRevenueShareConfigs(rows pgx.Rows) ([]domain.RevenueShareConfig, error) {
	defer rows.Close()
	var configs []domain.RevenueShareConfig
	for rows.Next() {
		cfg, err := scanRevenueShareConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(domain.DateLayout)
	return &s
}

// scopeLockKey names the advisory lock serializing writes to one category's configs.
func scopeLockKey(categoryID *uuid.UUID) string {
	if categoryID == nil {
		return "revenue_share:default"
	}
	return "revenue_share:" + categoryID.String()
}

func lockScope(ctx context.Context, tx pgx.Tx, categoryID *uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scopeLockKey(categoryID))
	return err
}

func activeConfigsInScope(ctx context.Context, q querier, categoryID *uuid.UUID) ([]domain.RevenueShareConfig, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if categoryID == nil {
		rows, err = q.Query(ctx, `SELECT `+revenueShareColumns+` FROM revenue_share_configs WHERE is_active AND category_id IS NULL`)
	} else {
		rows, err = q.Query(ctx, `SELECT `+revenueShareColumns+` FROM revenue_share_configs WHERE is_active AND category_id = $1`, *categoryID)
	}
	if err != nil {
		return nil, err
	}
	return collectRevenueShareConfigs(rows)
}

func checkOverlap(candidate *domain.RevenueShareConfig, existing []domain.RevenueShareConfig, ignore uuid.UUID) error {
	for i := range existing {
		other := &existing[i]
		if other.ID == candidate.ID || other.ID == ignore || !other.IsActive || !candidate.SameScope(other) {
			continue
		}
		if candidate.OverlapsWith(other) {
			return fmt.Errorf("%w: conflicts with %s", domain.ErrConfigOverlap, other.ID)
		}
	}
	return nil
}

func insertRevenueShareConfig(ctx context.Context, q querier, cfg *domain.RevenueShareConfig) error {
	_, err := q.Exec(ctx, `
		INSERT INTO revenue_share_configs (
			id, category_id, percentage, effective_from, effective_to, is_active, note, created_by,
			previous_config_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4::date, $5::date, $6, $7, $8, $9, $10, $11)
	`,
		cfg.ID,
		cfg.CategoryID,
		cfg.Percentage,
		cfg.EffectiveFrom.Format(domain.DateLayout),
		formatDate(cfg.EffectiveTo),
		cfg.IsActive,
		cfg.Note,
		cfg.CreatedBy,
		cfg.PreviousConfigID,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	return err
}

// ListRevenueShareConfigs lists configs ordered by scope and start date.
func (r *PostgresRepository) ListRevenueShareConfigs(ctx context.Context, filter RevenueShareFilter) ([]domain.RevenueShareConfig, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active")
	}
	switch {
	case filter.DefaultOnly:
		conditions = append(conditions, "category_id IS NULL")
	case filter.CategoryID != nil:
		args = append(args, *filter.CategoryID)
		conditions = append(conditions, fmt.Sprintf("category_id = $%d", len(args)))
	}

	query := `SELECT ` + revenueShareColumns + ` FROM revenue_share_configs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY category_id NULLS FIRST, effective_from ASC, created_at ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRevenueShareConfigs(rows)
}

// FindRevenueShareConfigByID retrieves a config by its ID.
func (r *PostgresRepository) FindRevenueShareConfigByID(ctx context.Context, id uuid.UUID) (*domain.RevenueShareConfig, error) {
	cfg, err := scanRevenueShareConfig(r.db.QueryRow(ctx, `SELECT `+revenueShareColumns+` FROM revenue_share_configs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRevenueShareNotFound
		}
		return nil, err
	}
	return cfg, nil
}

// CreateRevenueShareConfig inserts cfg unless its window overlaps an active config of the same scope.
func (r *PostgresRepository) CreateRevenueShareConfig(ctx context.Context, cfg *domain.RevenueShareConfig) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockScope(ctx, tx, cfg.CategoryID); err != nil {
		return err
	}
	existing, err := activeConfigsInScope(ctx, tx, cfg.CategoryID)
	if err != nil {
		return err
	}
	if err := checkOverlap(cfg, existing, uuid.Nil); err != nil {
		return err
	}
	if err := insertRevenueShareConfig(ctx, tx, cfg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CloneRevenueShareConfig closes the config identified by id and inserts its successor in
// one database transaction. It returns the updated previous config and the new one.
func (r *PostgresRepository) CloneRevenueShareConfig(ctx context.Context, id uuid.UUID, version ConfigVersioner) (*domain.RevenueShareConfig, *domain.RevenueShareConfig, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanRevenueShareConfig(tx.QueryRow(ctx, `SELECT `+revenueShareColumns+` FROM revenue_share_configs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrRevenueShareNotFound
		}
		return nil, nil, err
	}
	if err := lockScope(ctx, tx, current.CategoryID); err != nil {
		return nil, nil, err
	}

	next, err := version(current)
	if err != nil {
		return nil, nil, err
	}

	existing, err := activeConfigsInScope(ctx, tx, current.CategoryID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkOverlap(next, existing, current.ID); err != nil {
		return nil, nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE revenue_share_configs
		SET effective_to = $1::date, is_active = $2, updated_at = $3
		WHERE id = $4
	`, formatDate(current.EffectiveTo), current.IsActive, current.UpdatedAt, current.ID); err != nil {
		return nil, nil, err
	}
	if err := insertRevenueShareConfig(ctx, tx, next); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return current, next, nil
}

// DeactivateRevenueShareConfig switches a config off. Deactivating an inactive config is a no-op.
func (r *PostgresRepository) DeactivateRevenueShareConfig(ctx context.Context, id uuid.UUID, at time.Time) (*domain.RevenueShareConfig, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	cfg, err := scanRevenueShareConfig(tx.QueryRow(ctx, `SELECT `+revenueShareColumns+` FROM revenue_share_configs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRevenueShareNotFound
		}
		return nil, err
	}
	if cfg.Deactivate(at) {
		if _, err := tx.Exec(ctx, `UPDATE revenue_share_configs SET is_active = FALSE, updated_at = $1 WHERE id = $2`, cfg.UpdatedAt, cfg.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return cfg, nil
}
