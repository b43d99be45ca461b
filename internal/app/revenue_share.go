package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/internal/store"
)

// RevenueShareInput creates a config with an explicit window.
type RevenueShareInput struct {
	CategoryID    *uuid.UUID
	Percentage    decimal.Decimal
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Note          string
	CreatedBy     string
}

// CloneInput supersedes a config from EffectiveFrom on.
type CloneInput struct {
	Percentage    decimal.Decimal
	EffectiveFrom time.Time
	Note          string
	CreatedBy     string
}

// CreateRevenueShareConfig validates and stores a new active config. The store rejects it
// with domain.ErrConfigOverlap when its window intersects an active config of the same scope.
func (s *Service) CreateRevenueShareConfig(ctx context.Context, in RevenueShareInput) (*domain.RevenueShareConfig, error) {
	cfg, err := domain.NewRevenueShareConfig(in.CategoryID, in.Percentage, in.EffectiveFrom, in.EffectiveTo, in.Note, in.CreatedBy, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateRevenueShareConfig(ctx, cfg); err != nil {
		return nil, err
	}
	s.logger.Info("revenue share config created",
		zap.String("config_id", cfg.ID.String()),
		zap.String("scope", scopeLabel(cfg.CategoryID)),
		zap.String("percentage", cfg.Percentage.String()),
		zap.String("effective_from", cfg.EffectiveFrom.Format(domain.DateLayout)),
	)
	return cfg, nil
}

// CloneRevenueShareConfig closes config id the day before in.EffectiveFrom and opens its
// successor, in one database transaction.
func (s *Service) CloneRevenueShareConfig(ctx context.Context, id uuid.UUID, in CloneInput) (*domain.RevenueShareConfig, *domain.RevenueShareConfig, error) {
	now := s.now()
	previous, next, err := s.repo.CloneRevenueShareConfig(ctx, id, func(current *domain.RevenueShareConfig) (*domain.RevenueShareConfig, error) {
		return current.CloneForNewVersion(in.Percentage, in.EffectiveFrom, in.Note, in.CreatedBy, now)
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("revenue share config versioned",
		zap.String("previous_config_id", previous.ID.String()),
		zap.String("config_id", next.ID.String()),
		zap.String("scope", scopeLabel(next.CategoryID)),
		zap.String("percentage", next.Percentage.String()),
		zap.String("effective_from", next.EffectiveFrom.Format(domain.DateLayout)),
	)
	return previous, next, nil
}

// DeactivateRevenueShareConfig switches a config off. Its window is kept for audit.
func (s *Service) DeactivateRevenueShareConfig(ctx context.Context, id uuid.UUID) (*domain.RevenueShareConfig, error) {
	cfg, err := s.repo.DeactivateRevenueShareConfig(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("revenue share config deactivated", zap.String("config_id", id.String()))
	return cfg, nil
}

// ListRevenueShareConfigs returns configs matching filter.
func (s *Service) ListRevenueShareConfigs(ctx context.Context, filter store.RevenueShareFilter) ([]domain.RevenueShareConfig, error) {
	return s.repo.ListRevenueShareConfigs(ctx, filter)
}

// ResolveRevenueShare returns the config that applies to a category on a civil date.
func (s *Service) ResolveRevenueShare(ctx context.Context, categoryID *uuid.UUID, date time.Time) (*domain.RevenueShareConfig, error) {
	configs, err := s.repo.ListRevenueShareConfigs(ctx, store.RevenueShareFilter{ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list revenue share configs: %w", err)
	}
	return domain.ResolveRevenueShare(configs, categoryID, date)
}

func scopeLabel(categoryID *uuid.UUID) string {
	if categoryID == nil {
		return "default"
	}
	return categoryID.String()
}
