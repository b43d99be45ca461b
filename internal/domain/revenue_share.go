/**
 * @description
 * RevenueShareConfig is the temporally versioned percentage of net revenue paid to the
 * content owner, either platform-wide or for one category. Windows are inclusive civil
 * dates; a nil EffectiveTo is open-ended.
 */
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the wire format for civil dates.
const DateLayout = "2006-01-02"

// RevenueShareConfig is one version of a revenue split.
type RevenueShareConfig struct {
	ID               uuid.UUID       `json:"id"`
	CategoryID       *uuid.UUID      `json:"category_id,omitempty"`
	Percentage       decimal.Decimal `json:"percentage"`
	EffectiveFrom    time.Time       `json:"effective_from"`
	EffectiveTo      *time.Time      `json:"effective_to,omitempty"`
	IsActive         bool            `json:"is_active"`
	Note             *string         `json:"note,omitempty"`
	CreatedBy        *string         `json:"created_by,omitempty"`
	PreviousConfigID *uuid.UUID      `json:"previous_config_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CivilDate truncates t to midnight UTC of its calendar day in loc.
func CivilDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(raw string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(raw))
}

// NewRevenueShareConfig validates and builds an active config.
func NewRevenueShareConfig(categoryID *uuid.UUID, pct decimal.Decimal, from time.Time, to *time.Time, note, createdBy string, now time.Time) (*RevenueShareConfig, error) {
	if err := ValidatePercentage(pct); err != nil {
		return nil, err
	}
	from = CivilDate(from, time.UTC)
	var end *time.Time
	if to != nil {
		d := CivilDate(*to, time.UTC)
		if d.Before(from) {
			return nil, fmt.Errorf("%w: %s < %s", ErrInvalidEffectiveRange, d.Format(DateLayout), from.Format(DateLayout))
		}
		end = &d
	}

	cfg := &RevenueShareConfig{
		ID:            uuid.New(),
		CategoryID:    categoryID,
		Percentage:    pct,
		EffectiveFrom: from,
		EffectiveTo:   end,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if n := strings.TrimSpace(note); n != "" {
		cfg.Note = &n
	}
	if by := strings.TrimSpace(createdBy); by != "" {
		cfg.CreatedBy = &by
	}
	return cfg, nil
}

// IsDefault reports whether the config is the platform-wide default.
func (c *RevenueShareConfig) IsDefault() bool {
	return c.CategoryID == nil
}

// SameScope reports whether both configs target the same category (or both the default).
func (c *RevenueShareConfig) SameScope(other *RevenueShareConfig) bool {
	if c.CategoryID == nil || other.CategoryID == nil {
		return c.CategoryID == nil && other.CategoryID == nil
	}
	return *c.CategoryID == *other.CategoryID
}

// IsActiveOn reports whether the config is active and date falls inside its window.
func (c *RevenueShareConfig) IsActiveOn(date time.Time) bool {
	if !c.IsActive {
		return false
	}
	day := CivilDate(date, time.UTC)
	if day.Before(c.EffectiveFrom) {
		return false
	}
	return c.EffectiveTo == nil || !day.After(*c.EffectiveTo)
}

// OverlapsWith tests window intersection with open ends treated as infinity. Activity is
// not considered; callers decide which configs take part.
func (c *RevenueShareConfig) OverlapsWith(other *RevenueShareConfig) bool {
	if other == nil {
		return false
	}
	if c.EffectiveTo != nil && c.EffectiveTo.Before(other.EffectiveFrom) {
		return false
	}
	if other.EffectiveTo != nil && other.EffectiveTo.Before(c.EffectiveFrom) {
		return false
	}
	return true
}

// CloneForNewVersion closes this config the day before newFrom and returns its successor
// starting at newFrom. When that would close the window before it opens, the old config
// collapses to the single day EffectiveFrom and is deactivated.
func (c *RevenueShareConfig) CloneForNewVersion(pct decimal.Decimal, newFrom time.Time, note, createdBy string, now time.Time) (*RevenueShareConfig, error) {
	if !c.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrConfigInactive, c.ID)
	}

	next, err := NewRevenueShareConfig(c.CategoryID, pct, newFrom, nil, note, createdBy, now)
	if err != nil {
		return nil, err
	}
	prevID := c.ID
	next.PreviousConfigID = &prevID

	closeAt := next.EffectiveFrom.AddDate(0, 0, -1)
	if closeAt.Before(c.EffectiveFrom) {
		collapsed := c.EffectiveFrom
		c.EffectiveTo = &collapsed
		c.IsActive = false
	} else if c.EffectiveTo == nil || closeAt.Before(*c.EffectiveTo) {
		c.EffectiveTo = &closeAt
	}
	c.UpdatedAt = now
	return next, nil
}

// Deactivate turns the config off. Its window is kept for audit.
func (c *RevenueShareConfig) Deactivate(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	c.IsActive = false
	c.UpdatedAt = now
	return true
}

// ResolveRevenueShare picks the config applying to (categoryID, date): an active category
// config wins over the platform default. It fails with *ConfigGapError when nothing applies.
func ResolveRevenueShare(configs []RevenueShareConfig, categoryID *uuid.UUID, date time.Time) (*RevenueShareConfig, error) {
	var categoryMatches, defaultMatches []*RevenueShareConfig
	for i := range configs {
		cfg := &configs[i]
		if !cfg.IsActiveOn(date) {
			continue
		}
		switch {
		case cfg.CategoryID == nil:
			defaultMatches = append(defaultMatches, cfg)
		case categoryID != nil && *cfg.CategoryID == *categoryID:
			categoryMatches = append(categoryMatches, cfg)
		}
	}

	for _, matches := range [][]*RevenueShareConfig{categoryMatches, defaultMatches} {
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0], nil
		default:
			return nil, fmt.Errorf("%w: %d configs on %s", ErrAmbiguousRevenueShare, len(matches), CivilDate(date, time.UTC).Format(DateLayout))
		}
	}
	return nil, &ConfigGapError{CategoryID: categoryID, Date: CivilDate(date, time.UTC)}
}
