package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/coursemarket/settlement-service/internal/app"
	"github.com/coursemarket/settlement-service/internal/domain"
	"github.com/coursemarket/settlement-service/internal/store"
)

func revenueShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "revenue-share",
		Aliases: []string{"rs"},
		Short:   "Inspect and version revenue share configs",
	}

	var (
		category   string
		activeOnly bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List revenue share configs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.RevenueShareFilter{ActiveOnly: activeOnly}
			switch category {
			case "":
			case "default":
				filter.DefaultOnly = true
			default:
				id, err := uuid.Parse(category)
				if err != nil {
					return fmt.Errorf("invalid --category: %w", err)
				}
				filter.CategoryID = &id
			}
			return withService(cmd, func(ctx context.Context, env *environment, svc *app.Service) error {
				configs, err := svc.ListRevenueShareConfigs(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), configs)
			})
		},
	}
	list.Flags().StringVar(&category, "category", "", `category id, or "default" for the platform-wide scope`)
	list.Flags().BoolVar(&activeOnly, "active", false, "only list active configs")

	var (
		percentage    string
		effectiveFrom string
		note          string
	)
	clone := &cobra.Command{
		Use:   "clone <config-id>",
		Short: "Supersede a config with a new percentage from a date on",
		Long: `Close the config the day before --from and open a successor with the new
percentage in the same scope. Both changes are applied atomically.

Example:
  settlectl revenue-share clone 6f1c... --percentage 85 --from 2024-06-01 --note "summer promo"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid config id: %w", err)
			}
			pct, err := decimal.NewFromString(percentage)
			if err != nil {
				return fmt.Errorf("invalid --percentage: %w", err)
			}
			from, err := domain.ParseDate(effectiveFrom)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			return withService(cmd, func(ctx context.Context, env *environment, svc *app.Service) error {
				previous, current, err := svc.CloneRevenueShareConfig(ctx, id, app.CloneInput{
					Percentage:    pct,
					EffectiveFrom: from,
					Note:          note,
					CreatedBy:     "settlectl",
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"previous": previous, "current": current})
			})
		},
	}
	clone.Flags().StringVar(&percentage, "percentage", "", "teacher share, 0 to 100")
	clone.Flags().StringVar(&effectiveFrom, "from", "", "first civil date of the new version (YYYY-MM-DD)")
	clone.Flags().StringVar(&note, "note", "", "reason recorded on the new version")
	_ = clone.MarkFlagRequired("percentage")
	_ = clone.MarkFlagRequired("from")

	cmd.AddCommand(list, clone)
	return cmd
}
