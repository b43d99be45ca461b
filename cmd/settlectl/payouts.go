package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coursemarket/settlement-service/internal/app"
	"github.com/coursemarket/settlement-service/internal/domain"
)

func payoutsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts",
		Short: "Teacher payout batches",
	}

	build := &cobra.Command{
		Use:   "build [period]",
		Short: "Build payouts for a YYYY-MM period (defaults to last month)",
		Long: `Build one PENDING payout per teacher and revenue share percentage for every
settleable transaction paid within the period. Transactions already settled are
skipped, so a period can be rebuilt safely after a failure.

Examples:
  settlectl payouts build
  settlectl payouts build 2024-05`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, env *environment, svc *app.Service) error {
				period := domain.PreviousPeriod(time.Now(), env.cfg.Location())
				if len(args) == 1 {
					period = args[0]
				}
				report, err := svc.BuildPayoutBatch(ctx, period)
				if err != nil {
					return fmt.Errorf("build payouts for %s: %w", period, err)
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if len(report.Failures) > 0 {
					return fmt.Errorf("%d teacher(s) failed", len(report.Failures))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(build)
	return cmd
}
