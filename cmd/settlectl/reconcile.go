package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/coursemarket/settlement-service/internal/app"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Query providers for payments and refunds that never resolved",
	}

	var (
		minAge time.Duration
		limit  int
	)
	payments := &cobra.Command{
		Use:   "payments",
		Short: "Resolve PENDING payments older than --min-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, env *environment, svc *app.Service) error {
				age := minAge
				if age <= 0 {
					age = env.cfg.PendingPaymentMinAge()
				}
				summary, err := svc.ReconcilePendingPayments(ctx, time.Now().UTC().Add(-age), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	payments.Flags().DurationVar(&minAge, "min-age", 0, "only reconcile payments created before now minus this age (default from config)")
	payments.Flags().IntVar(&limit, "limit", 100, "maximum transactions per run")

	var refundLimit int
	refunds := &cobra.Command{
		Use:   "refunds",
		Short: "Resolve refunds still PROCESSING at the provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, env *environment, svc *app.Service) error {
				summary, err := svc.ReconcileRefunds(ctx, refundLimit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	refunds.Flags().IntVar(&refundLimit, "limit", 100, "maximum refunds per run")

	cmd.AddCommand(payments, refunds)
	return cmd
}
