package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/membermatters/billing/pkg/billing"
	billingstripe "github.com/membermatters/billing/pkg/billing/stripe"
)

func reconcileCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [member-id...]",
		Short: "Re-read subscriptions from Stripe and repair drifted members",
		Long: `Compare stored subscription state with Stripe.

Without arguments every member holding a subscription is checked.

Examples:
  memberbilling reconcile
  memberbilling reconcile 42 57`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // command exit

			reconciler, err := a.newReconciler()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				summary := a.reconcileAll(ctx, reconciler)
				if summary.Failed > 0 {
					return fmt.Errorf("%d of %d members could not be reconciled", summary.Failed, summary.Checked)
				}
				return nil
			}

			for _, memberID := range args {
				action, err := reconciler.ReconcileMember(ctx, memberID)
				if err != nil {
					return fmt.Errorf("member %s: %w", memberID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", memberID, action)
			}
			return nil
		},
	}
}

// reconcileAll runs one reconciliation pass and logs its summary.
func (a *app) reconcileAll(ctx context.Context, reconciler *billingstripe.Reconciler) billingstripe.ReconcileSummary {
	start := time.Now()
	summary, err := reconciler.ReconcileAll(ctx)
	if err != nil {
		a.logger.Error("reconciliation failed", billing.F("error", err))
		return summary
	}
	a.logger.Info("reconciliation finished",
		billing.F("checked", summary.Checked),
		billing.F("changed", summary.Changed),
		billing.F("failed", summary.Failed),
		billing.F("duration", time.Since(start).String()),
	)
	return summary
}
