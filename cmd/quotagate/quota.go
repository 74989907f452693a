package main

import (
	"context"
	"fmt"
	"io"

	"github.com/nhalm/quotagate"
	"github.com/nhalm/quotagate/internal/config"
	"github.com/nhalm/quotagate/plans"
	"github.com/nhalm/quotagate/store"
	"github.com/spf13/cobra"
)

var quotaFlags struct {
	subscriber string
	plan       string
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and reset subscriber quotas",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a subscriber's current usage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withQuota(cmd.Context(), true, func(q *quotagate.QuotaLimiter) error {
			return showUsage(cmd.Context(), q, cmd.OutOrStdout(), quotaFlags.subscriber, quotaFlags.plan)
		})
	},
}

var quotaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear a subscriber's current day and month counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withQuota(cmd.Context(), false, func(q *quotagate.QuotaLimiter) error {
			if err := q.ResetUsage(cmd.Context(), quotaFlags.subscriber); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset counters for %s\n", quotaFlags.subscriber)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(quotaCmd)
	quotaCmd.AddCommand(quotaShowCmd, quotaResetCmd)

	for _, c := range []*cobra.Command{quotaShowCmd, quotaResetCmd} {
		c.Flags().StringVar(&quotaFlags.subscriber, "subscriber", "", "subscriber id")
		_ = c.MarkFlagRequired("subscriber")
	}
	quotaShowCmd.Flags().StringVar(&quotaFlags.plan, "plan", "", "plan id")
	_ = quotaShowCmd.MarkFlagRequired("plan")
}

func withQuota(ctx context.Context, loadPlans bool, fn func(*quotagate.QuotaLimiter) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	counters, err := openCounterStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open counter store: %w", err)
	}
	defer counters.Close()

	q, err := newCLIQuota(ctx, cfg, counters, loadPlans)
	if err != nil {
		return err
	}
	return fn(q)
}

// newCLIQuota builds a quota limiter for one-off commands. Resetting counters
// does not consult plans, so loading them is optional.
func newCLIQuota(ctx context.Context, cfg *config.Config, counters store.Store, loadPlans bool) (*quotagate.QuotaLimiter, error) {
	loc, err := cfg.QuotaLocation()
	if err != nil {
		return nil, err
	}
	registry := plans.NewRegistry(plans.NewFileSource(cfg.Plans.File))
	if loadPlans {
		if err := registry.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("failed to load plans: %w", err)
		}
	}
	return quotagate.NewQuotaLimiter(registry, counters, quotagate.QuotaWithLocation(loc)), nil
}

func showUsage(ctx context.Context, q *quotagate.QuotaLimiter, w io.Writer, subscriber, plan string) error {
	usage, err := q.Usage(ctx, quotagate.Claims{SubscriberID: subscriber, PlanID: plan})
	if err != nil {
		return err
	}
	if usage == nil {
		fmt.Fprintf(w, "plan %q is not configured; %s is not limited\n", plan, subscriber)
		return nil
	}
	for _, u := range usage {
		if u.Unlimited {
			fmt.Fprintf(w, "%-5s  %d used (unlimited)\n", u.Period, u.Used)
			continue
		}
		fmt.Fprintf(w, "%-5s  %d/%d used, resets %s\n", u.Period, u.Used, u.Limit, u.ResetsAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
