package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"intentd/internal/recovery"
)

func recoverCmd() *cobra.Command {
	var (
		maxRuns  int
		lookback int
		priority string
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass now",
		Long: `Run one recovery pass with the configured options, overridden by the
flags given. Do not run it while the daemon serves the same store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			o := a.Recovery().Options()
			o.StartupDelay = 0
			if cmd.Flags().Changed("max") {
				o.MaxCatchUpExecutions = maxRuns
			}
			if cmd.Flags().Changed("lookback") {
				o.LookbackDays = lookback
			}
			if cmd.Flags().Changed("priority") {
				if o.Priority, err = recovery.ParsePriority(priority); err != nil {
					return err
				}
			}

			rep, err := a.Recovery().RunWith(cmd.Context(), o)
			if err != nil {
				return err
			}
			if wait {
				waitRetries(cmd.Context(), a)
			}

			t := newTable(cmd)
			t.AppendHeader(table.Row{"Intent", "Key", "Outcome", "Error"})
			for _, it := range rep.Items {
				outcome := string(it.Outcome)
				if it.Skipped {
					outcome = "skipped"
				}
				t.AppendRow(table.Row{it.IntentID, it.Key, outcome, it.Err})
			}
			t.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "detected=%d executed=%d skipped=%d failed=%d presumed_crashed=%d settled=%d backfilled=%d\n",
				rep.Detected, rep.Executed, rep.Skipped, rep.Failed, rep.PresumedCrashed, rep.Settled, rep.Backfilled)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxRuns, "max", 0, "max catch-up executions")
	cmd.Flags().IntVar(&lookback, "lookback", 0, "lookback days")
	cmd.Flags().StringVar(&priority, "priority", "", "oldest_first or newest_first")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for retries armed during the pass")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal intents older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("days") {
				days = a.Retention().Config().RetentionDays
			}
			n, err := a.Retention().Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d intents older than %d days\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention days (default from config)")
	return cmd
}
