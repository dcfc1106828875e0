package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"intentd/internal/app"
	"intentd/internal/intent"
	"intentd/internal/task/scheduler"
)

func triggerCmd() *cobra.Command {
	var o scheduler.ExecuteOptions
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run a task now through the normal execution path",
		Long: `Run a task now. The intent for --date (today by default) is reused or
created, so a date that already completed is not run twice. Retries are
awaited before the command returns unless --no-retry is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Scheduler().Execute(cmd.Context(), o)
			if err != nil {
				return err
			}
			if res.Outcome == scheduler.OutcomeRetryScheduled {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: retry #%d in %s\n", o.SchedulerType, o.TaskID, res.Retry.Attempt, res.Retry.Delay)
				in, err := waitIntent(cmd.Context(), a, res.IntentID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s: %s\n", o.SchedulerType, o.TaskID, in.IntendedDate, in.Status)
				if in.Status != intent.StatusCompleted && !in.CaughtUp() {
					return fmt.Errorf("%s: %s", in.Status, in.ErrorMessage)
				}
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s (intent %s)\n", o.SchedulerType, o.TaskID, res.Outcome, res.IntentID)
			if !res.OK() {
				if res.Err != nil {
					return res.Err
				}
				return fmt.Errorf("outcome %s", res.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&o.SchedulerType, "type", "", "scheduler type (required)")
	cmd.Flags().StringVar(&o.TaskID, "task", "", "task id (required)")
	cmd.Flags().StringVar(&o.Date, "date", "", "intended date YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&o.NoRetry, "no-retry", false, "fail on the first error")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func hasRunCmd() *cobra.Command {
	var typ, task string
	cmd := &cobra.Command{
		Use:   "has-run",
		Short: "Report whether a task completed today; exits 1 when it did not",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ok := a.Scheduler().HasRunToday(cmd.Context(), typ, task)
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s: %t\n", typ, task, a.Scheduler().Today(), ok)
			if !ok {
				return errors.New("not run today")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "scheduler type (required)")
	cmd.Flags().StringVar(&task, "task", "", "task id (required)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

// waitRetries blocks until no retry is pending and nothing executes, or ctx
// ends. Retry timers only live in this process, so leaving early abandons
// them. Their intents stay running until a daemon recovery pass finds them
// older than recovery.stale_running_after and settles them.
func waitRetries(ctx context.Context, a *app.App) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	idle := 0
	// two idle ticks in a row: a fired retry may not have claimed its intent yet
	for idle < 2 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if len(a.Retry().Snapshot()) == 0 && !a.Scheduler().Busy() {
			idle++
		} else {
			idle = 0
		}
	}
}

// waitIntent polls until the intent reaches a terminal status with no retry
// of it armed or executing, or ctx ends. A failed intent being re-run keeps
// its status while retries are pending.
func waitIntent(ctx context.Context, a *app.App, id string) (intent.ExecutionIntent, error) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	settled := 0
	for {
		in, err := a.Store().Lookup(ctx, id)
		if err != nil {
			return in, err
		}
		if in.Status.Terminal() && !retryPending(a, id) && !a.Scheduler().Busy() {
			// twice in a row, as in waitRetries
			if settled++; settled == 2 {
				return in, nil
			}
		} else {
			settled = 0
		}
		select {
		case <-ctx.Done():
			return in, ctx.Err()
		case <-t.C:
		}
	}
}

func retryPending(a *app.App, intentID string) bool {
	for _, p := range a.Retry().Snapshot() {
		if p.IntentID == intentID {
			return true
		}
	}
	return false
}
