package main

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured tasks, their next occurrence and last intent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			snap := a.Scheduler().Snapshot()
			loc := a.Scheduler().Location()
			fmt.Fprintf(cmd.OutOrStdout(), "timezone %s, today %s\n", snap.Timezone, a.Scheduler().Today())

			t := newTable(cmd)
			t.AppendHeader(table.Row{"Type", "Task", "Schedule", "Next", "Last Date", "Last Status", "Note"})
			for _, s := range snap.Schedules {
				next := "-"
				if !s.Next.IsZero() {
					next = s.Next.In(loc).Format(time.DateTime)
				}
				lastDate, lastStatus := "-", "-"
				if in, ok := a.Store().LatestForTask(cmd.Context(), s.SchedulerType, s.TaskID); ok {
					lastDate, lastStatus = in.IntendedDate, string(in.Status)
				}
				note := s.Error
				if note == "" && s.Disabled {
					note = "disabled"
				}
				t.AppendRow(table.Row{s.SchedulerType, s.TaskID, s.Schedule, next, lastDate, lastStatus, note})
			}
			t.Render()
			return nil
		},
	}
}
