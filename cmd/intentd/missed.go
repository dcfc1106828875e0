package main

import (
	"encoding/json"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"intentd/internal/recovery"
)

func missedCmd() *cobra.Command {
	var (
		o      recovery.MissedOptions
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "missed",
		Short: "List intents whose window closed without a terminal status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			missed := a.Recovery().GetMissed(cmd.Context(), o)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(missed)
			}

			loc := a.Scheduler().Location()
			t := newTable(cmd)
			t.AppendHeader(table.Row{"Intent", "Type", "Task", "Date", "Status", "Window End", "Error"})
			for _, in := range missed {
				t.AppendRow(table.Row{in.ID, in.SchedulerType, in.TaskID, in.IntendedDate, in.Status, in.WindowEnd.In(loc).Format(time.DateTime), in.ErrorMessage})
			}
			t.AppendFooter(table.Row{"", "", "", "", "", "total", len(missed)})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&o.SchedulerType, "type", "", "only this scheduler type")
	cmd.Flags().StringVar(&o.TaskID, "task", "", "only this task id")
	cmd.Flags().IntVar(&o.LookbackDays, "lookback", 0, "days to look back (0 = all)")
	cmd.Flags().IntVar(&o.Limit, "limit", 0, "max rows (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newTable(cmd *cobra.Command) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	return t
}
