package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"intentd/internal/app"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "intentd",
	Short: "Crash-tolerant task scheduler with execution intents",
	Long: `intentd runs scheduled job families and records an execution intent
before every run, so work missed while the daemon was down is caught up
on the next start.

Examples:
  intentd run                                # run the daemon
  intentd missed --lookback 3                # list missed intents
  intentd trigger --type backup --task db    # run a task now
  intentd recover --max 5                    # one recovery pass`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./intentd.yaml", "path to config (yaml or json)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(missedCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(hasRunCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(statusCmd())
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// openApp builds the app for a one-shot command. Timers are never armed.
func openApp() (*app.App, error) {
	return app.New(cfgPath)
}
