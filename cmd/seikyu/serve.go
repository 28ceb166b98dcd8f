package main

import (
	"github.com/smallbiznis/seikyu/internal/scheduler"
	"github.com/smallbiznis/seikyu/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background scheduler",
	Long: `Run the HTTP API together with the scheduler jobs.

The scheduler can be turned off with SCHEDULER_ENABLED=false, or limited to
some jobs with SCHEDULER_JOBS (comma separated: send_scheduled, overdue_sweep,
monthly_generation).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			engineModules(),
			scheduler.Module,
			server.Module,
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
