package cli

import (
	"github.com/spf13/cobra"

	"github.com/jidegrand/travelcart/internal/app"
)

var serveWithScheduler bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled fare checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cron trigger, watch API and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context(), app.ServeOptions{WithScheduler: serveWithScheduler})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one price check and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithScheduler, "with-scheduler", false, "Also run the aligned check loop in-process")
}
