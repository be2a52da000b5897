package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jidegrand/travelcart/internal/app"
)

var (
	showLimit   int
	showWatchID string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display watches, or one watch's samples and notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			WatchID: showWatchID,
			Limit:   showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showWatchID, "watch", "", "Show history for this watch id")
}
