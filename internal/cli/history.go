package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trade-warden/internal/app"
)

var (
	historyLimit    int
	historyBreaches bool
	historyAlerts   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display recent evaluation history from the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if historyBreaches && historyAlerts {
			return fmt.Errorf("--breaches and --alerts are mutually exclusive")
		}

		opts := app.HistoryOptions{
			Limit:    historyLimit,
			Breaches: historyBreaches,
			Alerts:   historyAlerts,
		}

		return getApp().History(cmd.Context(), opts)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of rows to display")
	historyCmd.Flags().BoolVar(&historyBreaches, "breaches", false, "Show breach events instead of samples")
	historyCmd.Flags().BoolVar(&historyAlerts, "alerts", false, "Show emitted alerts instead of samples")
}
