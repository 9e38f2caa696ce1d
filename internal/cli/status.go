package cli

import (
	"github.com/spf13/cobra"

	"trade-warden/internal/app"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display the live status of a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.StatusOptions{
			URL: statusURL,
		}
		return getApp().Status(cmd.Context(), opts)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "Status endpoint URL (defaults to the configured api.listen address)")
}
