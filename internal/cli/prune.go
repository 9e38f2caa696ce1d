package cli

import (
	"github.com/spf13/cobra"

	"trade-warden/internal/app"
)

var (
	pruneKeepDays int
	pruneDryRun   bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove history older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PruneOptions{
			KeepDays: pruneKeepDays,
			DryRun:   pruneDryRun,
		}
		return getApp().Prune(cmd.Context(), opts)
	},
}

func init() {
	pruneCmd.Flags().IntVar(&pruneKeepDays, "keep-days", 30, "Retention in days; older rows are deleted")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report what would be removed without deleting")
}
