package cli

import (
	"github.com/spf13/cobra"
)

var drillCmd = &cobra.Command{
	Use:   "drill <name>",
	Short: "执行一次混沌演练并输出结果",
	Long:  "Runs a single resilience drill (heartbeat_lapse, circuit_trip, budget_drain, latency_spike) against private fixtures.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().RunDrill(cmd.Context(), args[0])
	},
}
