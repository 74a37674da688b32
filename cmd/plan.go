package cmd

import "github.com/spf13/cobra"

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect session plans",
}

var planGetCmd = &cobra.Command{
	Use:   "get SESSION",
	Short: "Print a session's plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("plan.get", map[string]any{"session": args[0]})
	},
}

var planStatusCmd = &cobra.Command{
	Use:   "status SESSION",
	Short: "Show plan readiness for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("plan.status", map[string]any{"session": args[0]})
	},
}

func init() {
	planCmd.AddCommand(planGetCmd, planStatusCmd)
	rootCmd.AddCommand(planCmd)
}
