package cmd

import "github.com/spf13/cobra"

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Drive and inspect the coordinator loop",
}

var coordinatorEvaluateCmd = &cobra.Command{
	Use:   "evaluate SESSION",
	Short: "Queue a manual evaluation for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"session": args[0]}
		if reason, _ := cmd.Flags().GetString("reason"); reason != "" {
			params["reason"] = reason
		}
		return call("coordinator.evaluate", params)
	},
}

var coordinatorHistoryCmd = &cobra.Command{
	Use:   "history SESSION",
	Short: "Show a session's decision ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"session": args[0]}
		if cmd.Flags().Changed("limit") {
			limit, _ := cmd.Flags().GetInt("limit")
			params["limit"] = limit
		}
		return call("coordinator.history", params)
	},
}

var coordinatorPauseCmd = &cobra.Command{
	Use:   "pause SESSION",
	Short: "Pause evaluations for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"session": args[0]}
		if reason, _ := cmd.Flags().GetString("reason"); reason != "" {
			params["reason"] = reason
		}
		return call("coordinator.pause", params)
	},
}

var coordinatorResumeCmd = &cobra.Command{
	Use:   "resume SESSION",
	Short: "Resume evaluations for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("coordinator.resume", map[string]any{"session": args[0]})
	},
}

func init() {
	coordinatorEvaluateCmd.Flags().String("reason", "", "why the evaluation is needed")
	coordinatorHistoryCmd.Flags().Int("limit", 0, "most recent entries to return")
	coordinatorPauseCmd.Flags().String("reason", "", "why evaluations are paused")

	coordinatorCmd.AddCommand(coordinatorEvaluateCmd, coordinatorHistoryCmd,
		coordinatorPauseCmd, coordinatorResumeCmd)
	rootCmd.AddCommand(coordinatorCmd)
}
