package cmd

import "github.com/spf13/cobra"

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect and control workflows",
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live and archived workflows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		params := map[string]any{}
		if sess, _ := cmd.Flags().GetString("session"); sess != "" {
			params["session"] = sess
		}
		return call("workflow.list", params)
	},
}

var workflowGetCmd = &cobra.Command{
	Use:   "get WORKFLOW",
	Short: "Show one workflow's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("workflow.get", map[string]any{"workflow": args[0]})
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel WORKFLOW",
	Short: "Cancel a running workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"workflow": args[0]}
		if reason, _ := cmd.Flags().GetString("reason"); reason != "" {
			params["reason"] = reason
		}
		return call("workflow.cancel", params)
	},
}

var workflowEventCmd = &cobra.Command{
	Use:   "event WORKFLOW TYPE",
	Short: "Deliver an event response to a blocked workflow",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("payload")
		payload, err := jsonFlag("payload", raw)
		if err != nil {
			return err
		}
		params := map[string]any{"workflow": args[0], "type": args[1]}
		if payload != nil {
			params["payload"] = payload
		}
		return call("workflow.event", params)
	},
}

func init() {
	workflowListCmd.Flags().String("session", "", "restrict to one session")
	workflowCancelCmd.Flags().String("reason", "", "cancellation reason")
	workflowEventCmd.Flags().String("payload", "", "event payload as a JSON object")

	workflowCmd.AddCommand(workflowListCmd, workflowGetCmd,
		workflowCancelCmd, workflowEventCmd)
	rootCmd.AddCommand(workflowCmd)
}
