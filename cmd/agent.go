package cmd

import "github.com/spf13/cobra"

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Report agent lifecycle transitions",
	Long: `Report agent lifecycle transitions.

These commands are normally issued by the external process runner, not
by people: 'agent start' confirms an allocated agent went busy, and
'agent complete' delivers a stage result to the workflow waiting on it.`,
}

var agentStartCmd = &cobra.Command{
	Use:   "start AGENT WORKFLOW",
	Short: "Mark an allocated agent busy on a workflow",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"agent": args[0], "workflow": args[1]}
		if taskID, _ := cmd.Flags().GetString("task"); taskID != "" {
			params["task"] = taskID
		}
		return call("agent.start", params)
	},
}

var agentCompleteCmd = &cobra.Command{
	Use:   "complete SESSION WORKFLOW STAGE RESULT",
	Short: "Signal a stage completion to its waiting workflow",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("data")
		data, err := jsonFlag("data", raw)
		if err != nil {
			return err
		}
		params := map[string]any{
			"session":  args[0],
			"workflow": args[1],
			"stage":    args[2],
			"result":   args[3],
		}
		if taskID, _ := cmd.Flags().GetString("task"); taskID != "" {
			params["task"] = taskID
		}
		if data != nil {
			params["data"] = data
		}
		return call("agent.complete", params)
	},
}

func init() {
	agentStartCmd.Flags().String("task", "", "task the agent is working")
	agentCompleteCmd.Flags().String("task", "", "task the stage worked on")
	agentCompleteCmd.Flags().String("data", "", "stage payload as a JSON object")

	agentCmd.AddCommand(agentStartCmd, agentCompleteCmd)
	rootCmd.AddCommand(agentCmd)
}
