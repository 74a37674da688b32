package cmd

import "github.com/spf13/cobra"

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage planning sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return call("session.list", nil)
	},
}

var sessionGetCmd = &cobra.Command{
	Use:   "get SESSION",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("session.get", map[string]any{"session": args[0]})
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create REQUIREMENT",
	Short: "Create a session around a requirement",
	Long: `Create a session around a requirement.

The requirement text is written to the session's requirement.md for the
planning subsystem to pick up. The session id is allocated sequentially
unless --session pins one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"requirement": args[0]}
		if sess, _ := cmd.Flags().GetString("session"); sess != "" {
			params["session"] = sess
		}
		return call("session.create", params)
	},
}

var sessionApproveCmd = &cobra.Command{
	Use:   "approve SESSION",
	Short: "Approve a reviewed plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("session.approve", map[string]any{"session": args[0]})
	},
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete SESSION",
	Short: "Mark an approved session completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("session.complete", map[string]any{"session": args[0]})
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel SESSION",
	Short: "Cancel a session and its workflows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"session": args[0]}
		if reason, _ := cmd.Flags().GetString("reason"); reason != "" {
			params["reason"] = reason
		}
		return call("session.cancel", params)
	},
}

func init() {
	sessionCreateCmd.Flags().String("session", "", "session id (default: next free PS_ id)")
	sessionCancelCmd.Flags().String("reason", "", "cancellation reason")

	sessionCmd.AddCommand(sessionListCmd, sessionGetCmd, sessionCreateCmd,
		sessionApproveCmd, sessionCompleteCmd, sessionCancelCmd)
	rootCmd.AddCommand(sessionCmd)
}
