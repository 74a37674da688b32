package cmd

import "github.com/spf13/cobra"

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Questions the coordinator raised for the user",
}

var userAskCmd = &cobra.Command{
	Use:   "ask SESSION QUESTION",
	Short: "Raise a question on a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"session": args[0], "question": args[1]}
		if taskID, _ := cmd.Flags().GetString("task"); taskID != "" {
			params["task"] = taskID
		}
		return call("user.ask", params)
	},
}

var userRespondCmd = &cobra.Command{
	Use:   "respond QUESTION_ID ANSWER",
	Short: "Answer an open question",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("user.respond", map[string]any{
			"questionId": args[0],
			"answer":     args[1],
		})
	},
}

var userQuestionsCmd = &cobra.Command{
	Use:   "questions [SESSION]",
	Short: "List open questions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{}
		if len(args) == 1 {
			params["session"] = args[0]
		}
		if answered, _ := cmd.Flags().GetBool("include-answered"); answered {
			params["includeAnswered"] = true
		}
		return call("user.questions", params)
	},
}

func init() {
	userAskCmd.Flags().String("task", "", "task the question concerns")
	userQuestionsCmd.Flags().Bool("include-answered", false, "include answered questions")

	userCmd.AddCommand(userAskCmd, userRespondCmd, userQuestionsCmd)
	rootCmd.AddCommand(userCmd)
}
