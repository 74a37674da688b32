package cmd

import "github.com/spf13/cobra"

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Drive plan execution",
}

var execStartCmd = &cobra.Command{
	Use:   "start SESSION",
	Short: "Kick off execution of an approved plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("exec.start", map[string]any{"session": args[0]})
	},
}

func init() {
	execCmd.AddCommand(execStartCmd)
	rootCmd.AddCommand(execCmd)
}
