package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "Daemon status and liveness",
}

var systemStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon readiness, uptime, and counts",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return call("system.status", nil)
	},
}

var systemPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Round-trip one envelope through the daemon",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return call("system.ping", nil)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and tune runtime configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get [KEY]",
	Short: "Read a runtime-tunable key, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		params := map[string]any{}
		if len(args) == 1 {
			params["key"] = args[0]
		}
		return call("config.get", params)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Change a runtime-tunable key on the running daemon",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("config.set", map[string]any{"key": args[0], "value": args[1]})
	},
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Workspace directory layout",
}

var foldersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the daemon's workspace directories",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return call("folders.list", nil)
	},
}

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Coordinator prompt templates",
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates and their sources",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return call("prompts.list", nil)
	},
}

var promptsGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Print one template, override included",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("prompts.get", map[string]any{"name": args[0]})
	},
}

var promptsSetCmd = &cobra.Command{
	Use:   "set NAME [CONTENT]",
	Short: "Override a template",
	Long: `Override a built-in template for this workspace.

The new content comes from the CONTENT argument or, more usually, from
--file. The override lands in the workspace Prompts directory and wins
over the built-in until removed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		var content string
		switch {
		case path != "" && len(args) == 2:
			return fmt.Errorf("pass CONTENT or --file, not both")
		case path != "":
			raw, err := os.ReadFile(path) //nolint:gosec // G304: operator-chosen template path
			if err != nil {
				return fmt.Errorf("reading template: %w", err)
			}
			content = string(raw)
		case len(args) == 2:
			content = args[1]
		default:
			return fmt.Errorf("template content required: pass CONTENT or --file")
		}
		return call("prompts.set", map[string]any{"name": args[0], "content": content})
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Paused-process ledger",
	Long: `Paused-process ledger.

The daemon never touches agent processes itself; the external runner
pauses and resumes them. These commands keep the shared ledger of what
is paused so coordinator prompts and operators see the same picture.`,
}

var processPauseCmd = &cobra.Command{
	Use:   "pause PROC_ID",
	Short: "Record a process as paused",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("meta")
		meta, err := jsonFlag("meta", raw)
		if err != nil {
			return err
		}
		params := map[string]any{"procId": args[0]}
		if meta != nil {
			params["meta"] = meta
		}
		return call("process.pause", params)
	},
}

var processResumeCmd = &cobra.Command{
	Use:   "resume PROC_ID",
	Short: "Clear a paused-process record",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("process.resume", map[string]any{"procId": args[0]})
	},
}

var processListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paused processes",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return call("process.list", nil)
	},
}

var unityCmd = &cobra.Command{
	Use:   "unity",
	Short: "Unity editor integration",
}

var unityReportErrorCmd = &cobra.Command{
	Use:   "report-error MESSAGE",
	Short: "Report a Unity compile error to the coordinator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"message": args[0]}
		if sess, _ := cmd.Flags().GetString("session"); sess != "" {
			params["session"] = sess
		}
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			params["file"] = file
		}
		if cmd.Flags().Changed("line") {
			line, _ := cmd.Flags().GetInt("line")
			params["line"] = line
		}
		return call("unity.reportError", params)
	},
}

var unityStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether unity workflows are enabled",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return call("unity.status", nil)
	},
}

func init() {
	promptsSetCmd.Flags().String("file", "", "read the template content from a file")
	processPauseCmd.Flags().String("meta", "", "extra fields as a JSON object")
	unityReportErrorCmd.Flags().String("session", "", "session to attribute the error to (default: error session)")
	unityReportErrorCmd.Flags().String("file", "", "source file the error points at")
	unityReportErrorCmd.Flags().Int("line", 0, "line number the error points at")

	systemCmd.AddCommand(systemStatusCmd, systemPingCmd)
	configCmd.AddCommand(configGetCmd, configSetCmd)
	foldersCmd.AddCommand(foldersListCmd)
	promptsCmd.AddCommand(promptsListCmd, promptsGetCmd, promptsSetCmd)
	processCmd.AddCommand(processPauseCmd, processResumeCmd, processListCmd)
	unityCmd.AddCommand(unityReportErrorCmd, unityStatusCmd)

	rootCmd.AddCommand(systemCmd, configCmd, foldersCmd, promptsCmd, processCmd, unityCmd)
}
