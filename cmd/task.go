package cmd

import "github.com/spf13/cobra"

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks and their dependencies",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create TASK DESCRIPTION",
	Short: "Create a task under its session",
	Long: `Create a task under its session.

TASK is a global id of the form PS_XXXXXX_TYYY; the session id is the
prefix. Dependencies must name tasks in the same session.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"task": args[0], "description": args[1]}
		if t, _ := cmd.Flags().GetString("type"); t != "" {
			params["type"] = t
		}
		if cmd.Flags().Changed("priority") {
			priority, _ := cmd.Flags().GetInt("priority")
			params["priority"] = priority
		}
		if deps, _ := cmd.Flags().GetStringSlice("depends-on"); len(deps) > 0 {
			params["dependencies"] = deps
		}
		if files, _ := cmd.Flags().GetStringSlice("target-files"); len(files) > 0 {
			params["targetFiles"] = files
		}
		if unity, _ := cmd.Flags().GetBool("unity-pipeline"); unity {
			params["unityPipeline"] = true
		}
		return call("task.create", params)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list SESSION",
	Short: "List a session's tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("task.list", map[string]any{"session": args[0]})
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get TASK",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("task.get", map[string]any{"task": args[0]})
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start TASK",
	Short: "Start a workflow for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"task": args[0]}
		if sess, _ := cmd.Flags().GetString("session"); sess != "" {
			params["session"] = sess
		}
		if t, _ := cmd.Flags().GetString("type"); t != "" {
			params["type"] = t
		}
		return call("task.start", params)
	},
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause TASK",
	Short: "Pause a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]any{"task": args[0]}
		if reason, _ := cmd.Flags().GetString("reason"); reason != "" {
			params["reason"] = reason
		}
		return call("task.pause", params)
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume TASK",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("task.resume", map[string]any{"task": args[0]})
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove TASK",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return call("task.remove", map[string]any{"task": args[0], "reason": reason})
	},
}

var taskAddDepCmd = &cobra.Command{
	Use:   "add-dep TASK DEPENDS_ON",
	Short: "Add a dependency edge between two tasks",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("task.addDep", map[string]any{"task": args[0], "dependsOn": args[1]})
	},
}

var taskRemoveDepCmd = &cobra.Command{
	Use:   "remove-dep TASK DEPENDS_ON",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("task.removeDep", map[string]any{"task": args[0], "dependsOn": args[1]})
	},
}

var taskAgentsCmd = &cobra.Command{
	Use:   "agents SESSION",
	Short: "Show which agent is on which task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("taskAgent.list", map[string]any{"session": args[0]})
	},
}

var taskDepsCmd = &cobra.Command{
	Use:   "deps SESSION",
	Short: "Dump a session's dependency edges",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("deps.list", map[string]any{"session": args[0]})
	},
}

func init() {
	taskCreateCmd.Flags().String("type", "", "task type: implementation or error_fix")
	taskCreateCmd.Flags().Int("priority", 0, "scheduling priority (higher first)")
	taskCreateCmd.Flags().StringSlice("depends-on", nil, "task ids this task depends on")
	taskCreateCmd.Flags().StringSlice("target-files", nil, "files the task will touch")
	taskCreateCmd.Flags().Bool("unity-pipeline", false, "route verification through the unity pipeline")

	taskStartCmd.Flags().String("session", "", "session id (default: derived from the task id)")
	taskStartCmd.Flags().String("type", "", "workflow type (default: task_implementation)")

	taskPauseCmd.Flags().String("reason", "", "pause reason")

	taskRemoveCmd.Flags().String("reason", "", "removal reason")
	_ = taskRemoveCmd.MarkFlagRequired("reason")

	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskGetCmd, taskStartCmd,
		taskPauseCmd, taskResumeCmd, taskRemoveCmd, taskAddDepCmd,
		taskRemoveDepCmd, taskAgentsCmd, taskDepsCmd)
	rootCmd.AddCommand(taskCmd)
}
