package cmd

import (
	"strconv"

	"github.com/spf13/cobra"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect and resize the agent pool",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every agent and the per-state counts",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return call("pool.status", nil)
	},
}

var poolResizeCmd = &cobra.Command{
	Use:   "resize SIZE",
	Short: "Grow or shrink the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		size, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		return call("pool.resize", map[string]any{"size": size})
	},
}

var poolReleaseCmd = &cobra.Command{
	Use:   "release AGENT",
	Short: "Force-release an agent back to resting",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call("pool.release", map[string]any{"agent": args[0]})
	},
}

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Workflow role catalog",
}

var rolesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the roles workflows assign to agents",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return call("roles.list", nil)
	},
}

func init() {
	poolCmd.AddCommand(poolStatusCmd, poolResizeCmd, poolReleaseCmd)
	rolesCmd.AddCommand(rolesListCmd)
	rootCmd.AddCommand(poolCmd, rolesCmd)
}
