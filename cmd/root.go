// Package cmd wires the apc command tree: the daemon itself plus thin
// client subcommands that speak the command RPC.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apc-dev/apc/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	addrFlag  string
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "apc",
	Short: "Multi-agent code automation daemon and client",
	Long: `apc coordinates a pool of coding agents working through planned sessions.

'apc daemon' runs the coordination daemon: agent pool, workflow engine,
coordinator loop, plan watcher, and the command RPC over HTTP. Every
other subcommand is a client that POSTs one command envelope to a
running daemon and prints the response.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.apc/config.yaml or ~/.config/apc/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "",
		"daemon address: listen address for 'apc daemon', target for client commands")
}

func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .apc/config.yaml (current directory)
		// 2. ~/.config/apc/config.yaml (user config)
		if _, err := os.Stat(filepath.Join(".apc", "config.yaml")); err == nil {
			v.SetConfigFile(filepath.Join(".apc", "config.yaml"))
		} else {
			home, _ := os.UserHomeDir()
			v.AddConfigPath(filepath.Join(home, ".config", "apc"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	v.SetEnvPrefix("APC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Running without a config file is fine: defaults plus APC_*
		// env vars cover every key. A file that exists but does not
		// parse is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			cobra.CheckErr(fmt.Errorf("reading config: %w", err))
		}
	}

	loaded, err := config.Load(v)
	cobra.CheckErr(err)
	cfg = loaded
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
