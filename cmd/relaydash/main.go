package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydash/internal/config"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "relaydash",
		Short:         "Live dashboard backend for agent and workflow execution",
		Long:          "relaydash mirrors orchestrator state over a WebSocket, falls back to REST polling, and serves the mirrored view to local consumers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML or TOML config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cmd.AddCommand(newRunCmd(load))
	cmd.AddCommand(newStatusCmd(load))
	cmd.AddCommand(newEventsCmd(load))
	cmd.AddCommand(newTokenCmd(load))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

type configLoader func() (*config.Config, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relaydash %s (commit: %s)\n", Version, Commit)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "relaydash: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
