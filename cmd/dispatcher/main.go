package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("OCTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:          "octopilot-dispatcher",
		Short:        "Coordinate octopilot arenas and their Pi agents",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	rootCmd.PersistentFlags().String("config", "", "path to config.toml (default: ~/.octopilot/config.toml)")

	rootCmd.AddCommand(
		newServeCmd(v),
		newComposeCmd(v),
	)
	return rootCmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
