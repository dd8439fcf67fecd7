package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "childrend",
	Short:        "Milter-protocol multiplexer: one MTA-facing filter, many backend filters",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/childrend/config.yaml", "path to the configuration file")
}
