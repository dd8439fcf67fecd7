package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wgrove/milterchild/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration file without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("childrend: %s is valid: %d backend(s) configured\n", configPath, len(cfg.BackendList()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
