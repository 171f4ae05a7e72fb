package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/postalsys/multiproxy/internal/config"
)

func configValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid (%d listener(s) configured)\n", configPath, len(cfg.Listeners))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")
	return cmd
}
