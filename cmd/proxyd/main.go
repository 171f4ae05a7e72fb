// Package main provides the CLI entry point for the multi-protocol proxy.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "proxyd",
		Short:   "proxyd - SOCKS5/SOCKS4/HTTP CONNECT proxy daemon",
		Long:    `proxyd runs one or more SOCKS5, SOCKS4, and HTTP CONNECT listeners from a single YAML configuration file.`,
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate proxyd configuration",
	}
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}
