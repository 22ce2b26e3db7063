package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolgate/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "HTTP bridge for MCP tool server processes",
	Long:  "toolgate wraps a stdio MCP tool server in an HTTP API with supervised restarts.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	cli.Version = version
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("toolgate version %s\n", version))

	rootCmd.AddCommand(cli.NewServeCmd())
	rootCmd.AddCommand(cli.NewCallCmd())
	rootCmd.AddCommand(cli.NewToolsCmd())
}
