package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewToolsCmd creates the "tools" subcommand, which lists the tools the
// configured server process exposes.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools exposed by the tool server process",
		RunE:  runTools,
	}

	cmd.Flags().String("config", "", "Path to toolgate.yaml")
	cmd.Flags().Bool("json", false, "Print the raw tool list as JSON")
	cmd.Flags().Duration("timeout", 30*time.Second, "Listing timeout")

	return cmd
}

func runTools(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, err := dialClient(ctx, cfg)
	if err != nil {
		return exitError(exitRuntime, "connecting to tool server: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
	}()

	result, err := client.ListTools(ctx)
	if err != nil {
		return exitError(exitRuntime, "listing tools: %v", err)
	}

	if asJSON {
		encoded, err := json.MarshalIndent(result.Tools, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "encoding tool list: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
		return nil
	}

	if len(result.Tools) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tools exposed.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, t := range result.Tools {
		fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
	}
	return w.Flush()
}
