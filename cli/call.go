package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolgate/config"
	"github.com/petal-labs/toolgate/mcp"
)

// NewCallCmd creates the "call" subcommand, a one-shot tool invocation that
// talks to the server process directly without starting the HTTP bridge.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a single tool and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runCall,
	}

	cmd.Flags().String("config", "", "Path to toolgate.yaml")
	cmd.Flags().StringP("arguments", "a", "", "Tool arguments as inline JSON object")
	cmd.Flags().Duration("timeout", 2*time.Minute, "Call timeout")

	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	toolName := strings.TrimSpace(args[0])
	if toolName == "" {
		return exitError(exitConfig, "tool name must not be empty")
	}

	rawArguments, _ := cmd.Flags().GetString("arguments")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	arguments := map[string]any{}
	if strings.TrimSpace(rawArguments) != "" {
		if err := json.Unmarshal([]byte(rawArguments), &arguments); err != nil {
			return exitError(exitConfig, "parsing --arguments: %v", err)
		}
	}

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

	result, err := client.CallTool(ctx, mcp.ToolsCallParams{
		Name:      toolName,
		Arguments: arguments,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return exitError(exitTimeout, "tool call timed out after %s", timeout)
		}
		return exitError(exitRuntime, "calling tool %s: %v", toolName, err)
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding result: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

	if result.IsError {
		return exitError(exitCall, "tool %s reported an error", toolName)
	}
	return nil
}

// dialClient opens a transport per the configuration and completes the
// initialize handshake.
func dialClient(ctx context.Context, cfg config.File) (*mcp.Client, error) {
	dial, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	transport, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(transport, mcp.Options{
		ClientInfo: mcp.ClientInfo{Name: "toolgate", Version: Version},
	})
	if _, err := client.Initialize(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
		return nil, err
	}
	return client, nil
}
