package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/toolgate/config"
	"github.com/petal-labs/toolgate/manager"
	"github.com/petal-labs/toolgate/mcp"
	toolgateotel "github.com/petal-labs/toolgate/otel"
)

// loadConfig resolves and loads the toolgate configuration for a command.
// Falls back to built-in defaults when no config file is present.
func loadConfig(cmd *cobra.Command) (config.File, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.Discover(explicit)
	if err != nil {
		return config.File{}, exitError(exitConfig, "resolving config: %v", err)
	}
	if !found {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.File{}, exitError(exitConfig, "loading config %s: %v", path, err)
	}
	return cfg, nil
}

// newDialer builds a transport dialer from the server section. Stdio spawns
// the configured command; endpoint posts JSON-RPC to a remote server.
func newDialer(cfg config.File) (manager.Dialer, error) {
	switch cfg.Server.Transport {
	case config.TransportStdio:
		return func(ctx context.Context) (mcp.Transport, error) {
			return mcp.NewStdioTransport(ctx, mcp.StdioTransportConfig{
				Command: cfg.Server.Command,
				Args:    cfg.Server.Args,
				Env:     cfg.Server.Env,
			})
		}, nil
	case config.TransportEndpoint:
		return func(ctx context.Context) (mcp.Transport, error) {
			return mcp.NewEndpointTransport(mcp.EndpointTransportConfig{
				Endpoint: cfg.Server.Endpoint,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Server.Transport)
	}
}

// newManager wires a process manager from the loaded configuration.
func newManager(cfg config.File, logger *slog.Logger, observer manager.Observer) (*manager.Manager, error) {
	dial, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	return manager.NewManager(manager.Config{
		Dial:        dial,
		CallTimeout: cfg.Timeouts.Call.Std(),
		Restart: manager.RestartPolicy{
			BaseBackoff: cfg.Restart.BaseBackoff.Std(),
			MaxBackoff:  cfg.Restart.MaxBackoff.Std(),
			MaxAttempts: cfg.Restart.MaxAttempts,
		},
		Client: mcp.Options{
			ClientInfo: mcp.ClientInfo{Name: "toolgate", Version: Version},
		},
		Logger:   logger,
		Observer: observer,
	})
}

// newObserver creates the OpenTelemetry bridge observer from the global
// meter and tracer providers.
func newObserver() (manager.Observer, error) {
	return toolgateotel.NewBridgeObserver(
		otelapi.GetMeterProvider().Meter("toolgate/bridge"),
		otelapi.GetTracerProvider().Tracer("toolgate/bridge"),
	)
}
