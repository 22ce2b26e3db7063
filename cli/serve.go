package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolgate/history"
	"github.com/petal-labs/toolgate/manager"
	toolgateotel "github.com/petal-labs/toolgate/otel"
	"github.com/petal-labs/toolgate/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP bridge in front of the tool server process",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to toolgate.yaml")
	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides config)")
	cmd.Flags().String("host", "", "Listen host (overrides config)")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 150*time.Second, "HTTP write timeout")
	cmd.Flags().String("otlp-endpoint", "", "OTLP trace collector endpoint (host:port)")
	cmd.Flags().Bool("verbose", false, "Enable debug logging")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if otlpEndpoint != "" {
		shutdown, err := toolgateotel.SetupTracing(cmd.Context(), otlpEndpoint, cfg.Server.Name)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	observer, err := newObserver()
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}

	mgr, err := newManager(cfg, logger, observer)
	if err != nil {
		return exitError(exitConfig, "configuring process manager: %v", err)
	}
	if err := mgr.Start(cmd.Context()); err != nil {
		return exitError(exitRuntime, "starting tool server process: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mgr.Close(closeCtx)
	}()

	var recorder server.CallRecorder
	if cfg.History.Path != "" {
		store, err := history.NewStore(history.StoreConfig{
			DSN:          cfg.History.Path,
			RetentionAge: cfg.History.Retention.Std(),
		})
		if err != nil {
			return fmt.Errorf("opening call history store: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()
		recorder = store
	}

	healthScheduler, err := manager.NewHealthScheduler(manager.HealthSchedulerConfig{
		Manager:  mgr,
		Schedule: cfg.Health.Schedule,
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitConfig, "creating health scheduler: %v", err)
	}
	healthScheduler.Start()
	defer func() {
		_ = healthScheduler.Stop(context.Background())
	}()

	bridge := server.NewServer(server.Config{
		Service:     mgr,
		History:     recorder,
		ServiceName: cfg.Server.Name,
		Child: server.ChildSummary{
			Command: cfg.Server.Command,
			Args:    cfg.Server.Args,
		},
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      bridge.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "toolgate bridge for %s listening on %s\n", cfg.Server.Name, addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
