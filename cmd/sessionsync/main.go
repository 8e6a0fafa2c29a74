// Package main implements the entry point for the sessionsync daemon.
// sessionsync maintains a canonical, deduplicated view of live session
// event streams: it follows push endpoints, reconciles resident state
// against history on activation, and mirrors admitted events to a local
// broker for other processes to consume.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/sessionsync/config"
	"github.com/c360/sessionsync/event"
	"github.com/c360/sessionsync/metric"
	"github.com/c360/sessionsync/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "sessionsync"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load and validate configuration
	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	// Re-derive the logger once config overrides are resolved
	logger = setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	// Metrics endpoint is optional
	registry := metric.NewRegistry()
	metricsServer := startMetricsServer(cliCfg.MetricsPort, registry)

	core, err := service.New(cfg,
		service.WithLogger(logger),
		service.WithMetrics(registry),
	)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	return runWithSignalHandling(core, cliCfg, metricsServer)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting sessionsync (session event synchronization)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads the config file, applies CLI overrides and
// validates the result. Without a file the defaults plus overrides apply.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cliCfg.ConfigPath != "" {
		cfg, err = config.Load(cliCfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.Default()
	}

	if cliCfg.StreamBaseURL != "" {
		cfg.Endpoints.StreamBaseURL = cliCfg.StreamBaseURL
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// startMetricsServer exposes the Prometheus registry, or returns nil when
// the port is 0.
func startMetricsServer(port int, registry *metric.Registry) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return server
}

// staticCredentials serves a fixed bearer token from the environment.
type staticCredentials struct {
	token string
}

func (s staticCredentials) Identity() string { return "env" }

func (s staticCredentials) Token(context.Context) (string, error) { return s.token, nil }

// runWithSignalHandling starts the core and handles shutdown signals
func runWithSignalHandling(core *service.Core, cliCfg *CLIConfig, metricsServer *http.Server) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := core.Start(signalCtx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}

	// Surface stream activity in the logs
	core.Subscribe(func(ce event.Canonical) {
		slog.Debug("event admitted",
			"session_id", ce.SessionID,
			"event_id", ce.ID,
			"kind", ce.Kind,
			"partial", ce.Partial)
	})
	core.OnError(func(err error) {
		slog.Warn("stream diagnostic", "error", err)
	})

	// Optional user-scoped leg, authenticated from the environment
	if token := os.Getenv("SESSIONSYNC_TOKEN"); token != "" {
		if err := core.ConnectUser(signalCtx, staticCredentials{token: token}); err != nil {
			slog.Error("connect user leg", "error", err)
		}
	}

	// Optional session to follow from startup
	if cliCfg.SessionID != "" {
		result, err := core.ActivateSession(signalCtx, cliCfg.SessionID)
		if err != nil {
			slog.Error("activate session", "session_id", cliCfg.SessionID, "error", err)
		} else {
			slog.Info("session activated",
				"session_id", cliCfg.SessionID,
				"outcome", string(result.Outcome),
				"applied", result.Applied)
		}
	}

	slog.Info("sessionsync started successfully")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	return shutdown(core, metricsServer, cliCfg.ShutdownTimeout)
}

// shutdown performs graceful shutdown of the core and the metrics server
func shutdown(core *service.Core, metricsServer *http.Server, timeout time.Duration) error {
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics server shutdown", "error", err)
		}
	}

	if err := core.Stop(timeout); err != nil {
		slog.Error("Error stopping core", "error", err)
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("sessionsync shutdown complete")
	return nil
}
