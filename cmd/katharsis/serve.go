package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jpalmerr/katharsis"
	"github.com/jpalmerr/katharsis/config"
)

const (
	shutdownTimeout = 10 * time.Second

	// log rotation defaults for --log-file
	logMaxBackups = 3
	logMaxAgeDays = 28
)

// newLogger creates a JSON logger for CLI use.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// logOutput returns stderr, or a size-rotated file when path is set.
func logOutput(path string, maxSizeMB int) io.WriteCloser {
	if path == "" {
		return nopCloser{os.Stderr}
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
		Compress:   true,
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// serveCmd starts the Katharsis server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard server",
	Long: `Start the Katharsis dashboard server.

The server will:
  - Load configuration from the specified YAML file
  - Start collecting all configured sources
  - Serve the metrics document and the dashboard page on the configured port
  - Run the widget that keeps the page up to date

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  katharsis serve -c config.yaml
  katharsis serve --config /etc/katharsis/config.yaml --debug
  katharsis serve -c config.yaml --log-file /var/log/katharsis.log`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().Bool("debug", false, "enable debug logging")
	serveCmd.Flags().String("log-file", "", "write logs to a rotated file instead of stderr")
	serveCmd.Flags().Int("log-max-size", 50, "megabytes before the log file is rotated")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	logFile, _ := cmd.Flags().GetString("log-file")
	logMaxSize, _ := cmd.Flags().GetInt("log-max-size")

	out := logOutput(logFile, logMaxSize)
	defer func() { _ = out.Close() }()
	logger := newLogger(out, debug)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("config loaded",
		"sources", cfg.SourceCount(),
		"countly", cfg.Countly != nil,
		"sentry", cfg.Sentry.DSN != "",
	)
	logger.Info("starting server",
		"port", cfg.Port,
		"poll_interval", cfg.PollInterval.Duration().String(),
	)

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}
	opts = append(opts,
		katharsis.WithLogger(logger),
		katharsis.WithRelease("katharsis@"+version),
	)

	k, err := katharsis.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create Katharsis: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runUntilShutdown(ctx, k.Start, logger)
}

// runUntilShutdown runs start and waits for it to return, bounding the wait
// after ctx is cancelled by shutdownTimeout.
func runUntilShutdown(ctx context.Context, start func(context.Context) error, logger *slog.Logger) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
