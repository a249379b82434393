// Package cmd holds the imap-intake command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-intake/config"
	"github.com/dhcgn/imap-intake/lock"
)

var rootCmd = &cobra.Command{
	Use:           "imap-intake",
	Short:         "Poll an IMAP mailbox once and route new mail to a trigger or a notification",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return pollOnce(ctx, cfg, logger)
	},
}

func init() {
	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads the configuration and installs the default logger.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	if cfg.ConfigFile != "" {
		logger.Debug("config file loaded", "path", cfg.ConfigFile)
	}
	return cfg, logger, cleanup, nil
}

// pollOnce runs one lock-guarded poll. Lock contention is not an error.
// Run-level failures are logged, audited and notified by the runner and
// do not fail the process; startup failures do.
func pollOnce(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	l := lock.New(cfg.LockPath)
	if !l.Acquire() {
		logger.Info("another run holds the lock, skipping", "lock", cfg.LockPath)
		return nil
	}
	defer l.Release()

	runID := uuid.NewString()
	a, err := newApp(ctx, cfg, logger, runID)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.runner.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		logger.Warn("run ended early", "run", runID, "err", err)
	}
	return nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-intake-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
