package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cronv3 "github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-intake/config"
)

var (
	watchSchedule string
	watchRunNow   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll on a cron schedule until interrupted",
	Long: `Watch polls the mailbox on a cron schedule such as "@every 5m" or
"*/10 * * * *". Every tick takes the run lock like a standalone invocation,
so overlapping ticks and concurrent runs started by system cron are skipped.`,
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

		return watch(ctx, cfg, logger)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "@every 5m", "Cron schedule of the polls")
	watchCmd.Flags().BoolVar(&watchRunNow, "run-now", true, "Poll once immediately before the first tick")
	rootCmd.AddCommand(watchCmd)
}

func watch(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	poll := func() {
		if err := pollOnce(ctx, cfg, logger); err != nil {
			logger.Error("poll failed", "err", err)
		}
	}

	scheduler, err := newScheduler(watchSchedule, logger, poll)
	if err != nil {
		return err
	}

	if watchRunNow {
		poll()
	}

	logger.Info("watching mailbox", "schedule", watchSchedule, "mailbox", cfg.Mailbox)
	scheduler.Start()
	<-ctx.Done()

	logger.Info("stopping, waiting for a running poll to finish")
	<-scheduler.Stop().Done()
	return nil
}

// newScheduler registers job on schedule. Ticks that fire while the previous
// poll still runs are dropped and a panicking poll does not stop the loop.
func newScheduler(schedule string, logger *slog.Logger, job func()) (*cronv3.Cron, error) {
	cl := cronLogger{logger: logger}
	c := cronv3.New(
		cronv3.WithLogger(cl),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cl),
			cronv3.Recover(cl),
		),
	)
	if _, err := c.AddFunc(schedule, job); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return c, nil
}

// cronLogger adapts slog to the cron logging interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
