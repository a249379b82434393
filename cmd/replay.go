package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-intake/config"
	"github.com/dhcgn/imap-intake/dispatch"
	"github.com/dhcgn/imap-intake/mbox"
	"github.com/dhcgn/imap-intake/progress"
	"github.com/dhcgn/imap-intake/stats"
	"github.com/dhcgn/imap-intake/trust"
)

var (
	replayMbox  string
	replayTop   int
	replayPlans bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Show how the messages of an mbox archive would be routed, without side effects",
	Long: `Replay runs every message of an mbox archive through extraction, trust
evaluation and routing. Nothing is triggered or notified, the cursor is not
touched and attachments are staged in a temporary directory that is removed
afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		return replay(cmd.Context(), cfg, logger)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayMbox, "mbox", "", "Path to the .mbox archive to replay")
	replayCmd.Flags().IntVarP(&replayTop, "top", "t", 10, "Number of top senders to display")
	replayCmd.Flags().BoolVar(&replayPlans, "plans", true, "Print the routing plan of every message")
	_ = replayCmd.MarkFlagRequired("mbox")
	rootCmd.AddCommand(replayCmd)
}

// replayResult is one row of the routing table.
type replayResult struct {
	UID     uint32
	Sender  string
	Subject string
	Plan    dispatch.Plan
	Muted   bool
}

func replay(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	report, err := replayArchive(ctx, cfg, logger, replayMbox)
	if err != nil {
		return err
	}

	if replayPlans && len(report.Results) > 0 {
		if err := renderPlans(report.Results); err != nil {
			return err
		}
	}
	return renderTopSenders(report.Senders, replayTop)
}

type replayReport struct {
	Summary stats.Summary
	Results []replayResult
	Senders map[string]int
}

// replayArchive routes every message of the archive at path without firing
// the trigger or sending notifications.
func replayArchive(ctx context.Context, cfg config.Config, logger *slog.Logger, path string) (replayReport, error) {
	report := replayReport{Senders: make(map[string]int)}

	staging, err := os.MkdirTemp("", "imap-intake-replay-*")
	if err != nil {
		return report, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	extractor, err := newExtractor(cfg, staging, logger)
	if err != nil {
		return report, err
	}
	mute, err := newMute(cfg)
	if err != nil {
		return report, err
	}
	resolver := newResolver(cfg)
	if resolver.Degraded() {
		logger.Warn("no trusted relay configured, evaluating the topmost Authentication-Results header")
	}
	// Only the allow-list of the dispatcher is used; it never fires.
	router := dispatch.New(nil, nil, dispatch.Options{AllowList: cfg.AllowList, Logger: logger})

	total, err := mbox.CountMessages(path)
	if err != nil {
		return report, err
	}

	bar := progress.New(total, cfg.LogLevel == "info")
	collector := stats.NewCollector(logger)
	record := func(evt stats.Event) {
		collector.Record(evt)
		bar.Update(evt)
	}
	started := time.Now()

	err = mbox.EachFile(ctx, path, func(index int, raw []byte) error {
		uid := uint32(index + 1)
		collector.ObserveUID(uid)

		msg, skipped, err := extractor.Parse(uid, raw)
		record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeFetched, UID: uid, Detail: msg.Subject})
		if err != nil {
			record(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeError, UID: uid, Err: err})
			return nil
		}
		for _, s := range skipped {
			record(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeAttachmentSkipped, UID: uid, Detail: string(s.Reason)})
		}
		report.Senders[msg.SenderAddress]++

		allowListed := router.AllowListed(msg.SenderAddress)
		var verdict *trust.Verdict
		if allowListed {
			v := resolver.Evaluate(msg.AuthResults)
			verdict = &v
		}
		plan := dispatch.Decide(msg, verdict, allowListed)
		result := replayResult{UID: uid, Sender: msg.SenderAddress, Subject: msg.Subject, Plan: plan}

		switch plan.Route {
		case dispatch.RouteTrigger:
			record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeTriggered, UID: uid})
		case dispatch.RouteBlocked:
			record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeBlocked, UID: uid, Detail: plan.Reason})
		case dispatch.RouteNotify:
			if muted, rule := mute.Mutes(msg); muted {
				result.Muted = true
				record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeMuted, UID: uid, Detail: rule})
			} else {
				record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeNotified, UID: uid})
			}
		}
		report.Results = append(report.Results, result)
		return nil
	})

	report.Summary = collector.Snapshot()
	report.Summary.Duration = time.Since(started)
	bar.Stop(report.Summary)
	logger.Info("replay completed", report.Summary.LogAttrs()...)
	return report, err
}

func renderPlans(results []replayResult) error {
	data := pterm.TableData{{"#", "From", "Subject", "Route", "Reason"}}
	for _, r := range results {
		route := r.Plan.Route.String()
		if r.Muted {
			route += " (muted)"
		}
		data = append(data, []string{
			strconv.FormatUint(uint64(r.UID), 10),
			r.Sender,
			dispatch.Truncate(r.Subject, 50, "..."),
			route,
			dispatch.Truncate(r.Plan.Reason, 60, "..."),
		})
	}
	pterm.DefaultSection.Println("Routing")
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderTopSenders(senders map[string]int, limit int) error {
	top := stats.Top(senders, limit)
	if len(top) == 0 {
		return nil
	}
	data := pterm.TableData{{"Sender", "Messages"}}
	for _, c := range top {
		data = append(data, []string{c.Key, strconv.Itoa(c.Value)})
	}
	pterm.DefaultSection.Println("Top senders")
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
