package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-intake/audit"
	"github.com/dhcgn/imap-intake/config"
	"github.com/dhcgn/imap-intake/dispatch"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the most recent audit events (requires --audit sqlite)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		if cfg.AuditBackend != config.AuditSQLite {
			return fmt.Errorf("history reads the SQLite audit log, run with --audit sqlite")
		}

		store, err := audit.NewSQLite(cfg.AuditPath)
		if err != nil {
			return err
		}
		defer store.Close()

		events, err := store.Recent(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			pterm.Info.Println("No audit events recorded yet")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(historyTable(events)).Render()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of events to show")
	rootCmd.AddCommand(historyCmd)
}

func historyTable(events []audit.Event) pterm.TableData {
	data := pterm.TableData{{"Time", "Event", "UID", "Sender", "Details"}}
	for _, e := range events {
		uid := ""
		if e.UID != 0 {
			uid = strconv.FormatUint(uint64(e.UID), 10)
		}
		data = append(data, []string{
			e.Time.Local().Format(time.DateTime),
			e.Name,
			uid,
			e.Sender,
			dispatch.Truncate(formatFields(e.Fields), 80, "..."),
		})
	}
	return data
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
