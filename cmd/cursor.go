package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-intake/config"
	"github.com/dhcgn/imap-intake/lock"
	"github.com/dhcgn/imap-intake/model"
	"github.com/dhcgn/imap-intake/state"
)

var cursorResetTo uint32

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or rewind the stored resume point",
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last seen UID and the recorded UIDVALIDITY",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		cursor, err := loadCursor(cfg)
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithData(cursorTable(cursor)).Render()
	},
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Overwrite the last seen UID so that later mail is processed again",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		if err := resetCursor(cfg, cursorResetTo); err != nil {
			return err
		}
		logger.Info("cursor reset", "lastSeenUID", cursorResetTo, "stateDir", cfg.StateDir)
		return nil
	},
}

func init() {
	cursorResetCmd.Flags().Uint32Var(&cursorResetTo, "to", 0, "New last seen UID")
	cursorCmd.AddCommand(cursorShowCmd, cursorResetCmd)
	rootCmd.AddCommand(cursorCmd)
}

func loadCursor(cfg config.Config) (model.Cursor, error) {
	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		return model.Cursor{}, err
	}
	return store.Load()
}

// resetCursor writes uid under the run lock so it cannot race a poll.
func resetCursor(cfg config.Config, uid uint32) error {
	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		return err
	}
	err = lock.With(cfg.LockPath, func() error {
		return store.SaveLastSeenUID(uid)
	})
	if errors.Is(err, lock.ErrNotHeld) {
		return fmt.Errorf("a poll is running, try again later: %w", err)
	}
	return err
}

func cursorTable(c model.Cursor) pterm.TableData {
	generation := c.Generation
	if generation == "" {
		generation = "(none)"
	}
	return pterm.TableData{
		{"lastSeenId", strconv.FormatUint(uint64(c.LastSeenUID), 10)},
		{"mailboxGeneration", generation},
	}
}
