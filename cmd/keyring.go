package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-intake/config"
	"github.com/dhcgn/imap-intake/credential"
)

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage the IMAP password stored in the system keyring",
}

var keyringSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the IMAP password read from stdin (or IMAP_PASS) for the configured account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		account, err := keyringAccount(cfg)
		if err != nil {
			return err
		}
		password := cfg.Secrets.IMAPPass
		if password == "" {
			password, err = readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
		}

		ring, err := credential.OpenKeyring(keyringDir(cfg))
		if err != nil {
			return err
		}
		if err := ring.SetPassword(account, password); err != nil {
			return err
		}
		logger.Info("password stored in keyring", "account", account)
		return nil
	},
}

func init() {
	keyringCmd.AddCommand(keyringSetCmd)
	rootCmd.AddCommand(keyringCmd)
}

// keyringAccount is the mailbox user, taken from --imap-user or the
// credential file.
func keyringAccount(cfg config.Config) (string, error) {
	if cfg.IMAPUser != "" {
		return cfg.IMAPUser, nil
	}
	if cfg.CredentialsFile == "" {
		return "", fmt.Errorf("--imap-user or --credentials is required")
	}
	creds, err := credential.Load(cfg.CredentialsFile)
	if err != nil {
		return "", err
	}
	if creds.Email == "" {
		return "", fmt.Errorf("%s has no email", cfg.CredentialsFile)
	}
	return creds.Email, nil
}

func readPassword(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return "", fmt.Errorf("no password on stdin")
	}
	password := strings.TrimRight(scanner.Text(), "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	return password, nil
}
