package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-intake/extract"
	"github.com/dhcgn/imap-intake/imap"
	"github.com/dhcgn/imap-intake/trigger"
)

const (
	AuditJSONL  = "jsonl"
	AuditSQLite = "sqlite"
	AuditNone   = "none"
)

// Secrets are read from the environment, optionally seeded from a .env file.
type Secrets struct {
	IMAPPass      string `env:"IMAP_PASS"`
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`
}

// Config captures every option of the agent. It is built once per command
// and passed by value to the components.
type Config struct {
	ConfigFile      string
	CredentialsFile string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	UseKeyring         bool
	ConnectAttempts    int
	RetryDelay         time.Duration
	IMAPTimeout        time.Duration

	StateDir   string
	LockPath   string
	StagingDir string

	AllowList          []string
	Labels             map[string]string
	TrustedRelay       string
	DMARCNoneOverrides bool

	MaxBodyChars       int
	MaxPayloadChars    int
	MaxAttachmentBytes int64
	AllowedExtensions  []string

	MuteSender  []string
	MuteSubject []string
	MuteBody    []string

	TriggerBin     string
	TriggerArgs    []string
	TriggerTimeout time.Duration
	Instructions   string

	TelegramChatID string

	AuditBackend string
	AuditPath    string

	LogLevel string
	LogDir   string

	Secrets Secrets
}

// RegisterFlags attaches all options as persistent flags so that every
// subcommand shares them.
func RegisterFlags(cmd *cobra.Command) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", filepath.Join(home, ".config", "imap-intake", "config.yaml"), "YAML config file holding the same keys as the flags")
	flags.String("env-file", ".env", "Optional dotenv file with IMAP_PASS and TELEGRAM_BOT_TOKEN")
	flags.String("credentials", "", "JSON credential file with imap_server, email and password")

	flags.String("imap-host", "", "IMAP server hostname (overrides imap_server of the credential file)")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username (overrides email of the credential file)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "Mailbox to poll")
	flags.Bool("keyring", false, "Look up the IMAP password in the system keyring when no other source has it")
	flags.Int("connect-attempts", 3, "IMAP connection attempts per run")
	flags.Duration("retry-delay", 5*time.Second, "Delay between IMAP connection attempts")
	flags.Duration("imap-timeout", imap.DefaultCommandTimeout, "Time limit for LOGIN and every later IMAP command")

	flags.String("state-dir", filepath.Join(home, ".config", "imap-intake", "state"), "Directory for the cursor files")
	flags.String("lock-file", "", "Run lock path (default <state-dir>/imap-intake.lock)")
	flags.String("staging-dir", filepath.Join(home, ".cache", "imap-intake", "attachments"), "Directory receiving accepted attachments")

	flags.StringSlice("allow", nil, "Sender address allowed to trigger autonomous processing (repeatable)")
	flags.StringToString("labels", nil, "Display label per allow-listed sender, address=label")
	flags.String("trusted-relay", "", "Authserv-id of the relay whose Authentication-Results are trusted")
	flags.Bool("dmarc-none-overrides", true, "A DMARC fail under policy=none accepts the message before SPF/DKIM rules run")

	flags.Int("max-body-chars", extract.DefaultMaxBodyChars, "Maximum body length passed on")
	flags.Int("max-payload-chars", 5000, "Maximum trigger payload length")
	flags.Int64("max-attachment-bytes", extract.DefaultMaxAttachmentBytes, "Maximum attachment size")
	flags.StringSlice("allowed-extensions", extract.DefaultAllowedExtensions, "Attachment extensions that may be staged")

	flags.StringArray("mute-sender", nil, "Regex on the sender address; matching notify-only mail is not notified")
	flags.StringArray("mute-subject", nil, "Regex on the subject; matching notify-only mail is not notified")
	flags.StringArray("mute-body", nil, "Regex on the body; matching notify-only mail is not notified")

	flags.String("trigger-bin", "openclaw", "Executable started for allow-listed, authenticated mail")
	flags.StringArray("trigger-arg", nil, "Trigger argument (repeatable); {text} is replaced by the payload")
	flags.Duration("trigger-timeout", 15*time.Second, "Trigger timeout")
	flags.String("instructions", "", "Text appended to every trigger payload")

	flags.String("telegram-chat-id", "", "Telegram chat receiving notifications (token from TELEGRAM_BOT_TOKEN)")

	flags.String("audit", AuditJSONL, "Audit backend: jsonl, sqlite or none")
	flags.String("audit-path", "", "Audit file (default <state-dir>/audit.jsonl or audit.db)")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for an additional log file per invocation")

	return nil
}

// LoadConfig merges flags, the optional config file and the environment.
// Flags set on the command line win over the file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	cfgFile := v.GetString("config")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *fs.PathError
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &pathErr) || errors.As(err, &notFound)
			if !missing || cmd.Flags().Changed("config") {
				return Config{}, fmt.Errorf("reading config %s: %w", cfgFile, err)
			}
			cfgFile = ""
		}
	}

	secrets, err := loadSecrets(v.GetString("env-file"))
	if err != nil {
		return Config{}, err
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		ConfigFile:      cfgFile,
		CredentialsFile: v.GetString("credentials"),

		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Mailbox:            v.GetString("mailbox"),
		UseKeyring:         v.GetBool("keyring"),
		ConnectAttempts:    v.GetInt("connect-attempts"),
		RetryDelay:         v.GetDuration("retry-delay"),
		IMAPTimeout:        v.GetDuration("imap-timeout"),

		StateDir:   filepath.Clean(v.GetString("state-dir")),
		LockPath:   v.GetString("lock-file"),
		StagingDir: filepath.Clean(v.GetString("staging-dir")),

		Labels:             v.GetStringMapString("labels"),
		TrustedRelay:       strings.TrimSpace(v.GetString("trusted-relay")),
		DMARCNoneOverrides: v.GetBool("dmarc-none-overrides"),

		MaxBodyChars:       v.GetInt("max-body-chars"),
		MaxPayloadChars:    v.GetInt("max-payload-chars"),
		MaxAttachmentBytes: v.GetInt64("max-attachment-bytes"),
		AllowedExtensions:  normalizeExtensions(v.GetStringSlice("allowed-extensions")),

		MuteSender:  stringList(v, cmd, "mute-sender"),
		MuteSubject: stringList(v, cmd, "mute-subject"),
		MuteBody:    stringList(v, cmd, "mute-body"),

		TriggerBin:     v.GetString("trigger-bin"),
		TriggerArgs:    stringList(v, cmd, "trigger-arg"),
		TriggerTimeout: v.GetDuration("trigger-timeout"),
		Instructions:   v.GetString("instructions"),

		TelegramChatID: v.GetString("telegram-chat-id"),

		AuditBackend: strings.ToLower(v.GetString("audit")),
		AuditPath:    v.GetString("audit-path"),

		LogLevel: logLevel,
		LogDir:   v.GetString("log-dir"),

		Secrets: secrets,
	}

	cfg.AllowList, err = normalizeAllowList(v.GetStringSlice("allow"))
	if err != nil {
		return Config{}, err
	}
	cfg.Labels = normalizeLabels(cfg.Labels)

	if len(cfg.TriggerArgs) == 0 {
		cfg.TriggerArgs = append([]string(nil), trigger.DefaultArgs...)
	}
	if cfg.LockPath == "" {
		cfg.LockPath = filepath.Join(cfg.StateDir, "imap-intake.lock")
	}
	if cfg.AuditPath == "" {
		switch cfg.AuditBackend {
		case AuditJSONL:
			cfg.AuditPath = filepath.Join(cfg.StateDir, "audit.jsonl")
		case AuditSQLite:
			cfg.AuditPath = filepath.Join(cfg.StateDir, "audit.db")
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.ConnectAttempts < 1 {
		return fmt.Errorf("--connect-attempts must be at least 1")
	}
	if cfg.IMAPTimeout <= 0 {
		return fmt.Errorf("--imap-timeout must be positive")
	}
	if cfg.StateDir == "" || cfg.StateDir == "." {
		return fmt.Errorf("--state-dir is required")
	}
	if cfg.StagingDir == "" || cfg.StagingDir == "." {
		return fmt.Errorf("--staging-dir is required")
	}
	if len(cfg.AllowList) > 0 && cfg.TriggerBin == "" {
		return fmt.Errorf("--trigger-bin is required when an allow-list is configured")
	}
	if cfg.TriggerTimeout <= 0 {
		return fmt.Errorf("--trigger-timeout must be positive")
	}
	for address := range cfg.Labels {
		if !slices.Contains(cfg.AllowList, address) {
			return fmt.Errorf("label for %s which is not on the allow-list", address)
		}
	}

	switch cfg.AuditBackend {
	case AuditJSONL, AuditSQLite, AuditNone:
	default:
		return fmt.Errorf("invalid --audit: %s", cfg.AuditBackend)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

// loadSecrets applies the dotenv file, if present, without overriding
// variables already set and then reads the secret variables.
func loadSecrets(envFile string) (Secrets, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Secrets{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	var s Secrets
	if err := env.Parse(&s); err != nil {
		return Secrets{}, fmt.Errorf("parsing environment: %w", err)
	}
	return s, nil
}

// normalizeAllowList lowercases, validates and de-duplicates addresses,
// keeping the first occurrence.
func normalizeAllowList(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		address := strings.ToLower(strings.TrimSpace(entry))
		if address == "" {
			continue
		}
		if validation := mailvalidate.ValidateEmailSyntax(address); !validation.IsValid {
			return nil, fmt.Errorf("allow-list entry %q is not a valid address", entry)
		}
		if _, ok := seen[address]; ok {
			continue
		}
		seen[address] = struct{}{}
		out = append(out, address)
	}
	return out, nil
}

func normalizeLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for address, label := range labels {
		address = strings.ToLower(strings.TrimSpace(address))
		label = strings.TrimSpace(label)
		if address == "" || label == "" {
			continue
		}
		out[address] = label
	}
	return out
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// stringList reads a repeatable flag verbatim. Viper splits flag values on
// commas, which would break regexes and trigger arguments, so the flag is
// only consulted through viper when it was not given on the command line.
func stringList(v *viper.Viper, cmd *cobra.Command, name string) []string {
	if cmd.Flags().Changed(name) {
		values, err := cmd.Flags().GetStringArray(name)
		if err == nil {
			return values
		}
	}
	return v.GetStringSlice(name)
}
