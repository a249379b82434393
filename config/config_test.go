package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-intake/imap"
	"github.com/dhcgn/imap-intake/trigger"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("IMAP_PASS", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	cmd := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags: %v", err)
	}
	base := []string{"--env-file", filepath.Join(home, "missing.env")}
	if err := cmd.ParseFlags(append(base, args...)); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	return cmd
}

func TestLoadConfigDefaults(t *testing.T) {
	cmd := newCommand(t)
	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.IMAPPort != 993 || !cfg.UseTLS {
		t.Errorf("unexpected connection defaults: port=%d tls=%v", cfg.IMAPPort, cfg.UseTLS)
	}
	if cfg.Mailbox != "INBOX" {
		t.Errorf("unexpected mailbox %q", cfg.Mailbox)
	}
	if cfg.ConnectAttempts != 3 || cfg.RetryDelay != 5*time.Second {
		t.Errorf("unexpected retry defaults: %d, %v", cfg.ConnectAttempts, cfg.RetryDelay)
	}
	if cfg.IMAPTimeout != imap.DefaultCommandTimeout {
		t.Errorf("unexpected imap timeout %v", cfg.IMAPTimeout)
	}
	if cfg.TriggerTimeout != 15*time.Second {
		t.Errorf("unexpected trigger timeout %v", cfg.TriggerTimeout)
	}
	if !cfg.DMARCNoneOverrides {
		t.Error("dmarc-none-overrides should default to true")
	}
	if !strings.HasSuffix(cfg.StateDir, filepath.Join(".config", "imap-intake", "state")) {
		t.Errorf("unexpected state dir %q", cfg.StateDir)
	}
	if cfg.LockPath != filepath.Join(cfg.StateDir, "imap-intake.lock") {
		t.Errorf("unexpected lock path %q", cfg.LockPath)
	}
	if cfg.AuditPath != filepath.Join(cfg.StateDir, "audit.jsonl") {
		t.Errorf("unexpected audit path %q", cfg.AuditPath)
	}
	if strings.Join(cfg.TriggerArgs, " ") != strings.Join(trigger.DefaultArgs, " ") {
		t.Errorf("unexpected trigger args %v", cfg.TriggerArgs)
	}
	if cfg.ConfigFile != "" {
		t.Errorf("missing default config file should be ignored, got %q", cfg.ConfigFile)
	}
}

func TestAllowListNormalized(t *testing.T) {
	cmd := newCommand(t,
		"--allow", " Owner@Example.com ",
		"--allow", "owner@example.com,second@example.org",
		"--labels", "OWNER@example.com=Alex",
	)
	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if got := strings.Join(cfg.AllowList, ","); got != "owner@example.com,second@example.org" {
		t.Fatalf("unexpected allow list %q", got)
	}
	if cfg.Labels["owner@example.com"] != "Alex" {
		t.Fatalf("unexpected labels %v", cfg.Labels)
	}
}

func TestAllowListRejectsInvalid(t *testing.T) {
	cmd := newCommand(t, "--allow", "not-an-address")
	if _, err := LoadConfig(cmd); err == nil {
		t.Fatal("expected error for invalid allow-list entry")
	}
}

func TestRepeatableFlagsKeepCommas(t *testing.T) {
	cmd := newCommand(t,
		"--mute-subject", "^(newsletter|digest){1,2}$",
		"--trigger-arg", "run",
		"--trigger-arg", "{text}",
	)
	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.MuteSubject) != 1 || cfg.MuteSubject[0] != "^(newsletter|digest){1,2}$" {
		t.Fatalf("unexpected mute subject %v", cfg.MuteSubject)
	}
	if strings.Join(cfg.TriggerArgs, " ") != "run {text}" {
		t.Fatalf("unexpected trigger args %v", cfg.TriggerArgs)
	}
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
trusted-relay: mx.example.com
imap-host: file.example.com
allow:
  - boss@example.com
labels:
  boss@example.com: Boss
audit: sqlite
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := newCommand(t, "--config", path, "--imap-host", "flag.example.com")
	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.TrustedRelay != "mx.example.com" {
		t.Errorf("unexpected trusted relay %q", cfg.TrustedRelay)
	}
	if cfg.IMAPHost != "flag.example.com" {
		t.Errorf("flag should override file, got %q", cfg.IMAPHost)
	}
	if len(cfg.AllowList) != 1 || cfg.AllowList[0] != "boss@example.com" {
		t.Errorf("unexpected allow list %v", cfg.AllowList)
	}
	if cfg.Labels["boss@example.com"] != "Boss" {
		t.Errorf("unexpected labels %v", cfg.Labels)
	}
	if cfg.AuditPath != filepath.Join(cfg.StateDir, "audit.db") {
		t.Errorf("unexpected audit path %q", cfg.AuditPath)
	}
}

func TestExplicitMissingConfigFile(t *testing.T) {
	cmd := newCommand(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := LoadConfig(cmd); err == nil {
		t.Fatal("expected error for explicitly named missing config file")
	}
}

func TestSecretsFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "secrets.env")
	if err := os.WriteFile(envFile, []byte("TELEGRAM_BOT_TOKEN=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cmd := newCommand(t, "--env-file", envFile)
	t.Setenv("IMAP_PASS", "from-env")
	// godotenv leaves variables that are already set alone, and t.Setenv
	// registered TELEGRAM_BOT_TOKEN as empty, so clear it first.
	os.Unsetenv("TELEGRAM_BOT_TOKEN")

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Secrets.IMAPPass != "from-env" {
		t.Errorf("unexpected IMAP_PASS %q", cfg.Secrets.IMAPPass)
	}
	if cfg.Secrets.TelegramToken != "from-file" {
		t.Errorf("unexpected TELEGRAM_BOT_TOKEN %q", cfg.Secrets.TelegramToken)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := Config{
		IMAPPort:        993,
		ConnectAttempts: 3,
		IMAPTimeout:     time.Minute,
		StateDir:        "/var/lib/imap-intake",
		StagingDir:      "/var/cache/imap-intake",
		TriggerBin:      "openclaw",
		TriggerTimeout:  time.Second,
		AuditBackend:    AuditNone,
		LogLevel:        "info",
	}
	if err := validateConfig(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.IMAPPort = 70000 }},
		{"attempts", func(c *Config) { c.ConnectAttempts = 0 }},
		{"imap timeout", func(c *Config) { c.IMAPTimeout = 0 }},
		{"state dir", func(c *Config) { c.StateDir = "." }},
		{"audit backend", func(c *Config) { c.AuditBackend = "postgres" }},
		{"log level", func(c *Config) { c.LogLevel = "trace" }},
		{"trigger bin", func(c *Config) { c.AllowList = []string{"a@example.com"}; c.TriggerBin = "" }},
		{"label without allow", func(c *Config) { c.Labels = map[string]string{"x@example.com": "X"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := validateConfig(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
