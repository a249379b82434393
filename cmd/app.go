package cmd

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"path/filepath"

	"github.com/dhcgn/imap-intake/audit"
	"github.com/dhcgn/imap-intake/config"
	"github.com/dhcgn/imap-intake/credential"
	"github.com/dhcgn/imap-intake/dispatch"
	"github.com/dhcgn/imap-intake/extract"
	"github.com/dhcgn/imap-intake/filter"
	"github.com/dhcgn/imap-intake/imap"
	"github.com/dhcgn/imap-intake/notify"
	"github.com/dhcgn/imap-intake/runner"
	"github.com/dhcgn/imap-intake/state"
	"github.com/dhcgn/imap-intake/trigger"
	"github.com/dhcgn/imap-intake/trust"
)

// app is one fully wired poller.
type app struct {
	runner *runner.Runner
	audit  audit.Log
}

func (a *app) Close() {
	_ = a.audit.Close()
}

func errorText(err error) string {
	return "❌ <b>Mail check error</b>\n" + html.EscapeString(err.Error())
}

// newApp wires the components for one run. Credential failures are
// notified before they are returned.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, runID string) (*app, error) {
	sink := newSink(cfg, logger)

	creds, err := resolveCredentials(cfg)
	if err != nil {
		err = fmt.Errorf("load credentials: %w", err)
		if serr := sink.Send(ctx, errorText(err)); serr != nil {
			logger.Warn("notification failed", "err", serr)
		}
		return nil, err
	}

	dialer, err := imap.NewDialer(imap.Options{
		Host:               creds.IMAPServer,
		Port:               cfg.IMAPPort,
		Username:           creds.Email,
		Password:           creds.Password,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		CommandTimeout:     cfg.IMAPTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	extractor, err := newExtractor(cfg, cfg.StagingDir, logger)
	if err != nil {
		return nil, err
	}

	dispatcher, err := newDispatcher(cfg, sink, logger)
	if err != nil {
		return nil, err
	}

	auditLog, err := openAudit(cfg)
	if err != nil {
		return nil, err
	}

	r, err := runner.New(runner.Deps{
		Dial:      dialer.Dial,
		Store:     store,
		Extractor: extractor,
		Resolver:  newResolver(cfg),
		Router:    dispatcher,
		Sink:      sink,
		Audit:     auditLog,
		Logger:    logger,
	}, runner.Options{
		Mailbox:         cfg.Mailbox,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryDelay:      cfg.RetryDelay,
		RunID:           runID,
	})
	if err != nil {
		_ = auditLog.Close()
		return nil, err
	}

	return &app{runner: r, audit: auditLog}, nil
}

// newSink always logs notifications and sends them to Telegram when a token
// and chat are configured.
func newSink(cfg config.Config, logger *slog.Logger) notify.Sink {
	sinks := []notify.Sink{notify.NewLog(logger)}
	if cfg.Secrets.TelegramToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notify.NewTelegram(cfg.Secrets.TelegramToken, cfg.TelegramChatID, nil))
	} else {
		logger.Debug("telegram not configured, notifications are logged only")
	}
	return notify.Multi(sinks...)
}

func resolveCredentials(cfg config.Config) (credential.Credentials, error) {
	var store credential.PasswordStore
	if cfg.UseKeyring {
		ring, err := credential.OpenKeyring(keyringDir(cfg))
		if err != nil {
			return credential.Credentials{}, err
		}
		store = ring
	}

	fallback := credential.Credentials{
		IMAPServer: cfg.IMAPHost,
		Email:      cfg.IMAPUser,
	}
	return credential.Resolve(cfg.CredentialsFile, fallback, cfg.Secrets.IMAPPass, store)
}

func keyringDir(cfg config.Config) string {
	return filepath.Join(cfg.StateDir, "keyring")
}

func newExtractor(cfg config.Config, stagingDir string, logger *slog.Logger) (*extract.Extractor, error) {
	return extract.New(extract.Options{
		StagingDir:         stagingDir,
		MaxBodyChars:       cfg.MaxBodyChars,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		AllowedExtensions:  cfg.AllowedExtensions,
		Logger:             logger,
	})
}

func newResolver(cfg config.Config) *trust.Resolver {
	return trust.NewResolver(trust.Options{
		TrustedRelay:       cfg.TrustedRelay,
		DMARCNoneOverrides: cfg.DMARCNoneOverrides,
	})
}

func newMute(cfg config.Config) (*filter.Filter, error) {
	mute, err := filter.New(filter.Options{
		Sender:  cfg.MuteSender,
		Subject: cfg.MuteSubject,
		Body:    cfg.MuteBody,
	})
	if err != nil {
		return nil, fmt.Errorf("mute rules: %w", err)
	}
	return mute, nil
}

func newDispatcher(cfg config.Config, sink notify.Sink, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	mute, err := newMute(cfg)
	if err != nil {
		return nil, err
	}

	cmd := trigger.NewCommand(cfg.TriggerBin, cfg.TriggerArgs, cfg.TriggerTimeout).WithLogger(logger)
	return dispatch.New(cmd, sink, dispatch.Options{
		AllowList:       cfg.AllowList,
		Labels:          cfg.Labels,
		MaxPayloadChars: cfg.MaxPayloadChars,
		Instructions:    cfg.Instructions,
		StagingDir:      cfg.StagingDir,
		Mute:            mute,
		Logger:          logger,
	}), nil
}

func openAudit(cfg config.Config) (audit.Log, error) {
	switch cfg.AuditBackend {
	case config.AuditJSONL:
		return audit.NewJSONL(cfg.AuditPath)
	case config.AuditSQLite:
		return audit.NewSQLite(cfg.AuditPath)
	default:
		return audit.Nop(), nil
	}
}
