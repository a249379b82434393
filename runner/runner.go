// Package runner drives one poll of the mailbox: connect, check the
// mailbox generation, list new UIDs, process each message and advance the
// cursor.
//
// The cursor only ever moves forward to the highest UID of a fetched batch,
// including UIDs whose processing failed, so one unprocessable message cannot
// block the mailbox. Fatal errors (connect, select, listing, cursor I/O) end
// the run without moving the cursor.
package runner

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"time"

	"github.com/dhcgn/imap-intake/audit"
	"github.com/dhcgn/imap-intake/dispatch"
	"github.com/dhcgn/imap-intake/model"
	"github.com/dhcgn/imap-intake/notify"
	"github.com/dhcgn/imap-intake/state"
	"github.com/dhcgn/imap-intake/stats"
	"github.com/dhcgn/imap-intake/trust"
)

var (
	ErrConnect = errors.New("imap connect failed")
	ErrSelect  = errors.New("mailbox select failed")
	ErrList    = errors.New("listing new messages failed")
	ErrCursor  = errors.New("cursor store failed")
)

// ErrMailboxLost is returned by a Mailbox whose connection was torn down
// after an earlier command failed. The remaining batch is left for the next
// run.
var ErrMailboxLost = errors.New("imap session lost")

const (
	DefaultConnectAttempts = 3
	DefaultRetryDelay      = 5 * time.Second
	DefaultMailbox         = "INBOX"

	auditDetailChars = 200
)

// Mailbox is an authenticated IMAP session.
type Mailbox interface {
	// Select opens name and returns its UIDVALIDITY, "" if the server
	// reported none.
	Select(ctx context.Context, name string) (string, error)
	// UIDsAfter returns the UIDs strictly greater than uid.
	UIDsAfter(ctx context.Context, uid uint32) ([]uint32, error)
	// Fetch returns the full raw message without marking it seen.
	Fetch(ctx context.Context, uid uint32) ([]byte, error)
	Logout() error
}

// DialFunc opens and authenticates a Mailbox.
type DialFunc func(ctx context.Context) (Mailbox, error)

type Extractor interface {
	Parse(uid uint32, raw []byte) (model.InboundMessage, []model.SkippedAttachment, error)
}

type Resolver interface {
	Evaluate(headers []string) trust.Verdict
}

type Router interface {
	AllowListed(address string) bool
	Dispatch(ctx context.Context, msg model.InboundMessage, verdict *trust.Verdict) dispatch.Outcome
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Dial      DialFunc
	Store     state.CursorStore
	Extractor Extractor
	Resolver  Resolver
	Router    Router
	// Sink receives error and generation-change notifications.
	Sink   notify.Sink
	Audit  audit.Log
	Logger *slog.Logger
	// Sleep waits between connection attempts; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Options struct {
	Mailbox         string
	ConnectAttempts int
	RetryDelay      time.Duration
	// RunID is stamped on every audit event.
	RunID string
}

type Runner struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	stats          *stats.Collector
	warnedDegraded bool
}

func New(deps Deps, opts Options) (*Runner, error) {
	if deps.Dial == nil {
		return nil, errors.New("dial func must not be nil")
	}
	if deps.Store == nil {
		return nil, errors.New("cursor store must not be nil")
	}
	if deps.Extractor == nil || deps.Resolver == nil || deps.Router == nil {
		return nil, errors.New("extractor, resolver and router are required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mailbox == "" {
		opts.Mailbox = DefaultMailbox
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = DefaultConnectAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.RunID != "" {
		logger = logger.With("run", opts.RunID)
	}
	return &Runner{deps: deps, opts: opts, logger: logger}, nil
}

// Run performs one poll. The returned summary is valid even when err is
// non-nil.
func (r *Runner) Run(ctx context.Context) (stats.Summary, error) {
	started := time.Now()
	r.stats = stats.NewCollector(r.logger)
	r.warnedDegraded = false

	err := r.run(ctx)

	summary := r.stats.Snapshot()
	summary.Duration = time.Since(started)
	if err != nil {
		r.logger.Error("poll failed", append(summary.LogAttrs(), "err", err)...)
		return summary, err
	}
	r.logger.Info("poll completed", summary.LogAttrs()...)
	return summary, nil
}

func (r *Runner) run(ctx context.Context) error {
	mb, err := r.connect(ctx)
	if err != nil {
		r.fatal(ctx, audit.EventIMAPError, err)
		return err
	}
	defer func() {
		if err := mb.Logout(); err != nil {
			r.logger.Debug("imap logout failed", "err", err)
		}
	}()

	generation, err := mb.Select(ctx, r.opts.Mailbox)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSelect, r.opts.Mailbox, err)
		r.fatal(ctx, audit.EventIMAPError, err)
		return err
	}

	cursor, err := r.checkGeneration(ctx, generation)
	if err != nil {
		r.fatal(ctx, audit.EventCheckMailError, err)
		return err
	}

	uids, err := mb.UIDsAfter(ctx, cursor.LastSeenUID)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrList, err)
		r.fatal(ctx, audit.EventCheckMailError, err)
		return err
	}
	uids = newUIDs(uids, cursor.LastSeenUID)
	if len(uids) == 0 {
		r.logger.Debug("no new mail", "lastSeenUID", cursor.LastSeenUID)
		return nil
	}
	r.logger.Info("new mail", "count", len(uids), "lastSeenUID", cursor.LastSeenUID)

	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		err := r.processMessage(ctx, mb, uid)
		if err != nil && ctx.Err() != nil {
			// Interrupted, not unprocessable: leave it for the next run.
			break
		}
		if errors.Is(err, ErrMailboxLost) {
			r.logger.Warn("imap session lost, leaving the rest of the batch for the next run", "uid", uid, "err", err)
			break
		}
		if err != nil {
			r.messageError(ctx, uid, err)
		}
		r.stats.ObserveUID(uid)
	}

	maxUID := r.stats.Snapshot().MaxUID
	if maxUID > cursor.LastSeenUID {
		if err := r.deps.Store.SaveLastSeenUID(maxUID); err != nil {
			err = fmt.Errorf("%w: save last seen uid %d: %w", ErrCursor, maxUID, err)
			r.fatal(ctx, audit.EventCheckMailError, err)
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("poll interrupted after uid %d: %w", maxUID, err)
	}
	return nil
}

func (r *Runner) connect(ctx context.Context) (Mailbox, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.ConnectAttempts; attempt++ {
		mb, err := r.deps.Dial(ctx)
		if err == nil {
			return mb, nil
		}
		lastErr = err
		r.logger.Warn("imap connect failed", "attempt", attempt, "of", r.opts.ConnectAttempts, "err", err)
		if attempt == r.opts.ConnectAttempts {
			break
		}
		if err := r.deps.Sleep(ctx, r.opts.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnect, r.opts.ConnectAttempts, lastErr)
}

// checkGeneration applies the UIDVALIDITY policy and returns the cursor to
// list from.
func (r *Runner) checkGeneration(ctx context.Context, generation string) (model.Cursor, error) {
	cursor, err := r.deps.Store.Load()
	if err != nil {
		return model.Cursor{}, fmt.Errorf("%w: %w", ErrCursor, err)
	}
	if generation == "" || generation == cursor.Generation {
		return cursor, nil
	}

	if cursor.Generation != "" {
		r.logger.Warn("uidvalidity changed, resetting cursor",
			"old", cursor.Generation, "new", generation, "lastSeenUID", cursor.LastSeenUID)
		if err := r.deps.Store.SaveLastSeenUID(0); err != nil {
			return model.Cursor{}, fmt.Errorf("%w: reset last seen uid: %w", ErrCursor, err)
		}
		r.stats.MarkGenerationReset()
		r.record(ctx, audit.Event{
			Name:   audit.EventUIDValidityReset,
			Fields: map[string]any{"old": cursor.Generation, "new": generation},
		})
		r.notify(ctx, fmt.Sprintf("⚠️ <b>IMAP UIDVALIDITY change detected</b>\nMailbox %s was renumbered (%s → %s). The last seen UID was reset to 0.",
			html.EscapeString(r.opts.Mailbox), html.EscapeString(cursor.Generation), html.EscapeString(generation)))
		cursor.LastSeenUID = 0
	}

	if err := r.deps.Store.SaveGeneration(generation); err != nil {
		return model.Cursor{}, fmt.Errorf("%w: save generation: %w", ErrCursor, err)
	}
	cursor.Generation = generation
	return cursor, nil
}

func (r *Runner) processMessage(ctx context.Context, mb Mailbox, uid uint32) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while processing: %v", p)
		}
	}()

	raw, err := mb.Fetch(ctx, uid)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	r.stats.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeFetched, UID: uid})

	msg, skipped, err := r.deps.Extractor.Parse(uid, raw)
	if err != nil {
		return err
	}
	logger := r.logger.With("uid", uid, "sender", msg.SenderAddress)
	logger.Info("message received", "subject", msg.Subject, "attachments", len(msg.Attachments), "skipped", len(skipped))

	for _, s := range skipped {
		r.stats.Record(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeAttachmentSkipped, UID: uid, Detail: string(s.Reason)})
		r.record(ctx, audit.Event{
			Name:   audit.EventAttachmentBlocked,
			UID:    uid,
			Sender: msg.SenderAddress,
			Fields: map[string]any{"filename": s.Filename, "ext": s.Extension, "size": s.SizeBytes, "reason": string(s.Reason)},
		})
	}

	allowListed := r.deps.Router.AllowListed(msg.SenderAddress)
	received := map[string]any{
		"subject":      msg.Subject,
		"auto_process": allowListed,
		"attachments":  len(msg.Attachments),
	}

	var verdict *trust.Verdict
	if allowListed {
		v := r.deps.Resolver.Evaluate(msg.AuthResults)
		verdict = &v
		if v.Degraded && !r.warnedDegraded {
			r.warnedDegraded = true
			logger.Warn("no trusted relay configured, trusting the topmost Authentication-Results header")
		}
		if v.Warning {
			logger.Warn("authentication warning", "detail", v.Rationale)
		}
		received["auth_ok"] = v.Permitted
		received["auth_detail"] = dispatch.Truncate(v.Rationale, auditDetailChars, "")
		received["auth_rule"] = v.Rule
		if v.Relay != "" {
			received["authserv_id"] = v.Relay
		}
	}
	r.record(ctx, audit.Event{Name: audit.EventMailReceived, UID: uid, Sender: msg.SenderAddress, Fields: received})

	out := r.deps.Router.Dispatch(ctx, msg, verdict)
	r.recordOutcome(ctx, msg, out)
	return nil
}

func (r *Runner) recordOutcome(ctx context.Context, msg model.InboundMessage, out dispatch.Outcome) {
	uid := msg.UID
	switch out.Plan.Route {
	case dispatch.RouteBlocked:
		r.stats.Record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeBlocked, UID: uid})
		r.record(ctx, audit.Event{
			Name:   audit.EventMailBlocked,
			UID:    uid,
			Sender: msg.SenderAddress,
			Fields: map[string]any{"reason": dispatch.Truncate(out.Plan.Reason, auditDetailChars, "")},
		})

	case dispatch.RouteTrigger:
		fields := map[string]any{
			"action":  "system_event",
			"success": out.TriggerErr == nil,
		}
		if out.TriggerErr != nil {
			fields["error"] = out.TriggerErr.Error()
			fields["exit_code"] = out.Result.ExitCode
			r.stats.Record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeTriggerFailed, UID: uid, Err: out.TriggerErr})
		} else {
			r.stats.Record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeTriggered, UID: uid})
		}
		r.record(ctx, audit.Event{Name: audit.EventMailProcessed, UID: uid, Sender: msg.SenderAddress, Fields: fields})

	case dispatch.RouteNotify:
		if out.Muted {
			r.stats.Record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeMuted, UID: uid})
			r.record(ctx, audit.Event{
				Name:   audit.EventMailMuted,
				UID:    uid,
				Sender: msg.SenderAddress,
				Fields: map[string]any{"rule": out.MuteRule},
			})
		}
	}

	if out.Notified {
		r.stats.Record(stats.Event{Stage: stats.StageDispatch, Type: stats.EventTypeNotified, UID: uid})
	}
}

func (r *Runner) messageError(ctx context.Context, uid uint32, err error) {
	r.logger.Warn("message processing failed", "uid", uid, "err", err)
	r.stats.Record(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeError, UID: uid, Err: err})
	r.record(ctx, audit.Event{Name: audit.EventMailError, UID: uid, Fields: map[string]any{"error": err.Error()}})
	r.notify(ctx, errorText(fmt.Sprintf("UID %d processing error: %v", uid, err)))
}

// fatal records a run-ending error. Nothing about the cursor is changed here.
func (r *Runner) fatal(ctx context.Context, event string, err error) {
	r.stats.Record(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err})
	r.record(ctx, audit.Event{Name: event, Fields: map[string]any{"error": err.Error()}})
	r.notify(ctx, errorText(err.Error()))
}

func (r *Runner) record(ctx context.Context, e audit.Event) {
	e.Run = r.opts.RunID
	if err := r.deps.Audit.Record(ctx, e); err != nil {
		r.logger.Warn("audit record failed", "event", e.Name, "err", err)
	}
}

func (r *Runner) notify(ctx context.Context, text string) {
	if r.deps.Sink == nil {
		return
	}
	// Cancellation of the run must not swallow the notification about it.
	if err := r.deps.Sink.Send(context.WithoutCancel(ctx), text); err != nil {
		r.logger.Warn("notification failed", "err", err)
	}
}

func errorText(msg string) string {
	return "❌ <b>Mail check error</b>\n" + html.EscapeString(msg)
}

// newUIDs keeps UIDs above last in ascending order. A search for "last+1:*"
// always matches the highest UID even when it is not new.
func newUIDs(uids []uint32, last uint32) []uint32 {
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > last {
			out = append(out, uid)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
