// Package dispatch routes an extracted message either to the autonomous-action
// trigger or to the notification sink.
//
// Decide is pure and only picks the route. Dispatch carries the route out
// through the injected trigger and sink and reports what happened; it never
// returns an error since every failure here is recoverable per message.
package dispatch

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/dhcgn/imap-intake/filter"
	"github.com/dhcgn/imap-intake/model"
	"github.com/dhcgn/imap-intake/notify"
	"github.com/dhcgn/imap-intake/trigger"
	"github.com/dhcgn/imap-intake/trust"
)

const (
	DefaultMaxPayloadChars = 5000
	DefaultLabel           = "owner"

	PayloadTruncationMarker = "\n\n[...payload truncated]"

	previewChars    = 200
	escalationChars = 300
	reasonChars     = 200
)

// Route is the single path a message takes.
type Route int

const (
	// RouteNotify sends a preview to the notification sink. Used for every
	// sender outside the allow-list.
	RouteNotify Route = iota
	// RouteBlocked notifies that an allow-listed sender failed
	// authentication; the trigger is not invoked.
	RouteBlocked
	// RouteTrigger hands the message to the trigger. A failed trigger
	// escalates to the notification sink.
	RouteTrigger
)

func (r Route) String() string {
	switch r {
	case RouteNotify:
		return "notify"
	case RouteBlocked:
		return "blocked"
	case RouteTrigger:
		return "trigger"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// Plan is the routing decision for one message.
type Plan struct {
	Route Route
	// Reason is the verdict rationale for allow-listed senders.
	Reason string
}

// Decide picks the route. verdict is nil for senders outside the allow-list.
func Decide(msg model.InboundMessage, verdict *trust.Verdict, allowListed bool) Plan {
	if !allowListed || verdict == nil {
		return Plan{Route: RouteNotify}
	}
	if !verdict.Permitted {
		return Plan{Route: RouteBlocked, Reason: verdict.Rationale}
	}
	return Plan{Route: RouteTrigger, Reason: verdict.Rationale}
}

// Trigger starts autonomous processing of a payload.
type Trigger interface {
	Fire(ctx context.Context, payload string) (trigger.Result, error)
}

type Options struct {
	// AllowList holds lowercased sender addresses eligible for the trigger.
	AllowList []string
	// Labels maps allow-listed addresses to the name used in payloads and
	// escalations.
	Labels          map[string]string
	MaxPayloadChars int
	// Instructions is appended to every payload when set.
	Instructions string
	// StagingDir is named in the payload next to the attachment list.
	StagingDir string
	Mute       *filter.Filter
	Logger     *slog.Logger
}

type Dispatcher struct {
	trigger Trigger
	sink    notify.Sink
	opts    Options
	allow   map[string]struct{}
	logger  *slog.Logger
}

func New(t Trigger, sink notify.Sink, opts Options) *Dispatcher {
	if opts.MaxPayloadChars <= 0 {
		opts.MaxPayloadChars = DefaultMaxPayloadChars
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allow := make(map[string]struct{}, len(opts.AllowList))
	for _, a := range opts.AllowList {
		allow[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	return &Dispatcher{trigger: t, sink: sink, opts: opts, allow: allow, logger: logger}
}

// AllowListed reports whether address may trigger autonomous action.
func (d *Dispatcher) AllowListed(address string) bool {
	_, ok := d.allow[strings.ToLower(address)]
	return ok
}

// Label returns the display label for an allow-listed address.
func (d *Dispatcher) Label(address string) string {
	if l, ok := d.opts.Labels[strings.ToLower(address)]; ok && l != "" {
		return l
	}
	return DefaultLabel
}

// Outcome reports the side effects of one Dispatch call.
type Outcome struct {
	Plan      Plan
	Triggered bool
	// TriggerErr is set when the trigger was invoked and failed.
	TriggerErr error
	Result     trigger.Result
	Notified   bool
	// NotifyErr is set when a notification could not be delivered.
	NotifyErr error
	Muted     bool
	MuteRule  string
}

// Escalated reports whether a failed trigger was followed by a notification.
func (o Outcome) Escalated() bool {
	return o.Plan.Route == RouteTrigger && o.TriggerErr != nil
}

// Dispatch routes msg. verdict must be nil for senders outside the
// allow-list.
func (d *Dispatcher) Dispatch(ctx context.Context, msg model.InboundMessage, verdict *trust.Verdict) Outcome {
	allowListed := d.AllowListed(msg.SenderAddress)
	plan := Decide(msg, verdict, allowListed)
	out := Outcome{Plan: plan}
	logger := d.logger.With("uid", msg.UID, "sender", msg.SenderAddress, "route", plan.Route.String())

	switch plan.Route {
	case RouteNotify:
		if muted, rule := d.opts.Mute.Mutes(msg); muted {
			out.Muted = true
			out.MuteRule = rule
			logger.Info("notification muted", "rule", rule)
			return out
		}
		out.Notified, out.NotifyErr = d.send(ctx, logger, NewMailText(msg))

	case RouteBlocked:
		logger.Warn("autonomous processing blocked", "reason", plan.Reason)
		out.Notified, out.NotifyErr = d.send(ctx, logger, BlockedText(msg, plan.Reason))

	case RouteTrigger:
		label := d.Label(msg.SenderAddress)
		payload := BuildPayload(msg, label, d.opts.MaxPayloadChars, d.opts.StagingDir, d.opts.Instructions)
		out.Triggered = true
		out.Result, out.TriggerErr = d.trigger.Fire(ctx, payload)
		if out.TriggerErr != nil {
			logger.Error("trigger failed", "error", out.TriggerErr)
			out.Notified, out.NotifyErr = d.send(ctx, logger, EscalationText(msg, label))
			break
		}
		logger.Info("trigger accepted message", "duration", out.Result.Duration)
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, logger *slog.Logger, text string) (bool, error) {
	if d.sink == nil {
		return false, nil
	}
	if err := d.sink.Send(ctx, text); err != nil {
		logger.Warn("notification failed", "error", err)
		return false, err
	}
	return true, nil
}

// BuildPayload renders the trigger payload for msg, bounded to limit
// characters.
func BuildPayload(msg model.InboundMessage, label string, limit int, stagingDir, instructions string) string {
	if label == "" {
		label = DefaultLabel
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📧 New mail from %s. Read it and act on it autonomously.\n\n", label)
	fmt.Fprintf(&b, "From: %s\nSubject: %s\nDate: %s\n\n", msg.SenderDisplay, msg.Subject, msg.Date)
	b.WriteString("[Body]\n")
	b.WriteString(msg.Body)
	b.WriteString("\n")
	if len(msg.Attachments) > 0 {
		if stagingDir != "" {
			fmt.Fprintf(&b, "\nAttachments (saved in %s):\n", stagingDir)
		} else {
			b.WriteString("\nAttachments:\n")
		}
		for _, a := range msg.Attachments {
			fmt.Fprintf(&b, "  - %s\n", a.Path)
		}
	}
	if instructions != "" {
		b.WriteString("\n[Instructions]\n")
		b.WriteString(instructions)
		b.WriteString("\n")
	}
	return Truncate(strings.TrimRight(b.String(), "\n"), limit, PayloadTruncationMarker)
}

// NewMailText is the notification for a sender outside the allow-list.
func NewMailText(msg model.InboundMessage) string {
	return fmt.Sprintf("📧 <b>New mail</b>\nFrom: %s\nSubject: %s\n\n%s",
		html.EscapeString(msg.SenderDisplay),
		html.EscapeString(msg.Subject),
		html.EscapeString(Truncate(msg.Body, previewChars, "")))
}

// BlockedText is the notification for an allow-listed sender whose
// authentication failed.
func BlockedText(msg model.InboundMessage, reason string) string {
	return fmt.Sprintf("🚨 <b>Mail authentication failed, autonomous processing blocked</b>\nFrom: %s\nSubject: %s\nReason: %s\n\nThe sender may be forged. Check the message manually.",
		html.EscapeString(msg.SenderAddress),
		html.EscapeString(msg.Subject),
		html.EscapeString(Truncate(reason, reasonChars, "")))
}

// EscalationText is the notification sent when the trigger failed.
func EscalationText(msg model.InboundMessage, label string) string {
	return fmt.Sprintf("📧 <b>Mail from %s (automatic processing failed)</b>\nSubject: %s\n\n%s\n\n⚠️ Please handle it manually.",
		html.EscapeString(label),
		html.EscapeString(msg.Subject),
		html.EscapeString(Truncate(msg.Body, escalationChars, "")))
}

// Truncate cuts s to limit characters and appends marker when it did.
func Truncate(s string, limit int, marker string) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + marker
}
