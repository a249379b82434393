// Package audit keeps a durable record of what the poller did with each
// message, independent of the notification channel.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	EventUIDValidityReset  = "uidvalidity_reset"
	EventMailReceived      = "mail_received"
	EventMailBlocked       = "mail_blocked"
	EventMailProcessed     = "mail_processed"
	EventMailMuted         = "mail_muted"
	EventAttachmentBlocked = "attachment_blocked"
	EventMailError         = "mail_error"
	EventIMAPError         = "imap_error"
	EventCheckMailError    = "check_mail_error"
)

// Event is one audit record. Fields holds event specific values and must be
// JSON encodable.
type Event struct {
	ID     string
	Time   time.Time
	Run    string
	Name   string
	UID    uint32
	Sender string
	Fields map[string]any
}

// Log records audit events.
type Log interface {
	Record(ctx context.Context, e Event) error
	Close() error
}

// fill sets ID and Time when the caller left them empty.
func fill(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Time = e.Time.UTC()
	return e
}

type nop struct{}

// Nop returns a Log that discards every event.
func Nop() Log { return nop{} }

func (nop) Record(context.Context, Event) error { return nil }
func (nop) Close() error                        { return nil }
