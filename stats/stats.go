package stats

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageIMAP     Stage = "imap"
	StageExtract  Stage = "extract"
	StageDispatch Stage = "dispatch"
)

type EventType string

const (
	EventTypeFetched           EventType = "fetched"
	EventTypeTriggered         EventType = "triggered"
	EventTypeTriggerFailed     EventType = "trigger_failed"
	EventTypeNotified          EventType = "notified"
	EventTypeBlocked           EventType = "blocked"
	EventTypeMuted             EventType = "muted"
	EventTypeAttachmentSkipped EventType = "attachment_skipped"
	EventTypeError             EventType = "error"
)

type Event struct {
	Stage  Stage
	Type   EventType
	UID    uint32
	Err    error
	Detail string
}

// Summary is the outcome of one poll run.
type Summary struct {
	Fetched            int
	Triggered          int
	TriggerFailed      int
	Notified           int
	Blocked            int
	Muted              int
	AttachmentsSkipped int
	Errors             int
	LastError          error

	// MaxUID is the highest UID seen in the batch, 0 when the batch was empty.
	MaxUID          uint32
	GenerationReset bool
	Duration        time.Duration
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"triggered", s.Triggered,
		"triggerFailed", s.TriggerFailed,
		"notified", s.Notified,
		"blocked", s.Blocked,
		"muted", s.Muted,
		"attachmentsSkipped", s.AttachmentsSkipped,
		"errors", s.Errors,
		"maxUID", s.MaxUID,
	}
	if s.GenerationReset {
		attrs = append(attrs, "generationReset", true)
	}
	if s.Duration > 0 {
		attrs = append(attrs, "duration", s.Duration)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
	logger  *slog.Logger
}

// NewCollector returns a Collector. With a non-nil logger every error event
// is logged at debug level as it arrives.
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeTriggered:
		c.summary.Triggered++
	case EventTypeTriggerFailed:
		c.summary.TriggerFailed++
	case EventTypeNotified:
		c.summary.Notified++
	case EventTypeBlocked:
		c.summary.Blocked++
	case EventTypeMuted:
		c.summary.Muted++
	case EventTypeAttachmentSkipped:
		c.summary.AttachmentsSkipped++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
		if c.logger != nil {
			c.logger.Debug("error recorded", "stage", evt.Stage, "uid", evt.UID, "detail", evt.Detail, "err", evt.Err)
		}
	}
}

// ObserveUID tracks the highest UID of the batch.
func (c *Collector) ObserveUID(uid uint32) {
	c.mu.Lock()
	if uid > c.summary.MaxUID {
		c.summary.MaxUID = uid
	}
	c.mu.Unlock()
}

func (c *Collector) MarkGenerationReset() {
	c.mu.Lock()
	c.summary.GenerationReset = true
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Count is one entry of a frequency table.
type Count struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, ties broken by key.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}
