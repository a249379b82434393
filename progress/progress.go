package progress

import (
	"sync"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-intake/stats"
)

// Bar shows replay progress on the terminal. A disabled Bar ignores every
// call, so callers never need to check.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New starts a progress bar over total messages when enabled is true.
func New(total int, enabled bool) *Bar {
	bar := &Bar{total: total, enabled: enabled && total > 0}

	if bar.enabled {
		pb, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Replaying messages").
			Start()
		if err != nil {
			bar.enabled = false
			return bar
		}
		bar.pb = pb
		pterm.Info.Printf("Messages in archive: %d\n", total)
	}

	return bar
}

// Update advances the bar on fetched messages and prints errors above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFetched:
		b.pb.Increment()
		if evt.Detail != "" {
			title := evt.Detail
			if len([]rune(title)) > 40 {
				title = string([]rune(title)[:37]) + "..."
			}
			b.pb.UpdateTitle("Replaying: " + title)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("uid %d: %v\n", evt.UID, evt.Err)
		}
	}
}

// Stop completes the bar and prints the summary.
func (b *Bar) Stop(summary stats.Summary) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()

	pterm.Println()
	pterm.DefaultSection.Println("Replay summary")
	pterm.Info.Printf("Duration: %v\n", summary.Duration)
	pterm.Info.Printf("Messages: %d\n", summary.Fetched)
	pterm.Info.Printf("Would trigger: %d\n", summary.Triggered)
	pterm.Info.Printf("Would notify: %d\n", summary.Notified)
	pterm.Info.Printf("Blocked: %d\n", summary.Blocked)
	pterm.Info.Printf("Muted: %d\n", summary.Muted)
	pterm.Info.Printf("Attachments skipped: %d\n", summary.AttachmentsSkipped)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
