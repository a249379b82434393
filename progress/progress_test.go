package progress

import (
	"errors"
	"testing"

	"github.com/dhcgn/imap-intake/stats"
)

func TestDisabledBarIsInert(t *testing.T) {
	bar := New(10, false)
	if bar.enabled {
		t.Fatal("bar must be disabled")
	}
	bar.Update(stats.Event{Type: stats.EventTypeFetched, Detail: "subject"})
	bar.Update(stats.Event{Type: stats.EventTypeError, Err: errors.New("boom")})
	bar.Stop(stats.Summary{Fetched: 1})
	if bar.pb != nil {
		t.Fatal("disabled bar must not start a printer")
	}
}

func TestEmptyArchiveDisablesBar(t *testing.T) {
	bar := New(0, true)
	if bar.enabled {
		t.Fatal("bar over zero messages must be disabled")
	}
}
