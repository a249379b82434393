package filter

import (
	"testing"

	"github.com/dhcgn/imap-intake/model"
)

func TestFilter_Mutes_Sender(t *testing.T) {
	f, err := New(Options{Sender: []string{`@newsletter\.example\.com$`}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	muted, rule := f.Mutes(model.InboundMessage{SenderAddress: "weekly@newsletter.example.com"})
	if !muted {
		t.Error("Expected newsletter sender to be muted")
	}
	if rule != `sender:@newsletter\.example\.com$` {
		t.Errorf("rule = %q", rule)
	}

	if muted, _ := f.Mutes(model.InboundMessage{SenderAddress: "friend@example.com"}); muted {
		t.Error("Expected other sender not to be muted")
	}
}

func TestFilter_Mutes_SubjectAndBody(t *testing.T) {
	f, err := New(Options{
		Subject: []string{`(?i)^\[spam\]`},
		Body:    []string{"unsubscribe"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if muted, _ := f.Mutes(model.InboundMessage{Subject: "[SPAM] offer"}); !muted {
		t.Error("Expected subject rule to mute")
	}
	if muted, rule := f.Mutes(model.InboundMessage{Subject: "hi", Body: "click to unsubscribe"}); !muted || rule != "body:unsubscribe" {
		t.Errorf("body rule: muted=%v rule=%q", muted, rule)
	}
	if muted, _ := f.Mutes(model.InboundMessage{Subject: "hi", Body: "hello"}); muted {
		t.Error("Expected plain message not to be muted")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{Subject: []string{"("}}); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}

func TestFilter_NoRules(t *testing.T) {
	f, err := New(Options{Sender: []string{"  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Active() {
		t.Error("Expected blank patterns to be ignored")
	}
	if muted, _ := f.Mutes(model.InboundMessage{Subject: "anything"}); muted {
		t.Error("Expected nothing muted when no rules are active")
	}

	var nilFilter *Filter
	if muted, _ := nilFilter.Mutes(model.InboundMessage{}); muted {
		t.Error("Expected nil filter to mute nothing")
	}
}
