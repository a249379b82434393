// Package filter holds the mute rules for notify-only mail: messages from
// senders outside the allow-list that match a rule are audited but not sent
// to the notification sink.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/imap-intake/model"
)

// Options captures the mute configuration. Each entry is a regular
// expression; a message is muted when any pattern matches its field.
type Options struct {
	Sender  []string
	Subject []string
	Body    []string
}

// Filter holds compiled mute patterns.
type Filter struct {
	sender  []*regexp.Regexp
	subject []*regexp.Regexp
	body    []*regexp.Regexp
}

// New creates a Filter from the provided options.
func New(opts Options) (*Filter, error) {
	sender, err := compilePatterns(opts.Sender)
	if err != nil {
		return nil, fmt.Errorf("compile mute-sender pattern: %w", err)
	}
	subject, err := compilePatterns(opts.Subject)
	if err != nil {
		return nil, fmt.Errorf("compile mute-subject pattern: %w", err)
	}
	body, err := compilePatterns(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("compile mute-body pattern: %w", err)
	}
	return &Filter{sender: sender, subject: subject, body: body}, nil
}

// Active reports whether any rule is configured.
func (f *Filter) Active() bool {
	return f != nil && len(f.sender)+len(f.subject)+len(f.body) > 0
}

// Mutes reports whether msg matches a rule and names the matching pattern.
// A nil Filter mutes nothing.
func (f *Filter) Mutes(msg model.InboundMessage) (bool, string) {
	if !f.Active() {
		return false, ""
	}
	if re := matchAny(f.sender, msg.SenderAddress); re != nil {
		return true, "sender:" + re.String()
	}
	if re := matchAny(f.subject, msg.Subject); re != nil {
		return true, "subject:" + re.String()
	}
	if re := matchAny(f.body, msg.Body); re != nil {
		return true, "body:" + re.String()
	}
	return false, ""
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) *regexp.Regexp {
	for _, re := range patterns {
		if re.MatchString(text) {
			return re
		}
	}
	return nil
}
