// Package trust decides whether the sender of a message is authenticated well
// enough to allow autonomous action, based on the Authentication-Results
// headers written by the receiving mail server.
//
// Only headers produced by the configured trusted relay are considered, so a
// forged header injected further down the relay chain cannot vouch for a
// message. When no trusted relay is configured the topmost header is used;
// this degraded mode is reported on every verdict.
package trust

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-msgauth/authres"
)

const (
	RationaleAuthenticated = "authenticated"
	RationaleNoHeaders     = "no attestation present"
	RationaleNoTrusted     = "no attestation from the trusted relay found"

	excerptLen = 200
)

// Verdict is the outcome of evaluating one message.
type Verdict struct {
	Permitted bool
	Rationale string
	// Warning is set when the message is permitted despite a failed check.
	Warning bool
	// Rule names the rule that decided, empty when no header was usable.
	Rule string
	// Relay is the authserv-id of the header that was evaluated.
	Relay string
	// Degraded is set when no trusted relay was configured and the topmost
	// header was taken on faith.
	Degraded bool
}

// Options configures a Resolver.
type Options struct {
	// TrustedRelay is the authserv-id (usually the MX hostname) whose
	// headers are believed.
	TrustedRelay string
	// DMARCNoneOverrides lets a DMARC failure under policy=none permit the
	// message before the SPF/DKIM rules are consulted.
	DMARCNoneOverrides bool
}

type Resolver struct {
	relay string
	rules []Rule
}

func NewResolver(opts Options) *Resolver {
	rules := make([]Rule, 0, len(Rules))
	for _, r := range Rules {
		if r.Name == RuleDMARCNone && !opts.DMARCNoneOverrides {
			continue
		}
		rules = append(rules, r)
	}
	return &Resolver{
		relay: strings.TrimSpace(opts.TrustedRelay),
		rules: rules,
	}
}

// Degraded reports whether the resolver runs without a trusted relay.
func (r *Resolver) Degraded() bool {
	return r.relay == ""
}

// Evaluate selects the header to trust from headers (topmost first) and
// applies the rule table to it.
func (r *Resolver) Evaluate(headers []string) Verdict {
	degraded := r.Degraded()

	if len(headers) == 0 {
		return Verdict{Rationale: RationaleNoHeaders, Degraded: degraded}
	}

	header, ok := SelectHeader(headers, r.relay)
	if !ok {
		return Verdict{
			Rationale: fmt.Sprintf("%s (%s, %d headers checked)", RationaleNoTrusted, r.relay, len(headers)),
			Degraded:  degraded,
		}
	}

	h := newHeader(header)
	verdict := Verdict{
		Permitted: true,
		Rationale: RationaleAuthenticated,
		Relay:     h.ServID,
		Degraded:  degraded,
		Rule:      "default",
	}
	for _, rule := range r.rules {
		if !rule.Match(h) {
			continue
		}
		verdict.Permitted = rule.Permit
		verdict.Warning = rule.Permit
		verdict.Rule = rule.Name
		verdict.Rationale = fmt.Sprintf("%s: %s", rule.Reason, excerpt(header))
		break
	}
	return verdict
}

// SelectHeader returns the first header containing relay. With an empty relay
// it returns the topmost header.
func SelectHeader(headers []string, relay string) (string, bool) {
	if len(headers) == 0 {
		return "", false
	}
	if relay == "" {
		return headers[0], true
	}
	for _, h := range headers {
		if strings.Contains(h, relay) {
			return h, true
		}
	}
	return "", false
}

// Header is an Authentication-Results value prepared for rule matching.
type Header struct {
	Raw    string
	Lower  string
	ServID string
}

func newHeader(raw string) Header {
	return Header{
		Raw:    raw,
		Lower:  strings.ToLower(raw),
		ServID: servID(raw),
	}
}

func servID(raw string) string {
	if id, _, err := authres.Parse(raw); err == nil && id != "" {
		return id
	}
	id, _, _ := strings.Cut(raw, ";")
	return strings.TrimSpace(id)
}

func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= excerptLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:excerptLen])
}
