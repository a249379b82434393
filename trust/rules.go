package trust

import "strings"

const (
	RuleDMARCEnforced = "dmarc-enforced"
	RuleDMARCNone     = "dmarc-none"
	RuleSPFAndDKIM    = "spf-and-dkim-fail"
	RuleSPFOnly       = "spf-fail-dkim-ok"
)

// Rule is one row of the decision table. Rules are tried in order and the
// first match decides; a header matching none is authenticated.
type Rule struct {
	Name   string
	Match  func(Header) bool
	Permit bool
	Reason string
}

// Rules is the decision table in precedence order. DMARC, which the domain
// owner controls, comes first; DKIM outranks SPF since SPF legitimately fails
// after forwarding.
var Rules = []Rule{
	{
		Name:   RuleDMARCEnforced,
		Match:  func(h Header) bool { return DMARCFail(h) && DMARCEnforcing(h) },
		Permit: false,
		Reason: "DMARC failed under enforcing policy (quarantine/reject)",
	},
	{
		Name:   RuleDMARCNone,
		Match:  func(h Header) bool { return DMARCFail(h) && !DMARCEnforcing(h) },
		Permit: true,
		Reason: "warning: DMARC failed but policy=none",
	},
	{
		Name:   RuleSPFAndDKIM,
		Match:  func(h Header) bool { return SPFFail(h) && DKIMFail(h) },
		Permit: false,
		Reason: "SPF and DKIM both failed",
	},
	{
		Name:   RuleSPFOnly,
		Match:  func(h Header) bool { return SPFFail(h) && !DKIMFail(h) },
		Permit: true,
		Reason: "warning: SPF failed, accepted on DKIM",
	},
}

func DMARCFail(h Header) bool {
	return strings.Contains(h.Lower, "dmarc=fail")
}

func DMARCEnforcing(h Header) bool {
	return containsAny(h.Lower, "policy=reject", "policy=quarantine", "p=reject", "p=quarantine")
}

func SPFFail(h Header) bool {
	return containsAny(h.Lower, "spf=fail", "spf=softfail")
}

func DKIMFail(h Header) bool {
	return containsAny(h.Lower, "dkim=fail", "dkim=none")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
