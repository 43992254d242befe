// Package policy screens kiosk queries and scrubs text before it is stored.
package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// redactions run in order; cards go before phones so long digit runs are
// not classified as phone numbers.
var redactions = []struct {
	kind    string
	pattern *regexp.Regexp
	marker  string
}{
	{kind: "email", pattern: emailPattern, marker: "[REDACTED_EMAIL]"},
	{kind: "card", pattern: cardPattern, marker: "[REDACTED_CARD]"},
	{kind: "phone", pattern: phonePattern, marker: "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns and reports which kinds it
// found.
func RedactPII(input string) (redacted string, kinds []string) {
	out := input
	for _, r := range redactions {
		next := r.pattern.ReplaceAllString(out, r.marker)
		if next != out {
			kinds = append(kinds, r.kind)
		}
		out = next
	}
	return out, kinds
}

// MaxQueryRunes bounds a single kiosk query.
const MaxQueryRunes = 600

// QueryDecision is the result of screening a visitor query.
type QueryDecision struct {
	Allowed bool
	Reason  string
	// Reply is spoken instead of a generated answer when the query is not
	// allowed.
	Reply string
	// Text is the query to answer, trimmed to MaxQueryRunes.
	Text string
}

const refusalReply = "Sorry, I can't help with that here. Is there something else about this place I can help you with?"

var blockedQueryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bignore (?:all |your )?(?:previous|prior) instructions\b`),
	regexp.MustCompile(`(?i)\b(print|show|reveal|tell me)\b.*\b(system prompt|api[_ -]?key|token|password|secret)\b`),
	regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
}

// ScreenQuery decides whether a public kiosk should answer text.
func ScreenQuery(text string) QueryDecision {
	in := strings.TrimSpace(text)
	if in == "" {
		return QueryDecision{Reason: "empty"}
	}
	if runes := []rune(in); len(runes) > MaxQueryRunes {
		in = string(runes[:MaxQueryRunes])
	}
	for _, re := range blockedQueryPatterns {
		if re.MatchString(in) {
			return QueryDecision{Reason: "blocked", Reply: refusalReply, Text: in}
		}
	}
	return QueryDecision{Allowed: true, Text: in}
}
