package normalize

import (
	"regexp"
	"strings"
)

const (
	redactedEmail  = "[REDACTED_EMAIL]"
	redactedNumber = "[REDACTED_NUMBER]"
	redactedPhone  = "[REDACTED_PHONE]"
)

// Applied in order. Card-length runs go before the generic 6+ digit rule.
var redactRules = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`), redactedEmail},
	{regexp.MustCompile(`\b\d{13,19}\b`), redactedNumber},
	{regexp.MustCompile(`\b\d{6,}\b`), redactedNumber},
	{regexp.MustCompile(`\+?\d[\d\-\s()]{6,}\d`), redactedPhone},
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// Redact scrubs emails, long digit runs and phone-like sequences from free
// text and collapses whitespace. It is heuristic and idempotent.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, rule := range redactRules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}
