// Package policy masks personal data before transcript lines leave the process.
package policy

import "regexp"

var (
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern   = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern    = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	addressPattern = regexp.MustCompile(`(?i)\b\d{1,5}\s+(?:[a-z]+\s+){1,4}(?:street|st|avenue|ave|road|rd|lane|ln|boulevard|blvd|drive|dr|court|ct|way)\b\.?`)
)

type rule struct {
	pattern *regexp.Regexp
	marker  string
}

// Cards run before phones so long digit runs are not classified as phone numbers.
var rules = []rule{
	{emailPattern, "[REDACTED_EMAIL]"},
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
	{addressPattern, "[REDACTED_ADDRESS]"},
}

// RedactPII masks emails, card numbers, phone numbers and street addresses.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
