package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorLen caps failure text stored on a todo.
const MaxErrorLen = 512

var (
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer|token|api[_-]?key|authorization)(["']?\s*[:=]\s*["']?|\s+)[A-Za-z0-9._\-+/=]{8,}`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// Text masks credentials and common PII in s. It reports whether anything
// was replaced.
func Text(s string) (string, bool) {
	out := bearerPattern.ReplaceAllString(s, "$1$2[REDACTED]")
	out = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	// Cards first so long digit runs are not taken for phone numbers.
	out = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	out = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out, out != s
}

// Error returns err's message redacted and truncated to MaxErrorLen bytes on
// a rune boundary. A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	out, _ := Text(strings.TrimSpace(err.Error()))
	if len(out) <= MaxErrorLen {
		return out
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "..."
}
