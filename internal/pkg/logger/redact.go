package logger

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// RedactEmail masks an address down to a two-character hint:
// "maria@example.com" becomes "ma***@example.com". Local parts of one or
// two characters are masked whole, and anything that is not exactly one
// local part plus one domain comes back fully masked.
func RedactEmail(email string) string {
	local, dom, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(dom, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + dom
	}
	return local[:2] + "***@" + dom
}

// redactValue masks PII in one structured field. Keys naming an email or a
// subscriber are masked outright; other values only have embedded addresses
// rewritten.
func redactValue(key, val string) string {
	k := strings.ToLower(key)
	if strings.Contains(k, "email") || strings.Contains(k, "subscriber") {
		return RedactEmail(val)
	}
	return emailPattern.ReplaceAllStringFunc(val, RedactEmail)
}
