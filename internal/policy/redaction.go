package policy

import (
	"regexp"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	botTokenPattern = regexp.MustCompile(`bot[0-9]{5,}:[A-Za-z0-9_\-]{20,}`)
	apiKeyPattern   = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`)
	bearerPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]+`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards first, otherwise the phone pattern swallows them.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactSecrets masks credentials that can leak into error strings: Telegram
// bot tokens embedded in request URLs, provider API keys and bearer headers.
func RedactSecrets(input string) string {
	out := botTokenPattern.ReplaceAllString(input, "bot[REDACTED_TOKEN]")
	out = apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	out = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	return out
}

// Preview returns at most maxRunes of text with PII masked, for log lines.
func Preview(text string, maxRunes int) string {
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		text = string([]rune(text)[:maxRunes]) + "..."
	}
	out, _ := RedactPII(text)
	return out
}
