package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	// Speech-to-text renders numbers a caller reads aloud as digit words
	// ("five five five one two one two"). A run of seven or more is long
	// enough to be a phone or account number rather than conversation.
	spokenDigitPattern = regexp.MustCompile(`(?i)\b(?:(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)[\s,-]+){6,}(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)\b`)
)

// RedactPII masks common high-risk PII patterns in transcript text before it
// is persisted. Callers on phone lines routinely read numbers aloud, so card
// redaction runs before phone redaction to keep card numbers from being
// classified as phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	next = spokenDigitPattern.ReplaceAllString(out, "[REDACTED_SPOKEN_NUMBER]")
	changed = changed || next != out
	out = next

	return out, changed
}
