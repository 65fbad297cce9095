package policy

import "regexp"

var (
	keyParamPattern    = regexp.MustCompile(`(?i)([?&](?:key|api_key|access_token)=)[^&\s"']+`)
	bearerPattern      = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-]{8,}`)
	googleKeyPattern   = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{30,}`)
	headerValuePattern = regexp.MustCompile(`(?i)(x-goog-api-key\s*[:=]\s*)\S+`)
)

// RedactSecrets masks credentials that upstream errors tend to echo back
// (query keys, bearer tokens, API key headers).
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := keyParamPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = headerValuePattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	// Bare keys last so the patterns above keep their prefixes.
	next = googleKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactError is RedactSecrets over err's message. A nil error yields "".
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	out, _ := RedactSecrets(err.Error())
	return out
}
