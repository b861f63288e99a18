// Package redact strips session tokens and other sensitive values from log
// output before it leaves the process boundary. Redaction is best-effort: it
// operates on string representations and relies on callers to pass the
// right set of sensitive values; it is not a substitute for keeping secrets
// out of log call sites in the first place.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spuriously redacting common substrings (e.g. a session token prefix like
// "s1").
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Header returns header for logging, redacting the value when name is a
// known-sensitive header (zt-session, Authorization) regardless of its
// contents.
func Header(name, value string) string {
	switch strings.ToLower(name) {
	case "zt-session", "authorization":
		return placeholder
	default:
		return value
	}
}
