package logging

import (
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"method":    {},
	"status":    {},
	"user":      {},
	"op_id":     {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed
// to be emitted without redaction. Tests use this to ensure secret-bearing
// keys such as DSNs and bearer tokens stay masked.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RedactDSN masks the credential section of a database or broker DSN so the
// remainder stays greppable in logs.
func RedactDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return ""
	}
	schemeIdx := strings.Index(trimmed, "://")
	if schemeIdx < 0 {
		return RedactedValue
	}
	rest := trimmed[schemeIdx+3:]
	atIdx := strings.LastIndex(rest, "@")
	if atIdx < 0 {
		return trimmed
	}
	return trimmed[:schemeIdx+3] + RedactedValue + rest[atIdx:]
}
