package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the maximum length of a query to log
	MaxQueryLogLength = 100
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx in key/value DSNs, including libpq
	// single-quoted values with escapes: password='a b\'c'
	passwordPattern = regexp.MustCompile(`(?i)\b(password|pwd|pass)=('(?:[^'\\]|\\.)*'|[^;&\s]+)`)

	// user:pass@host in URL DSNs
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// SanitizeConnectionString removes credentials from a DSN. Use this before
// logging any connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError renders err with credentials removed. Driver errors can echo
// the DSN they failed on, so every database error goes through this before
// it is logged or shown.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeConnectionString(err.Error())
}

// SanitizeQuery truncates and sanitizes a SQL query for logging.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	sanitized := TruncateString(query, MaxQueryLogLength)
	return passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// sanitizedError keeps the cause for errors.Is/As while rendering without
// credentials.
type sanitizedError struct {
	err error
}

func (e *sanitizedError) Error() string { return SanitizeError(e.err) }
func (e *sanitizedError) Unwrap() error { return e.err }

// Sanitized wraps err so its message is scrubbed wherever it is printed.
func Sanitized(err error) error {
	if err == nil {
		return nil
	}
	return &sanitizedError{err: err}
}
