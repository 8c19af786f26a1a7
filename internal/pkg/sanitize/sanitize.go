package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxLength bounds every sanitised message.
const MaxLength = 200

var (
	urlPattern    = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"']+`)
	uuidPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	secretPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|apikey|access[_-]?token|client[_-]?token|token|secret|password|authorization)(["']?\s*[:=]\s*["']?)[^\s"',;&]+`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[^\s"',;]+`)
	winPath       = regexp.MustCompile(`\b[A-Za-z]:\\[^\s"':]+`)
	unixPath      = regexp.MustCompile(`(?:^|[\s"'(=])(?:\.{0,2}/[\w.@-]+){2,}(?::\d+)?`)
	longToken     = regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`)
	spaces        = regexp.MustCompile(`\s+`)
)

// Error returns a user-presentable rendering of err.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return Text(err.Error())
}

// Text scrubs file paths, UUIDs, URLs and credentials from s and truncates
// the result to MaxLength characters.
func Text(s string) string {
	s = urlPattern.ReplaceAllString(s, "[url]")
	s = bearerPattern.ReplaceAllString(s, "Bearer [redacted]")
	s = secretPattern.ReplaceAllString(s, "${1}${2}[redacted]")
	s = uuidPattern.ReplaceAllString(s, "[id]")
	s = winPath.ReplaceAllString(s, "[path]")
	s = unixPath.ReplaceAllStringFunc(s, func(m string) string {
		// keep the delimiter that opened the match
		if r, size := utf8.DecodeRuneInString(m); size > 0 && r != '/' && r != '.' {
			return string(r) + "[path]"
		}
		return "[path]"
	})
	s = longToken.ReplaceAllString(s, "[redacted]")
	s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))

	return Truncate(s, MaxLength)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
