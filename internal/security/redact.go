package security

import (
	"regexp"
	"strings"
)

// sensitivePatterns match credential assignments in free text such as
// broker error bodies and URLs.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(api[_-]?key|api[_-]?secret|client[_-]?secret|secret[_-]?key|access[_-]?token|refresh[_-]?token|request[_-]?token|auth[_-]?token|password)(["']?\s*[=:]\s*["']?)([^\s"'&,}]+)`),
	regexp.MustCompile(`(?i)\b(bearer|token)(\s+)([A-Za-z0-9._\-:]{8,})`),
}

// MaskCredential keeps the first and last four characters of long values.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// Redact masks every credential value found in s.
func Redact(s string) string {
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllStringFunc(s, func(match string) string {
			parts := pattern.FindStringSubmatch(match)
			return parts[1] + parts[2] + MaskCredential(parts[3])
		})
	}
	return s
}
