// Package normalize canonicalizes failure text so equivalent failures share fingerprints and cache keys.
package normalize

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Normalization regexes compiled once at package init.
var (
	reDatetime   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?\s*`)
	reClock      = regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(\.\d+)?\b`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reParenNum   = regexp.MustCompile(`\(\d+\)`)
	reLineNum    = regexp.MustCompile(`:\d+\b`)
	reWhitespace = regexp.MustCompile(`[ \t]+`)
)

// maxLogBytes bounds the normalized error log that feeds the cache key.
const maxLogBytes = 8000

// NormalizeMessage applies all single-line normalization rules.
func NormalizeMessage(msg string) string {
	msg = reDatetime.ReplaceAllString(msg, "")
	msg = reClock.ReplaceAllString(msg, "HH:MM:SS")
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reBracketNum.ReplaceAllString(msg, "[N]")
	msg = reParenNum.ReplaceAllString(msg, "(N)")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	return TruncateString(msg, 500)
}

// NormalizeLog normalizes a multi-line error log line by line. Blank lines are dropped and
// source line numbers are masked so reruns of the same failure produce the same text.
func NormalizeLog(log string) string {
	lines := strings.Split(strings.ReplaceAll(log, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = reDatetime.ReplaceAllString(strings.TrimSpace(line), "")
		n := NormalizeMessage(reLineNum.ReplaceAllString(line, ":N"))
		if n == "" {
			continue
		}
		out = append(out, n)
	}
	return TruncateString(strings.Join(out, "\n"), maxLogBytes)
}

// CacheKey returns SHA-256(project_id || normalized_error_log || error_message) as hex.
// Fields are NUL-separated so adjacent values cannot collide.
func CacheKey(projectID uuid.UUID, errorLog, errorMessage string) string {
	h := sha256.New()
	h.Write([]byte(projectID.String()))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeLog(errorLog)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(errorMessage)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Fingerprint computes a stable SHA-256 fingerprint for a single message.
func Fingerprint(message string) string {
	sum := sha256.Sum256([]byte(NormalizeMessage(message)))
	return fmt.Sprintf("%x", sum)
}

// TruncateString truncates s to maxBytes without splitting UTF-8 runes.
func TruncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
