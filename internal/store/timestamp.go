package store

import (
	"regexp"
	"strings"
	"time"
)

// DefaultTimestampMarker is the phrase that signals a document carries an
// embedded reference date.
const DefaultTimestampMarker = "Ref No. and Date:"

// contentDatePattern matches a bracketed ordinal followed by an 8-digit date,
// e.g. "(3) 20240115".
var contentDatePattern = regexp.MustCompile(`\(\d+\)\s*(\d{8})`)

// ParseContentDate scans content for the marker phrase and, when present,
// returns the first 8-digit date that follows a bracketed ordinal. This is a
// best-effort heuristic; callers must not treat the result as authoritative.
func ParseContentDate(content, marker string) (string, bool) {
	if content == "" || marker == "" {
		return "", false
	}
	if !strings.Contains(content, marker) {
		return "", false
	}
	m := contentDatePattern.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractTimestamp returns the content-derived date or today's date when the
// content carries none. The fallback is indistinguishable from "unknown" by
// design of the original data format.
func ExtractTimestamp(content, marker string) string {
	if ts, ok := ParseContentDate(content, marker); ok {
		return ts
	}
	return time.Now().Format("20060102")
}
