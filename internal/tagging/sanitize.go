package tagging

import (
	"regexp"
	"strings"
)

// Tag value limits.
const (
	MaxValueLength   = 256
	MaxSubjectLength = 64
	ellipsis         = "..."
)

var (
	disallowedRun = regexp.MustCompile(`[^A-Za-z0-9 +\-=._:/@]+`)
	underscoreRun = regexp.MustCompile(`[\s_]*_[\s_]*`)
)

// Sanitize makes v acceptable as an S3 tag value. Runs of disallowed
// characters become a single underscore, underscores merge with adjacent
// spaces, and leading/trailing underscores and spaces are trimmed. Values
// longer than maxLen are cut; when ellipsize is set the cut value ends in
// "..." and still fits maxLen.
func Sanitize(v string, maxLen int, ellipsize bool) string {
	v = disallowedRun.ReplaceAllString(v, "_")
	v = underscoreRun.ReplaceAllString(v, "_")
	v = strings.Trim(v, "_ ")

	if maxLen <= 0 || len(v) <= maxLen {
		return v
	}
	if ellipsize && maxLen > len(ellipsis) {
		return strings.TrimRight(v[:maxLen-len(ellipsis)], " ") + ellipsis
	}
	return v[:maxLen]
}
