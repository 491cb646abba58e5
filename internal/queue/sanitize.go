package queue

import (
	"strings"
	"unicode/utf8"
)

const maxErrorLength = 4096

// sanitizeError strips control characters and truncates error text before
// it is persisted on a job row.
func sanitizeError(msg string) string {
	if msg == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if utf8.RuneCountInString(out) > maxErrorLength {
		out = string([]rune(out)[:maxErrorLength-3]) + "..."
	}
	return out
}
