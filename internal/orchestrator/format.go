package orchestrator

import (
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/recalld/internal/memorystore"
)

const contextHeader = "Relevant memories about the user:\n"

// Format renders records as a bullet list of at most budget characters
// (runes). Records that do not fit are dropped; a first record longer than
// the budget is cut. The header is omitted when the budget cannot hold it.
// No records yields "". A non-positive budget means no limit.
func Format(records []memorystore.MemoryRecord, budget int) string {
	header := contextHeader
	if budget > 0 && utf8.RuneCountInString(header) >= budget {
		header = ""
	}
	used := utf8.RuneCountInString(header)

	var b strings.Builder
	lines := 0
	for _, r := range records {
		content := strings.Join(strings.Fields(r.Content), " ")
		if content == "" {
			continue
		}
		line := "- " + content + "\n"
		n := utf8.RuneCountInString(line)
		if budget > 0 && used+n > budget {
			if lines == 0 {
				b.WriteString(truncate(line, budget-used))
				lines++
			}
			break
		}
		b.WriteString(line)
		used += n
		lines++
	}
	if lines == 0 {
		return ""
	}
	return strings.TrimRight(header+b.String(), "\n")
}

// truncate cuts s to at most n runes, ending with an ellipsis.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
