package agentloop

import (
	"regexp"
	"strings"
)

var (
	summaryOpenTag  = regexp.MustCompile(`(?i)<task_summary>`)
	summaryCloseTag = regexp.MustCompile(`(?i)</task_summary>`)
)

// ExtractTaskSummary returns the trimmed text inside the first complete
// <task_summary>...</task_summary> block of text. Tags match case-insensitively.
// When openings nest, the innermost one before the first closing tag wins.
// An unterminated or empty block yields ok == false.
func ExtractTaskSummary(text string) (summary string, ok bool) {
	closeLoc := summaryCloseTag.FindStringIndex(text)
	if closeLoc == nil {
		return "", false
	}
	opens := summaryOpenTag.FindAllStringIndex(text[:closeLoc[0]], -1)
	if len(opens) == 0 {
		return "", false
	}
	inner := strings.TrimSpace(text[opens[len(opens)-1][1]:closeLoc[0]])
	if inner == "" {
		return "", false
	}
	return inner, true
}
