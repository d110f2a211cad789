package agentloop

import (
	"fmt"
	"unicode/utf8"
)

// DefaultOutputBudget is the per-stream byte budget for tool output handed
// back to the model.
const DefaultOutputBudget = 8 * 1024

// TruncateBytes keeps at most budget bytes of s: the head and tail halves,
// joined by a marker naming how many bytes were elided. Cuts fall on rune
// boundaries. A budget of zero or less selects DefaultOutputBudget.
func TruncateBytes(s string, budget int) string {
	if budget <= 0 {
		budget = DefaultOutputBudget
	}
	if len(s) <= budget {
		return s
	}

	head := budget / 2
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - (budget - budget/2)
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}

	return s[:head] + fmt.Sprintf("\n...[truncated %d bytes]...\n", tail-head) + s[tail:]
}
