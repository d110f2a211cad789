package unifiedllm

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts text with the cl100k_base encoding, falling back to a
// character heuristic when the encoding cannot be loaded.
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return estimateFast(text)
}

func estimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	return estimate
}

// CountMessageTokens estimates the prompt size of a transcript. Each message
// carries a small fixed overhead for its role framing.
func CountMessageTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += 4 + CountTokens(msg.Content)
		for _, call := range msg.ToolCalls {
			total += CountTokens(call.Name) + CountTokens(string(call.Arguments))
		}
	}
	return total
}
