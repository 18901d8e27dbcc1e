package compact

import (
	"strings"

	"github.com/glmgate/glmgate/internal/domain/entity"
)

// 代码密度阈值：括号/分号占比超过该值按代码估算
const codeDensity = 0.02

// EstimateTokens approximates the token count of a text. Code-like text
// packs more tokens per byte than prose, so it divides by 3 instead of 4.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	divisor := 4
	if looksLikeCode(text) {
		divisor = 3
	}
	return (len(text) + divisor - 1) / divisor
}

func looksLikeCode(text string) bool {
	hits := 0
	for _, r := range text {
		switch r {
		case '{', '}', '(', ')', '[', ']', ';':
			hits++
		}
	}
	return float64(hits)/float64(len(text)) > codeDensity
}

// EstimateMessageTokens estimates one message including a small per-message
// envelope overhead.
func EstimateMessageTokens(msg entity.Message) int {
	return EstimateTokens(entity.CoerceText(msg.Content)) + 4
}

// EstimateConversationTokens sums a full message list.
func EstimateConversationTokens(msgs []entity.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// snippet 压缩为单行预览，按 rune 截断
func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}
