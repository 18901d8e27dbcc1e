package handlers

import (
	"strings"

	"github.com/glmgate/glmgate/internal/domain/entity"
)

// directives are inline switches stripped from the last user message.
type directives struct {
	thinking       *bool
	webSearch      *bool
	extraSystem    string
	testToolResult bool
	noHeuristics   bool
}

// extractDirectives parses and strips directive lines from the last user
// message. Test directives are honored only in test mode.
func extractDirectives(messages []entity.Message, testMode bool) ([]entity.Message, directives) {
	var d directives

	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return messages, d
	}

	text := messages[idx].Text()
	if !strings.Contains(text, "/") {
		return messages, d
	}

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case matchToggle(trimmed, "/thinking", &d.thinking):
		case matchToggle(trimmed, "/search", &d.webSearch):
		case matchToggle(trimmed, "/web_search", &d.webSearch):
		case strings.HasPrefix(trimmed, "/system "):
			d.extraSystem = strings.TrimSpace(strings.TrimPrefix(trimmed, "/system "))
		case testMode && trimmed == "/test tool_result":
			d.testToolResult = true
		case testMode && trimmed == "/test no-heuristics":
			d.noHeuristics = true
		default:
			kept = append(kept, line)
			continue
		}
	}

	stripped := strings.TrimSpace(strings.Join(kept, "\n"))
	if stripped == text {
		return messages, d
	}

	out := make([]entity.Message, len(messages))
	copy(out, messages)
	out[idx].Content = stripped
	return out, d
}

// matchToggle recognizes "<prefix> on" and "<prefix> off".
func matchToggle(line, prefix string, target **bool) bool {
	if !strings.HasPrefix(line, prefix+" ") {
		return false
	}
	switch strings.TrimSpace(strings.TrimPrefix(line, prefix+" ")) {
	case "on":
		v := true
		*target = &v
		return true
	case "off":
		v := false
		*target = &v
		return true
	}
	return false
}
