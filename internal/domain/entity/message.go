package entity

import (
	"encoding/json"
	"strings"
)

// Message 会话消息（OpenAI 格式）
// Content arrives either as a plain string or as a list of typed parts;
// only the text parts are ever used, so Text() coerces once at the boundary.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is the wire form of a requested tool invocation.
// Arguments is a serialized JSON string, possibly mildly malformed.
type ToolCall struct {
	ID       string       `json:"id"`
	Index    int          `json:"index"`
	Type     string       `json:"type"`
	Function ToolCallFunc `json:"function"`
}

// ToolCallFunc carries the function name and its JSON-string arguments.
type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Text coerces the message content to plain text. Part lists are flattened
// by concatenating every part's text field; non-text parts are dropped.
func (m Message) Text() string {
	return CoerceText(m.Content)
}

// CoerceText extracts text from a loosely-typed content value.
func CoerceText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, part := range v {
			pm, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := pm["text"].(string); ok {
				sb.WriteString(t)
				continue
			}
			if t, ok := pm["content"].(string); ok {
				sb.WriteString(t)
			}
		}
		return sb.String()
	case map[string]any:
		if t, ok := v["text"].(string); ok {
			return t
		}
		return ""
	case json.RawMessage:
		var inner any
		if err := json.Unmarshal(v, &inner); err != nil {
			return ""
		}
		return CoerceText(inner)
	default:
		return ""
	}
}

// LastUserText 返回最后一条用户消息的文本
func LastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text()
		}
	}
	return ""
}

// LastMessage returns the final message, or a zero Message for empty input.
func LastMessage(messages []Message) Message {
	if len(messages) == 0 {
		return Message{}
	}
	return messages[len(messages)-1]
}

// HasToolResult reports whether any message is a tool-result turn.
func HasToolResult(messages []Message) bool {
	for _, m := range messages {
		if m.Role == "tool" {
			return true
		}
	}
	return false
}

// ToolResultCount counts tool-result turns, used for loop limiting.
func ToolResultCount(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == "tool" {
			n++
		}
	}
	return n
}
