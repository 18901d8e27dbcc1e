package handlers

import (
	"encoding/json"
	"strings"

	"github.com/glmgate/glmgate/internal/domain/entity"
)

// OpenAI API types

// ChatCompletionRequest mirrors OpenAI's request format plus the upstream
// passthrough knobs (enable_thinking, web_search).
type ChatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []entity.Message  `json:"messages"`
	Tools          []json.RawMessage `json:"tools,omitempty"`
	ToolChoice     json.RawMessage   `json:"tool_choice,omitempty"`
	Stream         bool              `json:"stream,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	TopP           *float64          `json:"top_p,omitempty"`
	MaxTokens      *int              `json:"max_tokens,omitempty"`
	EnableThinking *bool             `json:"enable_thinking,omitempty"`
	Features       map[string]any    `json:"features,omitempty"`
	WebSearch      *bool             `json:"web_search,omitempty"`
	AutoWebSearch  *bool             `json:"auto_web_search,omitempty"`
	User           string            `json:"user,omitempty"`
}

// ToolChoiceMode 解析 tool_choice 字段
type ToolChoiceMode struct {
	Mode       string // auto | required | none | function
	ForcedName string // set when Mode == "function"
}

// ParseToolChoice accepts the string form and the
// {type:"function",function:{name}} object form.
func ParseToolChoice(raw json.RawMessage) ToolChoiceMode {
	if len(raw) == 0 {
		return ToolChoiceMode{Mode: "auto"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "none":
			return ToolChoiceMode{Mode: "none"}
		case "required":
			return ToolChoiceMode{Mode: "required"}
		default:
			return ToolChoiceMode{Mode: "auto"}
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return ToolChoiceMode{Mode: "function", ForcedName: obj.Function.Name}
	}
	return ToolChoiceMode{Mode: "auto"}
}

// ResponseMessage is the assistant message in a non-stream response.
// Content marshals as null when tool calls carry the payload.
type ResponseMessage struct {
	Role      string            `json:"role"`
	Content   *string           `json:"content"`
	ToolCalls []entity.ToolCall `json:"tool_calls,omitempty"`
}

// ChatCompletionResponse mirrors OpenAI's response format
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice represents a completion choice
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ChatUsage represents token usage
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatStreamChunk represents a streaming chunk
type ChatStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []ChatStreamChoice `json:"choices"`
}

// ChatStreamChoice represents a streaming choice delta
type ChatStreamChoice struct {
	Index        int             `json:"index"`
	Delta        ChatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

// ChatStreamDelta represents the delta in a streaming choice.
// ReasoningContent mirrors upstream thinking output.
type ChatStreamDelta struct {
	Role             string            `json:"role,omitempty"`
	Content          string            `json:"content,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []entity.ToolCall `json:"tool_calls,omitempty"`
}

// OpenAIModel represents a model in the /v1/models response
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse mirrors OpenAI's models list response
type ModelsResponse struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}
