package upstream

import (
	"encoding/json"

	"github.com/glmgate/glmgate/internal/domain/entity"
)

// Chat 上游会话摘要
type Chat struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Models    []string `json:"models,omitempty"`
	UpdatedAt int64    `json:"updated_at,omitempty"`
	CreatedAt int64    `json:"created_at,omitempty"`
}

// HistoryNode is one message in the upstream's parent-pointer DAG.
type HistoryNode struct {
	ID          string   `json:"id"`
	ParentID    string   `json:"parentId"`
	ChildrenIDs []string `json:"childrenIds,omitempty"`
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	Models      []string `json:"models,omitempty"`
}

// ChatHistory 消息 DAG：id → 节点，currentId 指向叶子
type ChatHistory struct {
	Messages  map[string]HistoryNode `json:"messages"`
	CurrentID string                 `json:"currentId"`
}

// ChatPayload is the `chat` object inside a chat detail response.
type ChatPayload struct {
	Title   string      `json:"title,omitempty"`
	Models  []string    `json:"models,omitempty"`
	History ChatHistory `json:"history"`
}

// ChatDetail is the full GET /api/v1/chats/<id> response.
type ChatDetail struct {
	ID    string      `json:"id"`
	Title string      `json:"title,omitempty"`
	Chat  ChatPayload `json:"chat"`
}

// newChatRequest is the POST /api/v1/chats/new body.
type newChatRequest struct {
	Chat newChatPayload `json:"chat"`
}

type newChatPayload struct {
	Title          string         `json:"title"`
	Models         []string       `json:"models"`
	History        newChatHistory `json:"history"`
	Features       map[string]any `json:"features"`
	EnableThinking bool           `json:"enable_thinking"`
	AutoWebSearch  bool           `json:"auto_web_search"`
	Timestamp      int64          `json:"timestamp"`
}

// newChatHistory mirrors the frontend's create payload, which sends explicit
// nulls for the empty DAG, so the fields stay loosely typed here.
type newChatHistory struct {
	Messages  map[string]any `json:"messages"`
	CurrentID any            `json:"currentId"`
}

// completionMessage is the flattened role/content pair sent to the upstream.
type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completionRequest is the POST /api/v2/chat/completions body.
type completionRequest struct {
	Stream                     bool                `json:"stream"`
	Model                      string              `json:"model"`
	Messages                   []completionMessage `json:"messages"`
	SignaturePrompt            string              `json:"signature_prompt"`
	Params                     map[string]any      `json:"params"`
	Features                   map[string]any      `json:"features"`
	Variables                  map[string]string   `json:"variables"`
	ChatID                     string              `json:"chat_id"`
	ID                         string              `json:"id"`
	CurrentUserMessageID       string              `json:"current_user_message_id,omitempty"`
	CurrentUserMessageParentID string              `json:"current_user_message_parent_id,omitempty"`
}

// sseEvent covers both event shapes the upstream emits on the wire:
// upstream-native `{type:"chat:completion", data:{...}}` envelopes and
// plain OpenAI-style `{choices:[{delta:{content}}]}` payloads.
type sseEvent struct {
	Type    string        `json:"type"`
	Data    sseEventData  `json:"data"`
	Choices []sseChoice   `json:"choices"`
	Error   *sseWireError `json:"error"`
}

type sseEventData struct {
	DeltaContent string          `json:"delta_content"`
	EditContent  string          `json:"edit_content"`
	Content      string          `json:"content"`
	Phase        string          `json:"phase"`
	Done         bool            `json:"done"`
	Error        json.RawMessage `json:"error"`
}

type sseChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type sseWireError struct {
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// SendOptions 一次补全请求的全部输入
type SendOptions struct {
	ChatID           string
	Messages         []entity.Message
	Model            string
	Stream           bool
	EnableThinking   bool
	IncludeHistory   bool
	ParentMessageID  string
	GenerationParams map[string]any
	Features         map[string]any
}
