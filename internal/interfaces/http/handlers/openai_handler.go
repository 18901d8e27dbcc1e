package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/compact"
	"github.com/glmgate/glmgate/internal/domain/entity"
	"github.com/glmgate/glmgate/internal/domain/guard"
	"github.com/glmgate/glmgate/internal/domain/service"
	"github.com/glmgate/glmgate/internal/domain/tool"
	"github.com/glmgate/glmgate/internal/infrastructure/config"
	"github.com/glmgate/glmgate/internal/infrastructure/debug"
	"github.com/glmgate/glmgate/internal/infrastructure/monitoring"
	"github.com/glmgate/glmgate/internal/infrastructure/upstream"
)

// UpstreamSender is the slice of the upstream client the handler needs.
type UpstreamSender interface {
	SendMessage(ctx context.Context, opts upstream.SendOptions) <-chan entity.StreamChunk
	CreateChat(ctx context.Context, title, model, initialMessage string) (*upstream.Chat, error)
}

// OpenAIHandler implements the OpenAI Chat Completions compatible API on
// top of the upstream conversational service.
type OpenAIHandler struct {
	cfg       *config.Config
	client    UpstreamSender
	session   *service.Session
	pending   *guard.PendingStore
	guard     *guard.Guard
	compactor *compact.Compactor
	dumper    *debug.Dumper
	monitor   *monitoring.Monitor
	logger    *zap.Logger
	models    []OpenAIModel
}

// Deps 处理器依赖
type Deps struct {
	Config    *config.Config
	Client    UpstreamSender
	Session   *service.Session
	Pending   *guard.PendingStore
	Guard     *guard.Guard
	Compactor *compact.Compactor
	Dumper    *debug.Dumper
	Monitor   *monitoring.Monitor
}

// NewOpenAIHandler creates the completions handler.
func NewOpenAIHandler(deps Deps, logger *zap.Logger) *OpenAIHandler {
	model := deps.Config.Upstream.Model
	return &OpenAIHandler{
		cfg:       deps.Config,
		client:    deps.Client,
		session:   deps.Session,
		pending:   deps.Pending,
		guard:     deps.Guard,
		compactor: deps.Compactor,
		dumper:    deps.Dumper,
		monitor:   deps.Monitor,
		logger:    logger.With(zap.String("component", "openai_handler")),
		models: []OpenAIModel{
			{ID: model, Object: "model", Created: time.Now().Unix(), OwnedBy: "z.ai"},
		},
	}
}

// turnResult is what one completed request turn produces: either prose
// content or a tool-call batch, plus any mirrored reasoning.
type turnResult struct {
	content   string
	toolCalls []entity.ToolCall
	reasoning string
}

func (r *turnResult) finishReason() string {
	if len(r.toolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

// ChatCompletions handles POST /v1/chat/completions
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	start := time.Now()
	requestID := uuid.NewString()
	c.Header("x-proxy-request-id", requestID)
	h.monitor.IncRequestTotal()

	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.monitor.IncRequestFailed()
		c.JSON(http.StatusBadRequest, h.errorResponse(err.Error(), "invalid_request_error"))
		return
	}
	if len(req.Messages) == 0 {
		h.monitor.IncRequestFailed()
		c.JSON(http.StatusBadRequest, h.errorResponse("messages array must not be empty", "invalid_request_error"))
		return
	}

	h.pending.Sweep()
	h.dumper.Dump(requestID, "request", req)

	logger := h.logger.With(zap.String("request_id", requestID))

	// 确认回环：上一轮挂起的调用等用户批复
	if result, ok := h.drainPending(req.Messages); ok {
		h.dumper.Dump(requestID, "pending_confirmation_drained", result.toolCalls)
		h.respond(c, &req, result)
		h.monitor.IncRequestSuccess()
		h.monitor.RecordRequestLatency(time.Since(start))
		return
	}

	// 工具集整形：tool_choice=none 丢弃全部，网络工具按策略过滤，
	// 缺确认工具时注入默认 question
	choice := ParseToolChoice(req.ToolChoice)
	tools := req.Tools
	if choice.Mode == "none" {
		tools = nil
	}
	if !h.cfg.Proxy.AllowWebSearch {
		tools = filterNetworkTools(tools)
	}
	reg := tool.Build(tools)
	if len(tools) > 0 && !reg.HasConfirmationTool() {
		tools = append(tools, tool.QuestionToolRaw())
		reg = tool.Build(tools)
	}

	messages, dirs := extractDirectives(req.Messages, h.cfg.Proxy.TestMode)

	hasToolResult := entity.HasToolResult(messages) || dirs.testToolResult
	toolResultCount := entity.ToolResultCount(messages)

	thinking := h.cfg.Proxy.DefaultThinking
	if req.EnableThinking != nil {
		thinking = *req.EnableThinking
	}
	if dirs.thinking != nil {
		thinking = *dirs.thinking
	}
	webSearch := false
	if req.WebSearch != nil {
		webSearch = *req.WebSearch
	}
	if req.AutoWebSearch != nil && *req.AutoWebSearch {
		webSearch = true
	}
	if dirs.webSearch != nil {
		webSearch = *dirs.webSearch
	}

	turn := turnInput{
		requestID:       requestID,
		req:             &req,
		reg:             reg,
		toolsRaw:        tools,
		messages:        messages,
		dirs:            dirs,
		choice:          choice,
		thinking:        thinking,
		webSearch:       webSearch && h.cfg.Proxy.AllowWebSearch,
		hasToolResult:   hasToolResult,
		toolResultCount: toolResultCount,
		logger:          logger,
	}

	if !reg.Empty() {
		result := h.plannerFlow(c.Request.Context(), &turn)
		h.dumper.Dump(requestID, "response_tool_calls", result.toolCalls)
		if h.cfg.Proxy.IncludeUsage && turn.tokensIn > 0 {
			h.setContextHeaders(c, turn.tokensIn)
		}
		h.respond(c, &req, result)
		h.monitor.IncRequestSuccess()
		h.monitor.RecordRequestLatency(time.Since(start))
		return
	}

	// 无工具：纯转发
	h.passthroughFlow(c, &turn)
	h.monitor.RecordRequestLatency(time.Since(start))
}

// turnInput carries one request's derived state through the flows.
type turnInput struct {
	requestID       string
	req             *ChatCompletionRequest
	reg             *tool.Registry
	toolsRaw        []json.RawMessage
	messages        []entity.Message
	dirs            directives
	choice          ToolChoiceMode
	thinking        bool
	webSearch       bool
	hasToolResult   bool
	toolResultCount int
	logger          *zap.Logger

	// prepared by prepareUpstream
	sendMessages   []entity.Message
	chatID         string
	includeHistory bool
	tokensIn       int
}

// prepareUpstream finalizes the outgoing conversation: system prompt,
// history stripping, compaction, session delta, upstream chat management.
func (h *OpenAIHandler) prepareUpstream(ctx context.Context, t *turnInput, systemText string) {
	msgs := t.messages
	if systemText != "" {
		withSys := make([]entity.Message, 0, len(msgs)+1)
		withSys = append(withSys, entity.Message{Role: "system", Content: systemText})
		withSys = append(withSys, msgs...)
		msgs = withSys
	}

	// 用户纯对话轮只送 system+最后一问
	if h.cfg.Proxy.StripHistory && !t.hasToolResult && userOnly(msgs) {
		msgs = stripToLastUser(msgs)
	}

	res := h.compactor.Compact(msgs)
	msgs = res.Messages
	t.tokensIn = res.Tokens
	if res.Compacted && h.cfg.Proxy.CompactReset {
		h.session.ResetChat()
	}

	sig := conversationSignature(t.toolsRaw, systemText)
	delta := h.session.Observe(msgs, sig)

	if h.cfg.Proxy.NewChatPerRequest {
		h.session.SetChatID("")
	}
	// 增量发送只对复用的会话成立，新会话上游没有任何历史
	reused := h.session.ChatID() != ""
	chatID := h.session.ChatID()
	if chatID == "" {
		title := chatTitle(entity.LastUserText(msgs))
		if chat, err := h.client.CreateChat(ctx, title, h.cfg.Upstream.Model, ""); err != nil {
			t.logger.Warn("chat create failed, sending without chat id", zap.Error(err))
		} else {
			chatID = chat.ID
			h.session.SetChatID(chatID)
		}
	}

	t.chatID = chatID
	t.sendMessages = msgs
	if h.cfg.Proxy.UseUpstreamHistory && reused && !delta.Reset {
		suffix := delta.Suffix
		if len(suffix) == 0 && len(msgs) > 0 {
			suffix = msgs[len(msgs)-1:]
		}
		t.sendMessages = suffix
		t.includeHistory = true
	}
}

// sendOptions builds the upstream request for the prepared turn.
func (t *turnInput) sendOptions(model string) upstream.SendOptions {
	params := map[string]any{}
	if t.req.Temperature != nil {
		params["temperature"] = *t.req.Temperature
	}
	if t.req.TopP != nil {
		params["top_p"] = *t.req.TopP
	}
	if t.req.MaxTokens != nil {
		params["max_tokens"] = *t.req.MaxTokens
	}
	features := map[string]any{}
	for k, v := range t.req.Features {
		features[k] = v
	}
	if t.webSearch {
		features["web_search"] = true
		features["auto_web_search"] = true
	}
	return upstream.SendOptions{
		ChatID:           t.chatID,
		Messages:         t.sendMessages,
		Model:            model,
		Stream:           true,
		EnableThinking:   t.thinking,
		IncludeHistory:   t.includeHistory,
		GenerationParams: params,
		Features:         features,
	}
}

// collectTurn aggregates one upstream turn into whole text. An error chunk
// short-circuits with its reason.
func (h *OpenAIHandler) collectTurn(ctx context.Context, opts upstream.SendOptions) (content, thinking, errReason string) {
	h.monitor.IncUpstreamCall()
	var sb, tb strings.Builder
	for chunk := range h.client.SendMessage(ctx, opts) {
		switch chunk.Kind {
		case entity.ChunkThinking:
			tb.WriteString(chunk.Text)
		case entity.ChunkContent:
			sb.WriteString(chunk.Text)
		case entity.ChunkError:
			h.monitor.IncUpstreamError()
			return sb.String(), tb.String(), chunk.Reason
		case entity.ChunkDone:
			return sb.String(), tb.String(), ""
		}
	}
	return sb.String(), tb.String(), ""
}

// === responses ===

// respond emits the turn result in the shape the caller asked for.
func (h *OpenAIHandler) respond(c *gin.Context, req *ChatCompletionRequest, result *turnResult) {
	model := req.Model
	if model == "" {
		model = h.cfg.Upstream.Model
	}
	if len(result.toolCalls) > 0 {
		h.monitor.IncToolCallsOut()
	}
	if req.Stream {
		h.streamResult(c, model, result)
		return
	}

	resp := ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      responseMessage(result),
			FinishReason: result.finishReason(),
		}},
	}
	if h.cfg.Proxy.IncludeUsage {
		resp.Usage = h.estimateUsage(req, result)
	}
	c.JSON(http.StatusOK, resp)
}

func responseMessage(result *turnResult) ResponseMessage {
	msg := ResponseMessage{Role: "assistant", ToolCalls: result.toolCalls}
	if len(result.toolCalls) == 0 {
		content := result.content
		msg.Content = &content
	}
	return msg
}

// streamResult replays a fully-computed result as OpenAI SSE frames:
// role first, then content or tool calls, then the finish marker.
func (h *OpenAIHandler) streamResult(c *gin.Context, model string, result *turnResult) {
	h.setSSEHeaders(c)
	id := completionID()
	created := time.Now().Unix()

	h.writeSSEChunk(c.Writer, streamChunk(id, created, model, ChatStreamDelta{Role: "assistant"}, nil))
	c.Writer.Flush()

	if result.reasoning != "" {
		h.writeSSEChunk(c.Writer, streamChunk(id, created, model, ChatStreamDelta{ReasoningContent: result.reasoning}, nil))
		c.Writer.Flush()
	}
	if len(result.toolCalls) > 0 {
		h.writeSSEChunk(c.Writer, streamChunk(id, created, model, ChatStreamDelta{ToolCalls: result.toolCalls}, nil))
	} else if result.content != "" {
		h.writeSSEChunk(c.Writer, streamChunk(id, created, model, ChatStreamDelta{Content: result.content}, nil))
	}
	c.Writer.Flush()

	finish := result.finishReason()
	h.writeSSEChunk(c.Writer, streamChunk(id, created, model, ChatStreamDelta{}, &finish))
	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// passthroughFlow relays upstream chunks live when no tools are in play.
func (h *OpenAIHandler) passthroughFlow(c *gin.Context, t *turnInput) {
	systemText := ""
	if h.cfg.Proxy.AlwaysSendSystem || t.dirs.extraSystem != "" {
		systemText = plainSystemText(h.workspaceHint(), t.dirs.extraSystem)
	}
	h.prepareUpstream(c.Request.Context(), t, systemText)
	if h.cfg.Proxy.IncludeUsage && t.tokensIn > 0 {
		h.setContextHeaders(c, t.tokensIn)
	}

	model := t.req.Model
	if model == "" {
		model = h.cfg.Upstream.Model
	}
	opts := t.sendOptions(h.cfg.Upstream.Model)

	if !t.req.Stream {
		content, _, errReason := h.collectTurn(c.Request.Context(), opts)
		if errReason != "" {
			h.monitor.IncRequestFailed()
			c.JSON(http.StatusBadGateway, h.errorResponse(errReason, "upstream_error"))
			return
		}
		h.respond(c, t.req, &turnResult{content: content})
		h.monitor.IncRequestSuccess()
		return
	}

	h.setSSEHeaders(c)
	h.monitor.IncUpstreamCall()
	id := completionID()
	created := time.Now().Unix()
	chunks := 0

	h.writeSSEChunk(c.Writer, streamChunk(id, created, model, ChatStreamDelta{Role: "assistant"}, nil))
	c.Writer.Flush()

	for chunk := range h.client.SendMessage(c.Request.Context(), opts) {
		switch chunk.Kind {
		case entity.ChunkThinking:
			h.writeSSEChunk(c.Writer, streamChunk(id, created, model, ChatStreamDelta{ReasoningContent: chunk.Text}, nil))
		case entity.ChunkContent:
			h.writeSSEChunk(c.Writer, streamChunk(id, created, model, ChatStreamDelta{Content: chunk.Text}, nil))
		case entity.ChunkError:
			h.monitor.IncUpstreamError()
			h.writeSSEError(c.Writer, chunk.Reason)
			io.WriteString(c.Writer, "data: [DONE]\n\n")
			c.Writer.Flush()
			h.monitor.IncRequestFailed()
			return
		default:
			// thinking_end and done carry no payload
			continue
		}
		chunks++
		c.Writer.Flush()
	}
	h.monitor.AddStreamChunks(chunks)

	finish := "stop"
	h.writeSSEChunk(c.Writer, streamChunk(id, created, model, ChatStreamDelta{}, &finish))
	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
	h.monitor.IncRequestSuccess()
}

// === endpoints ===

// ListModels handles GET /v1/models
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, ModelsResponse{Object: "list", Data: h.models})
}

// Root handles GET /
func (h *OpenAIHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "OpenAI-compatible proxy is running",
	})
}

// === helpers ===

func (h *OpenAIHandler) setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func (h *OpenAIHandler) writeSSEChunk(w io.Writer, chunk ChatStreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		h.logger.Error("failed to marshal SSE chunk", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (h *OpenAIHandler) writeSSEError(w io.Writer, reason string) {
	payload, _ := json.Marshal(gin.H{"error": gin.H{"message": reason, "type": "upstream_error"}})
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// errorResponse constructs an OpenAI-compatible error
func (h *OpenAIHandler) errorResponse(message, errType string) gin.H {
	return gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	}
}

func streamChunk(id string, created int64, model string, delta ChatStreamDelta, finish *string) ChatStreamChunk {
	return ChatStreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatStreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func (h *OpenAIHandler) estimateUsage(req *ChatCompletionRequest, result *turnResult) *ChatUsage {
	prompt := compact.EstimateConversationTokens(req.Messages)
	completion := compact.EstimateTokens(result.content)
	for _, tc := range result.toolCalls {
		completion += compact.EstimateTokens(tc.Function.Arguments)
	}
	h.monitor.AddTokensEstimated(prompt + completion)
	return &ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// setContextHeaders reports the compaction budget and the estimate of what
// this request consumed of it.
func (h *OpenAIHandler) setContextHeaders(c *gin.Context, used int) {
	budget := h.compactor.Budget()
	remaining := budget - used
	if remaining < 0 {
		remaining = 0
	}
	c.Header("x-context-used", strconv.Itoa(used))
	c.Header("x-context-remaining", strconv.Itoa(remaining))
	c.Header("x-context-budget", strconv.Itoa(budget))
}

func (h *OpenAIHandler) workspaceHint() string {
	roots := h.cfg.WorkspaceRoots()
	if len(roots) > 0 {
		return roots[0]
	}
	return ""
}

// conversationSignature keys the session delta: serialized tools + system text.
func conversationSignature(tools []json.RawMessage, systemText string) string {
	hash := sha256.New()
	for _, raw := range tools {
		hash.Write(raw)
		hash.Write([]byte{0})
	}
	hash.Write([]byte(systemText))
	return hex.EncodeToString(hash.Sum(nil))
}

// filterNetworkTools drops web tools when web search is disabled.
func filterNetworkTools(tools []json.RawMessage) []json.RawMessage {
	out := tools[:0:0]
	for _, raw := range tools {
		norm := tool.Normalize(tool.DeclaredName(raw))
		if norm == "webfetch" || norm == "websearch" {
			continue
		}
		out = append(out, raw)
	}
	return out
}

func userOnly(msgs []entity.Message) bool {
	for _, m := range msgs {
		if m.Role != "system" && m.Role != "user" {
			return false
		}
	}
	return true
}

func stripToLastUser(msgs []entity.Message) []entity.Message {
	out := make([]entity.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			out = append(out, m)
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			out = append(out, msgs[i])
			break
		}
	}
	return out
}

func plainSystemText(workspace, extra string) string {
	var parts []string
	if workspace != "" {
		parts = append(parts, "Runtime workspace: "+workspace)
	}
	if extra != "" {
		parts = append(parts, extra)
	}
	return strings.Join(parts, "\n\n")
}

func chatTitle(userText string) string {
	text := strings.Join(strings.Fields(userText), " ")
	runes := []rune(text)
	if len(runes) > 40 {
		text = string(runes[:40]) + "…"
	}
	if text == "" {
		text = "API chat"
	}
	return text
}
