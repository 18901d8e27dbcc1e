package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/entity"
	apperrors "github.com/glmgate/glmgate/pkg/errors"
	"github.com/glmgate/glmgate/pkg/safego"
)

// Config 上游客户端配置
type Config struct {
	BaseURL   string
	Token     string
	FEVersion string
	UserAgent string
	Timeout   time.Duration // 非流式请求超时
}

// Client speaks the upstream's browser-oriented JSON+SSE chat protocol.
// All methods are safe for concurrent use; the token may be swapped at
// runtime when the config file changes.
type Client struct {
	baseURL    string
	feVersion  string
	userAgent  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

// NewClient 创建上游客户端
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FEVersion == "" {
		cfg.FEVersion = defaultFEVersion
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL:   cfg.BaseURL,
		feVersion: cfg.FEVersion,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		token:     cfg.Token,
		// 整体超时留空，流式响应由 ctx 与读超时控制
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With(zap.String("component", "upstream")),
	}
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// UpdateToken swaps the bearer token, e.g. after a config file reload.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// BaseURL returns the upstream origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// === JSON endpoints ===

// GetUserSettings probes token validity. Guest identities are recognizable
// by the role field in the returned document.
func (c *Client) GetUserSettings(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/api/v1/users/user/settings", "getUserSettings", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListChats returns one page of the chat list, oldest page first.
func (c *Client) ListChats(ctx context.Context, page int) ([]Chat, error) {
	if page < 1 {
		page = 1
	}
	path := "/api/v1/chats/?page=" + strconv.Itoa(page)

	body, err := c.getRaw(ctx, path, "listChats")
	if err != nil {
		return nil, err
	}

	var chats []Chat
	if err := json.Unmarshal(body, &chats); err == nil {
		return chats, nil
	}
	// 部分版本包了一层 data
	var wrapped struct {
		Data []Chat `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		return wrapped.Data, nil
	}
	return []Chat{}, nil
}

// CreateChat creates a chat on the upstream. When initialMessage is given it
// is seeded into the history DAG as the first user node.
func (c *Client) CreateChat(ctx context.Context, title, model, initialMessage string) (*Chat, error) {
	now := time.Now().UnixMilli()
	history := newChatHistory{
		Messages:  map[string]any{},
		CurrentID: nil,
	}
	if initialMessage != "" {
		msgID := uuid.NewString()
		history.Messages[msgID] = map[string]any{
			"id":          msgID,
			"parentId":    nil,
			"childrenIds": []string{},
			"role":        "user",
			"content":     initialMessage,
			"timestamp":   now,
			"models":      []string{model},
		}
		history.CurrentID = msgID
	}

	reqBody := newChatRequest{
		Chat: newChatPayload{
			Title:          title,
			Models:         []string{model},
			History:        history,
			Features:       defaultFeatures(true, false, false),
			EnableThinking: true,
			AutoWebSearch:  false,
			Timestamp:      now,
		},
	}

	body, err := c.postRaw(ctx, "/api/v1/chats/new", "createChat", reqBody)
	if err != nil {
		return nil, err
	}

	var chat Chat
	if err := json.Unmarshal(body, &chat); err == nil && chat.ID != "" {
		return &chat, nil
	}
	var wrapped struct {
		Data Chat `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data.ID != "" {
		return &wrapped.Data, nil
	}
	return nil, fmt.Errorf("createChat: unexpected response shape")
}

// GetChat retrieves the chat state including the message DAG.
func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatDetail, error) {
	var out ChatDetail
	if err := c.getJSON(ctx, "/api/v1/chats/"+url.PathEscape(chatID), "getChat", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCurrentMessageID reads history.currentId for parenting the next turn.
func (c *Client) GetCurrentMessageID(ctx context.Context, chatID string) (string, error) {
	detail, err := c.GetChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	return detail.Chat.History.CurrentID, nil
}

// === completion streaming ===

// SendMessage posts one completion turn and re-emits the parsed stream.
// Failures travel in-band as error chunks so callers consume one channel.
func (c *Client) SendMessage(ctx context.Context, opts SendOptions) <-chan entity.StreamChunk {
	out := make(chan entity.StreamChunk, 16)
	safego.Go(c.logger, "upstream-send", func() {
		defer close(out)
		c.sendMessage(ctx, opts, out)
	})
	return out
}

func (c *Client) sendMessage(ctx context.Context, opts SendOptions, out chan<- entity.StreamChunk) {
	emit := func(chunk entity.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	token := c.Token()
	userID := DecodeUserID(token)
	prompt := entity.LastUserText(opts.Messages)

	now := time.Now().UnixMilli()
	sig, err := SignRequest(prompt, userID, now, "")
	if err != nil {
		c.logger.Error("signature derivation failed", zap.Error(err))
		emit(entity.ErrChunk("signature_failed"))
		return
	}

	messages := opts.Messages
	parentID := opts.ParentMessageID
	if opts.IncludeHistory && opts.ChatID != "" {
		if detail, err := c.GetChat(ctx, opts.ChatID); err != nil {
			c.logger.Warn("history fetch failed, sending without it",
				zap.String("chat_id", opts.ChatID), zap.Error(err))
		} else {
			prior := Linearize(detail.Chat.History)
			if len(prior) > 0 {
				merged := make([]entity.Message, 0, len(prior)+len(messages))
				merged = append(merged, prior...)
				merged = append(merged, messages...)
				messages = merged
			}
			if parentID == "" {
				parentID = detail.Chat.History.CurrentID
			}
		}
	}

	model := opts.Model
	if model == "" {
		model = "0727-360B-API"
	}

	body := completionRequest{
		// 上游恒定走流式，非流式调用方自行聚合
		Stream:          true,
		Model:           model,
		Messages:        toCompletionMessages(messages),
		SignaturePrompt: prompt,
		Params:          opts.GenerationParams,
		Features:        mergeFeatures(opts.EnableThinking, opts.Features),
		Variables:       promptVariables(),
		ChatID:          opts.ChatID,
		ID:              uuid.NewString(),
		CurrentUserMessageID:       uuid.NewString(),
		CurrentUserMessageParentID: parentID,
	}
	if body.Params == nil {
		body.Params = map[string]any{}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		emit(entity.ErrChunk("request_failed:0"))
		return
	}

	query := browserQuery(c.baseURL, sig.RequestID, now, userID, token, sig.Timestamp)
	endpoint := c.baseURL + "/api/v2/chat/completions?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		emit(entity.ErrChunk("request_failed:0"))
		return
	}
	c.setCommonHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Signature", sig.Value)
	req.Header.Set("X-FE-Version", c.feVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("completion request failed", zap.Error(err))
		emit(entity.ErrChunk("request_failed:0"))
		return
	}

	// ctx 取消时关闭 body，打断阻塞中的读
	watchdogDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-watchdogDone:
		}
	}()
	defer close(watchdogDone)
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("completion rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(snippet)))
		emit(entity.ErrChunk(fmt.Sprintf("request_failed:%d", resp.StatusCode)))
		return
	}

	for chunk := range ParseSSEStream(ctx, resp.Body, c.logger) {
		if !emit(chunk) {
			return
		}
	}
}

// === request plumbing ===

func (c *Client) setCommonHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Cookie", "token="+token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
}

func (c *Client) getRaw(ctx context.Context, path, op string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.setCommonHeaders(req, c.Token())
	req.Header.Set("Accept", "application/json")
	return c.doRaw(req, op)
}

func (c *Client) postRaw(ctx context.Context, path, op string, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.setCommonHeaders(req, c.Token())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.doRaw(req, op)
}

func (c *Client) doRaw(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.NewUpstreamError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, apperrors.NewUpstreamError(op+": read body", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperrors.NewUnauthorizedError(fmt.Sprintf("%s: status %d", op, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewUpstreamError(fmt.Sprintf("%s failed: %d", op, resp.StatusCode), nil)
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, path, op string, out any) error {
	body, err := c.getRaw(ctx, path, op)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// === body helpers ===

func toCompletionMessages(messages []entity.Message) []completionMessage {
	out := make([]completionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		// 上游只认 system/user/assistant
		if role == "tool" {
			role = "user"
		}
		out = append(out, completionMessage{Role: role, Content: m.Text()})
	}
	return out
}

func defaultFeatures(enableThinking, webSearch, autoWebSearch bool) map[string]any {
	return map[string]any{
		"image_generation": false,
		"web_search":       webSearch,
		"auto_web_search":  autoWebSearch,
		"preview_mode":     true,
		"enable_thinking":  enableThinking,
	}
}

func mergeFeatures(enableThinking bool, overrides map[string]any) map[string]any {
	features := defaultFeatures(enableThinking, false, false)
	for k, v := range overrides {
		features[k] = v
	}
	return features
}

// promptVariables fills the template placeholders the upstream prompt uses.
func promptVariables() map[string]string {
	now := time.Now()
	return map[string]string{
		"{{USER_NAME}}":        "User",
		"{{USER_LOCATION}}":    "Unknown",
		"{{CURRENT_DATETIME}}": now.Format("2006-01-02 15:04:05"),
		"{{CURRENT_DATE}}":     now.Format("2006-01-02"),
		"{{CURRENT_TIME}}":     now.Format("15:04:05"),
		"{{CURRENT_WEEKDAY}}":  now.Weekday().String(),
		"{{CURRENT_TIMEZONE}}": "America/New_York",
		"{{USER_LANGUAGE}}":    "en-US",
	}
}
