package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/entity"
	"github.com/glmgate/glmgate/pkg/safego"
)

const (
	// 单个内联标签的最大长度，超过视为普通文本
	maxTagLen = 256
	// 去重确认阈值：匹配超过该长度才判定为回显
	dedupCommitLen = 50
	// 答案开头探测泄漏思考的缓冲上限
	leakLookahead = 4096
)

var reSummaryBlock = regexp.MustCompile(`(?s)<summary[^>]*>.*?</summary>`)

type parserMode int

const (
	modeContent parserMode = iota
	modeThinking
)

// streamParser turns the upstream SSE byte stream into typed chunks. It owns
// three overlapping concerns: the thinking/answer phase machine, inline
// <think>/<details> tag transitions, and suppression of thinking text the
// upstream replays verbatim (echoes in new segments, leaks into the answer).
type streamParser struct {
	logger *zap.Logger
	send   func(entity.StreamChunk) bool

	mode       parserMode
	terminated bool
	aborted    bool

	// 标签扫描
	inTag          bool
	tagBuf         strings.Builder
	swallowSummary bool

	// 当前思考段
	segment        strings.Builder
	segmentEmitted bool
	lastThinking   string

	// 回显去重（与 lastThinking 比对）
	dedupActive    bool
	dedupCommitted bool
	dedupCursor    int
	dedupHeld      strings.Builder

	// 答案开头的泄漏探测
	probeArmed bool
	probeBuf   strings.Builder
}

// ParseSSEStream consumes the response body and emits typed chunks until the
// stream ends. Exactly one terminator is produced: done at [DONE]/EOF/phase
// end, or error when the upstream reports one in-band. Cancelling ctx stops
// the goroutine; the channel is always closed.
func ParseSSEStream(ctx context.Context, r io.Reader, logger *zap.Logger) <-chan entity.StreamChunk {
	ch := make(chan entity.StreamChunk, 16)

	safego.Go(logger, "sse-decode", func() {
		defer close(ch)

		p := &streamParser{
			logger: logger,
			send: func(c entity.StreamChunk) bool {
				select {
				case ch <- c:
					return true
				case <-ctx.Done():
					return false
				}
			},
		}

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			p.handleLine(scanner.Text())
			if p.terminated || p.aborted {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			logger.Debug("stream read ended early", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		p.finalize()
	})

	return ch
}

func (p *streamParser) handleLine(line string) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, "data: ") {
		return
	}
	payload := line[len("data: "):]

	if payload == "[DONE]" {
		p.finalize()
		return
	}

	var ev sseEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		p.logger.Debug("skipping unparseable stream line", zap.String("payload", truncateForLog(payload)))
		return
	}

	if reason := wireErrorReason(ev); reason != "" {
		p.flushForTermination()
		p.emit(entity.ErrChunk(reason))
		p.terminated = true
		return
	}

	switch {
	case ev.Type == "chat:completion" || ev.Data.Phase != "" || ev.Data.DeltaContent != "" || ev.Data.EditContent != "":
		p.handleNative(ev.Data)
	case len(ev.Choices) > 0:
		for _, c := range ev.Choices {
			if c.Delta.Content != "" {
				p.feedText(c.Delta.Content)
			}
		}
	}
}

func (p *streamParser) handleNative(d sseEventData) {
	switch d.Phase {
	case "thinking":
		p.enterThinking()
	case "answer", "other":
		p.enterContent()
	}

	text := d.DeltaContent
	if text == "" {
		text = d.EditContent
	}
	if text == "" {
		text = d.Content
	}
	if text != "" {
		p.feedText(text)
	}

	if d.Phase == "done" || d.Done {
		p.finalize()
	}
}

// feedText scans for inline tags; plain spans route into the current mode.
// Tag state survives across calls so tags split between frames still close.
func (p *streamParser) feedText(s string) {
	var plain strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if p.inTag {
			p.tagBuf.WriteByte(c)
			if c == '>' {
				p.resolveTag()
			} else if p.tagBuf.Len() > maxTagLen {
				// 不是标签，按文本放行
				lit := p.tagBuf.String()
				p.inTag = false
				p.tagBuf.Reset()
				p.emitText(lit)
			}
			continue
		}
		if c == '<' {
			if plain.Len() > 0 {
				p.emitText(plain.String())
				plain.Reset()
			}
			p.inTag = true
			p.tagBuf.Reset()
			p.tagBuf.WriteByte(c)
			continue
		}
		plain.WriteByte(c)
	}
	if plain.Len() > 0 {
		p.emitText(plain.String())
	}
}

func (p *streamParser) resolveTag() {
	tag := p.tagBuf.String()
	p.inTag = false
	p.tagBuf.Reset()

	name, closing := parseTagName(tag)
	switch name {
	case "think", "details":
		if closing {
			p.enterContent()
		} else {
			p.enterThinking()
		}
	case "summary":
		// UI 标签，不属于思考正文
		if p.mode == modeThinking {
			p.swallowSummary = !closing
			return
		}
		p.emitText(tag)
	default:
		p.emitText(tag)
	}
}

// parseTagName extracts the lowercase element name from "<name attr…>".
func parseTagName(tag string) (name string, closing bool) {
	inner := strings.TrimPrefix(tag, "<")
	inner = strings.TrimSuffix(inner, ">")
	inner = strings.TrimSpace(inner)
	if strings.HasPrefix(inner, "/") {
		closing = true
		inner = strings.TrimPrefix(inner, "/")
	}
	for i := 0; i < len(inner); i++ {
		if inner[i] == ' ' || inner[i] == '\t' || inner[i] == '/' {
			inner = inner[:i]
			break
		}
	}
	return strings.ToLower(inner), closing
}

func (p *streamParser) emitText(s string) {
	if p.mode == modeThinking {
		p.emitThinking(s)
		return
	}
	p.emitContent(s)
}

// === phase transitions ===

func (p *streamParser) enterThinking() {
	if p.mode == modeThinking {
		return
	}
	if p.probeArmed {
		p.resolveProbe(true)
	}
	p.mode = modeThinking
	p.segment.Reset()
	p.segmentEmitted = false
	p.swallowSummary = false

	p.dedupActive = p.lastThinking != ""
	p.dedupCommitted = false
	p.dedupCursor = 0
	p.dedupHeld.Reset()
}

func (p *streamParser) enterContent() {
	if p.mode == modeContent {
		return
	}
	p.closeThinkingSegment()
	p.mode = modeContent
}

func (p *streamParser) closeThinkingSegment() {
	// 未确认的去重缓冲属于真实思考，补发
	if p.dedupActive && !p.dedupCommitted && p.dedupHeld.Len() > 0 {
		p.deliverThinking(p.dedupHeld.String())
	}
	p.dedupActive = false
	p.dedupCommitted = false
	p.dedupCursor = 0
	p.dedupHeld.Reset()
	p.swallowSummary = false

	if p.segment.Len() > 0 {
		p.lastThinking = p.segment.String()
		p.probeArmed = true
		p.probeBuf.Reset()
	}
	if p.segmentEmitted {
		p.emit(entity.StreamChunk{Kind: entity.ChunkThinkingEnd})
	}
	p.segment.Reset()
	p.segmentEmitted = false
}

// === thinking emission with echo suppression ===

func (p *streamParser) emitThinking(s string) {
	if p.swallowSummary {
		return
	}
	s = sanitizeThinking(s)
	if s == "" {
		return
	}
	p.segment.WriteString(s)

	if p.dedupActive && !p.dedupCommitted {
		n := matchLen(p.lastThinking[p.dedupCursor:], s)
		if n == len(s) {
			p.dedupCursor += n
			p.dedupHeld.WriteString(s)
			if p.dedupCursor > dedupCommitLen || p.dedupCursor >= len(p.lastThinking) {
				p.dedupCommitted = true
				p.dedupHeld.Reset()
			}
			return
		}
		// 提前分歧：缓冲的并非回显
		held := p.dedupHeld.String()
		p.dedupHeld.Reset()
		p.dedupActive = false
		p.deliverThinking(held + s)
		return
	}

	if p.dedupActive && p.dedupCommitted {
		n := matchLen(p.lastThinking[p.dedupCursor:], s)
		p.dedupCursor += n
		if n == len(s) {
			return
		}
		// 回显结束，后续是新增思考
		p.dedupActive = false
		p.deliverThinking(s[n:])
		return
	}

	p.deliverThinking(s)
}

func (p *streamParser) deliverThinking(s string) {
	if s == "" {
		return
	}
	p.segmentEmitted = true
	p.emit(entity.StreamChunk{Kind: entity.ChunkThinking, Text: s})
}

func sanitizeThinking(s string) string {
	if strings.Contains(s, "<summary") {
		s = reSummaryBlock.ReplaceAllString(s, "")
	}
	s = strings.ReplaceAll(s, `true">`, "")
	return s
}

func matchLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// === content emission with leak probe ===

func (p *streamParser) emitContent(s string) {
	if s == "" {
		return
	}
	if !p.probeArmed {
		p.deliverContent(s)
		return
	}
	p.probeBuf.WriteString(s)
	if p.probeBuf.Len() > leakLookahead {
		p.resolveProbe(true)
		return
	}
	p.resolveProbe(false)
}

// resolveProbe decides whether the buffered answer prefix is leaked thinking.
// When final is false it may keep waiting for more text; when final is true
// it must settle one way or the other and flush.
func (p *streamParser) resolveProbe(final bool) {
	if !p.probeArmed {
		return
	}
	buf := p.probeBuf.String()

	// 形态一：原样重复上一段思考
	if p.lastThinking != "" {
		trimmed := strings.TrimLeft(buf, " \t\r\n")
		n := matchLen(trimmed, p.lastThinking)
		if n == len(p.lastThinking) {
			p.disarmProbe()
			p.deliverContent(trimmed[n:])
			return
		}
		if n == len(trimmed) && len(trimmed) > 0 {
			if !final {
				return
			}
			if n > dedupCommitLen {
				// 到流结束仍是长前缀，按泄漏丢弃
				p.disarmProbe()
				return
			}
			// 短前缀可能是正常答案开头，放行
		}
	}

	// 形态二：Thought Process / Thinking 标题 + 引用块
	switch rest, state := stripThoughtBlock(buf, final); state {
	case thoughtStripped:
		p.disarmProbe()
		p.deliverContent(rest)
		return
	case thoughtPending:
		if !final {
			return
		}
		p.disarmProbe()
		p.deliverContent(rest)
		return
	}

	p.disarmProbe()
	p.deliverContent(buf)
}

func (p *streamParser) disarmProbe() {
	p.probeArmed = false
	p.probeBuf.Reset()
}

type thoughtState int

const (
	thoughtAbsent thoughtState = iota
	thoughtPending
	thoughtStripped
)

// stripThoughtBlock recognizes a leaked reasoning block of the form
//
//	### Thought Process
//	> quoted reasoning…
//	> more reasoning…
//
//	actual answer
//
// and returns the text after the quoted block.
func stripThoughtBlock(buf string, final bool) (string, thoughtState) {
	trimmed := strings.TrimLeft(buf, " \t\r\n")
	stripped := strings.TrimLeft(trimmed, "#*")
	stripped = strings.TrimLeft(stripped, " \t")
	lower := strings.ToLower(stripped)

	heading := ""
	for _, h := range []string{"thought process", "thinking"} {
		if strings.HasPrefix(lower, h) {
			heading = h
			break
		}
		if !final && strings.HasPrefix(h, lower) && len(lower) > 0 {
			return buf, thoughtPending
		}
	}
	if heading == "" {
		return buf, thoughtAbsent
	}

	rest := stripped[len(heading):]
	// 标题行到换行为止（允许尾部修饰符）
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		if final {
			return "", thoughtStripped
		}
		return buf, thoughtPending
	}
	headTail := strings.Trim(rest[:nl], " \t\r:*#")
	if headTail != "" {
		// 标题后还有别的词，不是泄漏块
		return buf, thoughtAbsent
	}
	rest = rest[nl+1:]

	// 跳过空行，然后要求引用块
	sawQuote := false
	for {
		rest = strings.TrimLeft(rest, "\r\n")
		if rest == "" {
			if final {
				if sawQuote {
					return "", thoughtStripped
				}
				return buf, thoughtAbsent
			}
			return buf, thoughtPending
		}
		if rest[0] != '>' {
			if sawQuote {
				return rest, thoughtStripped
			}
			return buf, thoughtAbsent
		}
		sawQuote = true
		nl = strings.IndexByte(rest, '\n')
		if nl < 0 {
			if final {
				return "", thoughtStripped
			}
			return buf, thoughtPending
		}
		rest = rest[nl+1:]
	}
}

func (p *streamParser) deliverContent(s string) {
	if s == "" {
		return
	}
	p.emit(entity.StreamChunk{Kind: entity.ChunkContent, Text: s})
}

// === termination ===

// flushForTermination drains buffered state without emitting a terminator.
func (p *streamParser) flushForTermination() {
	if p.inTag && p.tagBuf.Len() > 0 {
		lit := p.tagBuf.String()
		p.inTag = false
		p.tagBuf.Reset()
		p.emitContent(lit)
	}
	if p.mode == modeThinking {
		p.closeThinkingSegment()
		p.mode = modeContent
	}
	if p.probeArmed {
		p.resolveProbe(true)
	}
}

func (p *streamParser) finalize() {
	if p.terminated {
		return
	}
	p.flushForTermination()
	p.emit(entity.StreamChunk{Kind: entity.ChunkDone})
	p.terminated = true
}

func (p *streamParser) emit(c entity.StreamChunk) {
	if p.aborted {
		return
	}
	if !p.send(c) {
		p.aborted = true
	}
}

func wireErrorReason(ev sseEvent) string {
	if ev.Error != nil {
		if ev.Error.Detail != "" {
			return ev.Error.Detail
		}
		if ev.Error.Message != "" {
			return ev.Error.Message
		}
		return "upstream_error"
	}
	if len(ev.Data.Error) > 0 && string(ev.Data.Error) != "null" {
		var we sseWireError
		if err := json.Unmarshal(ev.Data.Error, &we); err == nil {
			if we.Detail != "" {
				return we.Detail
			}
			if we.Message != "" {
				return we.Message
			}
		}
		return "upstream_error"
	}
	return ""
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
