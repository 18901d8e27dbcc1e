package compact

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/entity"
)

const summarySnippetMax = 180

// Config bounds the conversation sent upstream.
//
// Budget = MaxTokens - ReserveTokens；超过 Budget - SafetyMargin 触发压缩。
type Config struct {
	MaxTokens         int
	ReserveTokens     int
	SafetyMargin      int
	RecentMessages    int
	MinRecentMessages int
	SummaryMaxChars   int
	ToolMaxLines      int
	ToolMaxChars      int
}

func DefaultConfig() Config {
	return Config{
		MaxTokens:         200000,
		ReserveTokens:     2600,
		SafetyMargin:      1000,
		RecentMessages:    12,
		MinRecentMessages: 4,
		SummaryMaxChars:   3000,
		ToolMaxLines:      160,
		ToolMaxChars:      12000,
	}
}

// Result reports what compaction did to the list.
type Result struct {
	Messages  []entity.Message
	Compacted bool // history was summarized
	Truncated bool // tool results were trimmed
	Tokens    int  // estimate after compaction
}

// Compactor keeps conversations inside the upstream token budget.
type Compactor struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Compactor {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = def.ReserveTokens
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	if cfg.RecentMessages <= 0 {
		cfg.RecentMessages = def.RecentMessages
	}
	if cfg.MinRecentMessages <= 0 {
		cfg.MinRecentMessages = def.MinRecentMessages
	}
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = def.SummaryMaxChars
	}
	if cfg.ToolMaxLines <= 0 {
		cfg.ToolMaxLines = def.ToolMaxLines
	}
	if cfg.ToolMaxChars <= 0 {
		cfg.ToolMaxChars = def.ToolMaxChars
	}
	return &Compactor{cfg: cfg, logger: logger.With(zap.String("component", "compactor"))}
}

// Budget is the token allowance after the reserve, exposed for usage headers.
func (c *Compactor) Budget() int { return c.cfg.MaxTokens - c.cfg.ReserveTokens }

func (c *Compactor) threshold() int { return c.Budget() - c.cfg.SafetyMargin }

// Compact bounds msgs to the token budget. Leading system messages are
// always kept; older conversation collapses into one summary message.
func (c *Compactor) Compact(msgs []entity.Message) Result {
	msgs, truncated := c.truncateToolResults(msgs)

	total := EstimateConversationTokens(msgs)
	if total <= c.threshold() {
		return Result{Messages: msgs, Truncated: truncated, Tokens: total}
	}

	// 固定开头的 system 消息
	pinned := 0
	for pinned < len(msgs) && msgs[pinned].Role == "system" {
		pinned++
	}
	system := msgs[:pinned]
	rest := msgs[pinned:]

	keep := c.cfg.RecentMessages
	if c.cfg.MinRecentMessages > keep {
		keep = c.cfg.MinRecentMessages
	}
	if keep > len(rest) {
		keep = len(rest)
	}
	dropped := rest[:len(rest)-keep]
	recent := rest[len(rest)-keep:]

	out := make([]entity.Message, 0, pinned+1+len(recent))
	out = append(out, system...)
	if len(dropped) > 0 {
		out = append(out, entity.Message{Role: "system", Content: c.summarize(dropped)})
	}
	out = append(out, recent...)

	// 仍超预算就从最旧的保留消息一条一条削
	floor := c.cfg.MinRecentMessages
	for EstimateConversationTokens(out) > c.Budget() && len(recent) > floor {
		recent = recent[1:]
		dropped = rest[:len(rest)-len(recent)]
		out = out[:pinned]
		out = append(out, entity.Message{Role: "system", Content: c.summarize(dropped)})
		out = append(out, recent...)
	}

	total = EstimateConversationTokens(out)
	c.logger.Info("context compacted",
		zap.Int("before", len(msgs)),
		zap.Int("after", len(out)),
		zap.Int("tokens", total))

	return Result{Messages: out, Compacted: true, Truncated: truncated, Tokens: total}
}

// summarize renders dropped messages as one bounded bullet list.
func (c *Compactor) summarize(dropped []entity.Message) string {
	var b strings.Builder
	b.WriteString("Context summary (auto, older messages truncated):")
	for _, m := range dropped {
		text := entity.CoerceText(m.Content)
		if text == "" && len(m.ToolCalls) > 0 {
			text = "requested tool " + m.ToolCalls[0].Function.Name
		}
		line := "\n- " + m.Role + ": " + snippet(text, summarySnippetMax)
		if b.Len()+len(line) > c.cfg.SummaryMaxChars {
			b.WriteString("\n- …")
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// truncateToolResults pre-trims oversized tool payloads, keeping the head
// and tail around a truncation notice.
func (c *Compactor) truncateToolResults(msgs []entity.Message) ([]entity.Message, bool) {
	truncated := false
	out := msgs
	for i, m := range msgs {
		if m.Role != "tool" {
			continue
		}
		text := entity.CoerceText(m.Content)
		trimmed, changed := c.truncatePayload(text)
		if !changed {
			continue
		}
		if !truncated {
			out = make([]entity.Message, len(msgs))
			copy(out, msgs)
			truncated = true
		}
		out[i].Content = trimmed
	}
	return out, truncated
}

func (c *Compactor) truncatePayload(text string) (string, bool) {
	changed := false

	lines := strings.Split(text, "\n")
	if len(lines) > c.cfg.ToolMaxLines {
		head := c.cfg.ToolMaxLines * 6 / 10
		tail := c.cfg.ToolMaxLines - head
		kept := make([]string, 0, c.cfg.ToolMaxLines+1)
		kept = append(kept, lines[:head]...)
		kept = append(kept, truncationNotice(len(lines)-c.cfg.ToolMaxLines, "lines"))
		kept = append(kept, lines[len(lines)-tail:]...)
		text = strings.Join(kept, "\n")
		changed = true
	}

	if len(text) > c.cfg.ToolMaxChars {
		head := c.cfg.ToolMaxChars * 6 / 10
		tail := c.cfg.ToolMaxChars - head
		text = text[:head] + "\n" + truncationNotice(len(text)-c.cfg.ToolMaxChars, "chars") + "\n" + text[len(text)-tail:]
		changed = true
	}

	return text, changed
}

func truncationNotice(n int, unit string) string {
	return "[... tool output truncated: " + strconv.Itoa(n) + " " + unit + " omitted ...]"
}
