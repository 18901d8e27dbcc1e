package compact

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/entity"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func proseMessage(role string) entity.Message {
	return entity.Message{Role: role, Content: strings.Repeat("alpha ", 20)}
}

func TestCompact_UnderBudgetPassthrough(t *testing.T) {
	c := New(Config{}, testLogger())
	msgs := []entity.Message{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}

	res := c.Compact(msgs)
	if res.Compacted || res.Truncated {
		t.Errorf("compacted/truncated = %v/%v, want false/false", res.Compacted, res.Truncated)
	}
	if len(res.Messages) != 3 {
		t.Errorf("len = %d, want 3", len(res.Messages))
	}
	if res.Tokens <= 0 {
		t.Errorf("tokens = %d, want > 0", res.Tokens)
	}
}

func TestCompact_SummarizesOldHistory(t *testing.T) {
	c := New(Config{
		MaxTokens:         200,
		ReserveTokens:     50,
		SafetyMargin:      10,
		RecentMessages:    2,
		MinRecentMessages: 2,
		SummaryMaxChars:   500,
	}, testLogger())

	msgs := []entity.Message{{Role: "system", Content: "be helpful"}}
	for i := 0; i < 8; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, proseMessage(role))
	}

	res := c.Compact(msgs)
	if !res.Compacted {
		t.Fatal("expected compaction")
	}
	if len(res.Messages) != 4 {
		t.Fatalf("len = %d, want 4 (system + summary + 2 recent)", len(res.Messages))
	}
	if res.Messages[0].Role != "system" || entity.CoerceText(res.Messages[0].Content) != "be helpful" {
		t.Errorf("pinned system message lost: %+v", res.Messages[0])
	}

	summary := entity.CoerceText(res.Messages[1].Content)
	if res.Messages[1].Role != "system" || !strings.HasPrefix(summary, "Context summary") {
		t.Errorf("summary message = %+v", res.Messages[1])
	}
	if !strings.Contains(summary, "- user:") {
		t.Errorf("summary must list dropped roles, got %q", summary)
	}
	if len(summary) > 500+8 {
		t.Errorf("summary length %d exceeds the configured bound", len(summary))
	}

	// 最近两条消息原样保留
	for i, orig := range msgs[7:] {
		got := entity.CoerceText(res.Messages[2+i].Content)
		if got != entity.CoerceText(orig.Content) {
			t.Errorf("recent message %d altered", i)
		}
	}
}

func TestCompact_SummaryMentionsToolCalls(t *testing.T) {
	c := New(Config{}, testLogger())
	dropped := []entity.Message{
		{Role: "assistant", Content: "", ToolCalls: []entity.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: entity.ToolCallFunc{Name: "read_file", Arguments: "{}"},
		}}},
	}

	summary := c.summarize(dropped)
	if !strings.Contains(summary, "requested tool read_file") {
		t.Errorf("summary = %q", summary)
	}
}

func TestCompact_ToolResultLineTruncation(t *testing.T) {
	c := New(Config{ToolMaxLines: 10}, testLogger())

	lines := make([]string, 25)
	for i := range lines {
		lines[i] = fmt.Sprintf("row-%02d", i)
	}
	msgs := []entity.Message{
		{Role: "user", Content: "run it"},
		{Role: "tool", Content: strings.Join(lines, "\n")},
	}

	res := c.Compact(msgs)
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	got := entity.CoerceText(res.Messages[1].Content)
	if !strings.Contains(got, "[... tool output truncated: 15 lines omitted ...]") {
		t.Errorf("missing truncation notice in %q", got)
	}
	if !strings.HasPrefix(got, "row-00\n") || !strings.HasSuffix(got, "row-24") {
		t.Errorf("head/tail not preserved: %q", got)
	}
	if strings.Contains(got, "row-10") {
		t.Errorf("middle lines must be dropped, got %q", got)
	}

	// 原始切片不能被改动
	if orig := entity.CoerceText(msgs[1].Content); !strings.Contains(orig, "row-10") {
		t.Error("input messages were mutated")
	}
}

func TestCompact_ToolResultCharTruncation(t *testing.T) {
	c := New(Config{ToolMaxChars: 100}, testLogger())

	msgs := []entity.Message{
		{Role: "tool", Content: strings.Repeat("x", 300)},
	}

	res := c.Compact(msgs)
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	got := entity.CoerceText(res.Messages[0].Content)
	if !strings.Contains(got, "200 chars omitted") {
		t.Errorf("missing truncation notice in %q", got)
	}
	if len(got) >= 300 {
		t.Errorf("content not shortened: %d chars", len(got))
	}
}

func TestCompact_NonToolMessagesNotTruncated(t *testing.T) {
	c := New(Config{ToolMaxLines: 10}, testLogger())

	content := strings.Repeat("row\n", 50)
	res := c.Compact([]entity.Message{{Role: "user", Content: content}})
	if res.Truncated {
		t.Error("user messages must not be truncated")
	}
	if got := entity.CoerceText(res.Messages[0].Content); got != content {
		t.Error("user content altered")
	}
}

func TestBudget(t *testing.T) {
	c := New(Config{MaxTokens: 1000, ReserveTokens: 100}, testLogger())
	if got := c.Budget(); got != 900 {
		t.Errorf("Budget = %d, want 900", got)
	}
}

// === token estimation ===

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"prose divides by four", "the quick brown fox jumps over the lazy dog", 11},
		{"code divides by three", strings.Repeat("{};", 33), 33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimateConversationTokens(t *testing.T) {
	msgs := []entity.Message{
		{Role: "user", Content: "abcd"},
		{Role: "assistant", Content: "efgh"},
	}
	// 每条 1 token 内容 + 4 envelope
	if got := EstimateConversationTokens(msgs); got != 10 {
		t.Errorf("got %d, want 10", got)
	}
}

func TestSnippet(t *testing.T) {
	if got := snippet("  a   b\nc  ", 100); got != "a b c" {
		t.Errorf("whitespace folding: got %q", got)
	}
	long := snippet(strings.Repeat("ab ", 100), 10)
	if !strings.HasSuffix(long, "…") {
		t.Errorf("long snippet must end with ellipsis, got %q", long)
	}
	if n := len([]rune(long)); n > 11 {
		t.Errorf("snippet too long: %d runes", n)
	}
}
