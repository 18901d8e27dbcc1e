package service

import (
	"testing"

	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/entity"
)

func testLogger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

func msg(role, text string) entity.Message {
	return entity.Message{Role: role, Content: text}
}

func TestObserve_FirstConversation(t *testing.T) {
	s := NewSession(0, testLogger())
	msgs := []entity.Message{msg("system", "be brief"), msg("user", "hi")}

	delta := s.Observe(msgs, "sig1")
	if delta.Reset {
		t.Fatal("first observation must not reset")
	}
	if len(delta.Suffix) != 2 {
		t.Errorf("suffix len = %d, want 2", len(delta.Suffix))
	}
}

func TestObserve_AppendedSuffix(t *testing.T) {
	s := NewSession(0, testLogger())
	base := []entity.Message{msg("system", "be brief"), msg("user", "hi")}
	s.Observe(base, "sig1")

	grown := append(append([]entity.Message{}, base...),
		msg("assistant", "hello"), msg("user", "and?"))
	delta := s.Observe(grown, "sig1")
	if delta.Reset {
		t.Fatal("growing conversation must not reset")
	}
	if len(delta.Suffix) != 2 {
		t.Fatalf("suffix len = %d, want 2", len(delta.Suffix))
	}
	if delta.Suffix[0].Role != "assistant" || delta.Suffix[1].Role != "user" {
		t.Errorf("suffix roles = %s/%s", delta.Suffix[0].Role, delta.Suffix[1].Role)
	}
}

func TestObserve_DivergenceResetsChat(t *testing.T) {
	s := NewSession(0, testLogger())
	s.SetChatID("chat-1")
	s.Observe([]entity.Message{msg("system", "s"), msg("user", "first question")}, "sig1")

	delta := s.Observe([]entity.Message{msg("system", "s"), msg("user", "different question")}, "sig1")
	if !delta.Reset {
		t.Fatal("diverging conversation must reset")
	}
	if got := s.ChatID(); got != "" {
		t.Errorf("chat id = %q, want cleared", got)
	}
}

func TestObserve_ShrinkResets(t *testing.T) {
	s := NewSession(0, testLogger())
	full := []entity.Message{msg("system", "s"), msg("user", "a"), msg("assistant", "b")}
	s.Observe(full, "sig1")

	if delta := s.Observe(full[:2], "sig1"); !delta.Reset {
		t.Error("shrinking conversation must reset")
	}
}

// Changing the declared tools or system text reseeds the chat even when the
// message prefix still matches.
func TestObserve_SignatureChangeResets(t *testing.T) {
	s := NewSession(0, testLogger())
	s.SetChatID("chat-1")
	msgs := []entity.Message{msg("system", "s"), msg("user", "a")}
	s.Observe(msgs, "sig1")

	grown := append(append([]entity.Message{}, msgs...), msg("user", "b"))
	delta := s.Observe(grown, "sig2")
	if !delta.Reset {
		t.Fatal("signature change must reset")
	}
	if got := s.ChatID(); got != "" {
		t.Errorf("chat id = %q, want cleared", got)
	}
}

func TestObserve_ContentComparedAsText(t *testing.T) {
	s := NewSession(0, testLogger())
	s.Observe([]entity.Message{{Role: "user", Content: "hello"}}, "sig1")

	// 分段形式与纯文本等价
	parts := []entity.Message{{Role: "user", Content: []any{
		map[string]any{"type": "text", "text": "hello"},
	}}}
	grown := append(parts, msg("assistant", "hi"))
	delta := s.Observe(grown, "sig1")
	if delta.Reset {
		t.Error("equivalent content forms must not diverge")
	}
}

func TestObserve_HistoryCapBoundsBaseline(t *testing.T) {
	s := NewSession(2, testLogger())
	s.Observe([]entity.Message{
		msg("user", "m1"), msg("assistant", "m2"),
		msg("user", "m3"), msg("assistant", "m4"),
	}, "sig1")

	// 基线只剩最后两条，同尾部的后续列表按增量处理
	delta := s.Observe([]entity.Message{
		msg("user", "m3"), msg("assistant", "m4"), msg("user", "m5"),
	}, "sig1")
	if delta.Reset {
		t.Fatal("tail-aligned conversation must not reset")
	}
	if len(delta.Suffix) != 1 || entity.CoerceText(delta.Suffix[0].Content) != "m5" {
		t.Errorf("suffix = %+v", delta.Suffix)
	}
}

func TestResetChat(t *testing.T) {
	s := NewSession(0, testLogger())
	s.SetChatID("chat-1")
	s.Observe([]entity.Message{msg("user", "a")}, "sig1")

	s.ResetChat()
	if got := s.ChatID(); got != "" {
		t.Errorf("chat id = %q, want cleared", got)
	}
	// 基线已清空，下一次观察按全新会话处理
	if delta := s.Observe([]entity.Message{msg("user", "b")}, "sig1"); delta.Reset {
		t.Error("observation after reset must start fresh")
	}
}

// === raw-dispatch gate ===

func TestDispatchGate_SuppressesIdenticalRetry(t *testing.T) {
	s := NewSession(0, testLogger())

	if s.ShouldSuppress("batch-sig", "do it", true) {
		t.Fatal("idle gate must not suppress")
	}

	s.RecordDispatch("batch-sig", "do it")
	if !s.ShouldSuppress("batch-sig", "do it", true) {
		t.Fatal("identical batch on the tool-result turn must be suppressed")
	}
	// 已抑制过一次，门不再触发
	if s.ShouldSuppress("batch-sig", "do it", true) {
		t.Error("gate must fire at most once")
	}
}

func TestDispatchGate_RequiresToolResultTurn(t *testing.T) {
	s := NewSession(0, testLogger())
	s.RecordDispatch("batch-sig", "do it")

	if s.ShouldSuppress("batch-sig", "do it", false) {
		t.Error("suppression applies only to tool-result turns")
	}
}

func TestDispatchGate_DifferentBatchPasses(t *testing.T) {
	s := NewSession(0, testLogger())
	s.RecordDispatch("batch-sig", "do it")

	if s.ShouldSuppress("other-sig", "do it", true) {
		t.Error("a different batch must not be suppressed")
	}
	if s.ShouldSuppress("batch-sig", "another ask", true) {
		t.Error("a different user turn must not be suppressed")
	}
}

func TestDispatchGate_Reset(t *testing.T) {
	s := NewSession(0, testLogger())
	s.RecordDispatch("batch-sig", "do it")
	s.ResetDispatch()

	if s.ShouldSuppress("batch-sig", "do it", true) {
		t.Error("reset gate must not suppress")
	}
}
