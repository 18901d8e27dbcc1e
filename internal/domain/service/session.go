package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/entity"
)

// dispatchState 原始调用派发门的状态
type dispatchState int

const (
	dispatchIdle dispatchState = iota
	dispatchEmitted
	dispatchSuppressed
)

// Session owns the per-process mutable state shared across requests: the
// active upstream chat id, the last-observed caller conversation, and the
// raw-dispatch suppression gate. A single mutex guards all of it; the
// critical sections are short string comparisons.
type Session struct {
	mu sync.Mutex

	chatID       string
	lastMessages []entity.Message
	lastSig      string
	historyMax   int

	dispatch     dispatchState
	dispatchSig  string
	dispatchUser string

	logger *zap.Logger
}

func NewSession(historyMax int, logger *zap.Logger) *Session {
	return &Session{
		historyMax: historyMax,
		logger:     logger.With(zap.String("component", "session")),
	}
}

// === active chat ===

func (s *Session) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

func (s *Session) SetChatID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatID = id
}

// ResetChat drops the cached upstream chat. Idempotent.
func (s *Session) ResetChat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatID != "" {
		s.logger.Debug("chat reset", zap.String("chat_id", s.chatID))
	}
	s.chatID = ""
	s.lastMessages = nil
	s.lastSig = ""
}

// === session delta ===

// Delta describes how the incoming conversation relates to the last one
// observed on this session.
type Delta struct {
	Reset  bool             // divergence, shrink, or signature change
	Suffix []entity.Message // messages not yet seen (valid when !Reset)
}

// Observe compares msgs against the last-observed conversation and records
// msgs as the new baseline. sig covers the serialized tools + system text;
// a changed sig reseeds the chat even when the prefix still matches.
func (s *Session) Observe(msgs []entity.Message, sig string) Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := commonPrefix(s.lastMessages, msgs)
	divergence := prefix < len(s.lastMessages) || len(msgs) < len(s.lastMessages)
	reseed := s.lastSig != "" && s.lastSig != sig

	s.lastSig = sig
	s.remember(msgs)

	if divergence || reseed {
		s.chatID = ""
		s.logger.Debug("session reset",
			zap.Bool("divergence", divergence),
			zap.Bool("signature_changed", reseed),
			zap.Int("common_prefix", prefix))
		return Delta{Reset: true}
	}
	return Delta{Suffix: msgs[prefix:]}
}

// remember keeps the observed conversation, bounded by historyMax.
// historyMax <= 0 mirrors the caller's list without a cap.
func (s *Session) remember(msgs []entity.Message) {
	kept := msgs
	if s.historyMax > 0 && len(msgs) > s.historyMax {
		kept = msgs[len(msgs)-s.historyMax:]
	}
	s.lastMessages = make([]entity.Message, len(kept))
	copy(s.lastMessages, kept)
}

func commonPrefix(a, b []entity.Message) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if !sameMessage(a[i], b[i]) {
			return i
		}
	}
	return n
}

func sameMessage(a, b entity.Message) bool {
	return a.Role == b.Role &&
		a.ToolCallID == b.ToolCallID &&
		entity.CoerceText(a.Content) == entity.CoerceText(b.Content)
}

// === raw-dispatch gate ===
//
// Idle → Emitted(sig,user) on a guarded tool-call batch.
// Emitted(sig,user) → Suppressed when the next tool-result turn asks for
// the identical batch again. A differing batch re-arms the gate.

// ShouldSuppress reports whether an identical raw batch was already
// dispatched for this user turn and moves the gate accordingly.
func (s *Session) ShouldSuppress(sig, user string, hasToolResult bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dispatch == dispatchEmitted && hasToolResult &&
		sig == s.dispatchSig && user == s.dispatchUser {
		s.dispatch = dispatchSuppressed
		s.logger.Debug("raw dispatch suppressed", zap.String("sig", sig))
		return true
	}
	return false
}

// RecordDispatch arms the gate after a batch goes out.
func (s *Session) RecordDispatch(sig, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = dispatchEmitted
	s.dispatchSig = sig
	s.dispatchUser = user
}

// ResetDispatch returns the gate to idle, e.g. on a fresh user turn.
func (s *Session) ResetDispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = dispatchIdle
	s.dispatchSig = ""
	s.dispatchUser = ""
}
