package guard

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const pendingTTL = 10 * time.Minute

// StoredCall 挂起批次里的一次调用
type StoredCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// PendingConfirmation holds a guarded batch deferred behind a question.
type PendingConfirmation struct {
	Calls     []StoredCall `json:"calls"`
	Reason    string       `json:"reason"`
	CreatedAt time.Time    `json:"createdAt"`
}

// PendingStore maps confirmation tool_call_id to the deferred batch.
// Entries expire after a fixed TTL and are swept on each request.
type PendingStore struct {
	mu      sync.Mutex
	entries map[string]PendingConfirmation
	now     func() time.Time
}

func NewPendingStore() *PendingStore {
	return &PendingStore{
		entries: make(map[string]PendingConfirmation),
		now:     time.Now,
	}
}

func (s *PendingStore) Put(id string, calls []StoredCall, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = PendingConfirmation{
		Calls:     calls,
		Reason:    reason,
		CreatedAt: s.now(),
	}
}

// Take removes and returns the entry for id. Expired entries are treated
// as missing.
func (s *PendingStore) Take(id string) (PendingConfirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[id]
	if !ok {
		return PendingConfirmation{}, false
	}
	delete(s.entries, id)
	if s.now().Sub(p.CreatedAt) > pendingTTL {
		return PendingConfirmation{}, false
	}
	return p, true
}

// Sweep drops expired entries. Called at the start of each request.
func (s *PendingStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-pendingTTL)
	for id, p := range s.entries {
		if p.CreatedAt.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}

func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// === affirmative recognition ===

var affirmativeWords = map[string]bool{
	"y": true, "yes": true, "ok": true, "okay": true, "sure": true,
	"proceed": true, "continue": true, "confirm": true, "confirmed": true,
	"approved": true, "approve": true, "allow": true, "go": true,
	"1": true, "true": true,
}

// IsAffirmative reports whether a user reply approves the pending batch.
// Recognizes bare affirmative words, JSON confirmation payloads, and the
// terminal UI's "user has answered your questions" envelope.
func IsAffirmative(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	lower := strings.ToLower(trimmed)
	if affirmativeWords[strings.Trim(lower, ".!")] {
		return true
	}

	// UI 包装格式：user has answered your questions: ... proceed (recommended)
	if strings.Contains(lower, "user has answered your questions") {
		return strings.Contains(lower, "proceed")
	}

	if strings.HasPrefix(trimmed, "{") {
		var payload map[string]any
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			for _, k := range []string{"ok", "confirmed", "confirm", "approved"} {
				if b, ok := payload[k].(bool); ok && b {
					return true
				}
			}
			if ans, ok := payload["answer"].(string); ok {
				return IsAffirmative(ans)
			}
			if answers, ok := payload["answers"].([]any); ok && len(answers) > 0 {
				if first, ok := answers[0].(string); ok {
					return IsAffirmative(first)
				}
			}
		}
	}
	return false
}
