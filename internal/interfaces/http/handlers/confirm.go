package handlers

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/entity"
	"github.com/glmgate/glmgate/internal/domain/guard"
)

// drainPending resolves a confirmation round-trip. When the last message is
// the tool result for a live pending entry, an affirmative answer replays
// the stored batch (the user consented, so the guard is not consulted
// again) and anything else cancels it.
func (h *OpenAIHandler) drainPending(messages []entity.Message) (*turnResult, bool) {
	last := entity.LastMessage(messages)
	if last.Role != "tool" || last.ToolCallID == "" {
		return nil, false
	}

	pend, ok := h.pending.Take(last.ToolCallID)
	if !ok {
		return nil, false
	}

	answer := last.Text()
	if !guard.IsAffirmative(answer) {
		h.logger.Info("pending confirmation declined",
			zap.String("tool_call_id", last.ToolCallID))
		return &turnResult{content: "Cancelled."}, true
	}

	calls := make([]entity.ToolCall, 0, len(pend.Calls))
	for i, sc := range pend.Calls {
		args, err := json.Marshal(sc.Args)
		if err != nil {
			args = []byte("{}")
		}
		calls = append(calls, entity.ToolCall{
			ID:       "call_" + uuid.NewString(),
			Index:    i,
			Type:     "function",
			Function: entity.ToolCallFunc{Name: sc.Name, Arguments: string(args)},
		})
	}

	h.logger.Info("pending confirmation approved",
		zap.String("tool_call_id", last.ToolCallID),
		zap.Int("calls", len(calls)))
	return &turnResult{toolCalls: calls}, true
}
