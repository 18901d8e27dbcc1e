package handlers

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/entity"
	"github.com/glmgate/glmgate/internal/domain/guard"
	"github.com/glmgate/glmgate/internal/domain/planner"
	"github.com/glmgate/glmgate/internal/domain/tool"
)

// plannerFlow drives a tool-enabled request: fast-path dispatch for explicit
// directives and inferred intents, then the upstream planner loop with parse
// fallbacks and guard validation. The upstream turn is always accumulated
// whole, even for streaming clients; respond replays it as SSE.
func (h *OpenAIHandler) plannerFlow(ctx context.Context, t *turnInput) *turnResult {
	userText := entity.LastUserText(t.messages)

	// 新用户回合到来时，上一轮的派发门已过期
	if !t.hasToolResult {
		h.session.ResetDispatch()
	}

	// 用户消息里的规划 JSON 指向未知工具：直接报错
	if result := h.rejectUnknownUserTool(userText, t); result != nil {
		return result
	}

	// 显式 % 指令优先于一切推断
	if rc := planner.InferExplicit(userText, t.reg); rc != nil {
		t.logger.Info("explicit tool directive", zap.String("tool", rc.Name))
		return h.dispatchRawCall(t, rc, guard.SourceExplicit, userText)
	}

	if h.heuristicsAllowed(t) {
		deps := planner.HeuristicDeps{Registry: t.reg, SensitivePath: guard.IsSensitivePath}
		if rc := planner.InferCall(userText, deps); rc != nil {
			t.logger.Info("heuristic tool call inferred", zap.String("tool", rc.Name))
			return h.dispatchRawCall(t, rc, guard.SourceHeuristic, userText)
		}
	}

	systemText := planner.BuildSystemPrompt(t.reg, planner.PromptOptions{
		Workspace:           h.workspaceHint(),
		ExtraSystem:         t.dirs.extraSystem,
		IncludeSchema:       h.cfg.Proxy.ToolPromptIncludeSchema,
		SchemaMaxChars:      h.cfg.Proxy.ToolPromptSchemaMaxChars,
		ExtraSystemMaxChars: h.cfg.Proxy.ToolPromptExtraSystemMaxChars,
	})
	h.prepareUpstream(ctx, t, systemText)

	base := t.sendMessages
	if t.hasToolResult {
		base = appendDirective(base, planner.PostToolDirective)
	}
	switch {
	case t.choice.ForcedName != "":
		base = appendDirective(base, "The client requires the next action to call the tool "+t.choice.ForcedName+".")
	case t.choice.Mode == "required":
		base = appendDirective(base, "The client requires at least one tool action this turn.")
	}

	// 工具循环到达上限：收口，只许答复
	if limit := h.cfg.Proxy.ToolLoopLimit; limit > 0 && t.toolResultCount >= limit {
		t.logger.Info("tool loop limit reached, forcing final answer",
			zap.Int("tool_results", t.toolResultCount), zap.Int("limit", limit))
		return h.directAnswerTurn(ctx, t, base)
	}

	attempts := h.cfg.Proxy.PlannerMaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		msgs := base
		if attempt > 0 {
			msgs = appendDirective(base, planner.RetryDirective(attempt))
			h.monitor.IncPlannerRetry()
		}

		opts := t.sendOptions(h.cfg.Upstream.Model)
		opts.Messages = msgs
		content, thinking, errReason := h.collectTurn(ctx, opts)
		if errReason != "" {
			return &turnResult{content: "Error: " + errReason}
		}
		h.dumper.Dump(t.requestID, "planner_reply", map[string]any{"attempt": attempt, "content": content})

		last := attempt == attempts-1
		out, err := planner.ParseOutput(content, h.cfg.Proxy.PlannerCoerce && last)
		if err != nil {
			// 规划 JSON 缺席时雷同 OpenAI 工具数组也认
			if raws := planner.ParseRawToolCalls(content); len(raws) > 0 {
				result, suppressed := h.dispatchRawBatch(t, raws, userText)
				if suppressed {
					t.logger.Debug("raw tool batch suppressed as duplicate", zap.Int("attempt", attempt))
					continue
				}
				result.reasoning = thinking
				return result
			}
			t.logger.Debug("planner reply unparseable", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if out.HasAction() {
			actions := filterActions(out.Actions, userText)
			if len(actions) > 0 {
				result := h.dispatchActions(t, actions, userText)
				result.reasoning = thinking
				return result
			}
			t.logger.Debug("all planner actions filtered out", zap.Int("requested", len(out.Actions)))
		}

		if out.Final != "" {
			return &turnResult{content: out.Final, reasoning: thinking}
		}
		if t.hasToolResult {
			return h.recoveryTurn(ctx, t, base, userText)
		}
		return h.directAnswerTurn(ctx, t, base)
	}

	return &turnResult{content: "Unable to generate tool call."}
}

// rejectUnknownUserTool fails fast when the user pasted planner JSON naming a
// tool the registry does not carry.
func (h *OpenAIHandler) rejectUnknownUserTool(userText string, t *turnInput) *turnResult {
	out, err := planner.ParseOutput(userText, false)
	if err != nil || !out.HasAction() {
		return nil
	}
	for _, action := range out.Actions {
		if t.reg.Lookup(action.Tool) == nil {
			return &turnResult{content: "Unknown tool: " + action.Tool}
		}
	}
	return nil
}

func (h *OpenAIHandler) heuristicsAllowed(t *turnInput) bool {
	return h.cfg.Proxy.AllowUserHeuristics && !t.dirs.noHeuristics && !t.hasToolResult
}

// recoveryTurn gives the model one more chance to act after tool results
// produced neither actions nor an answer.
func (h *OpenAIHandler) recoveryTurn(ctx context.Context, t *turnInput, base []entity.Message, userText string) *turnResult {
	opts := t.sendOptions(h.cfg.Upstream.Model)
	opts.Messages = appendDirective(base, planner.RecoveryDirective)
	content, thinking, errReason := h.collectTurn(ctx, opts)
	if errReason != "" {
		return &turnResult{content: "Error: " + errReason}
	}

	if out, err := planner.ParseOutput(content, false); err == nil {
		if out.HasAction() {
			if actions := filterActions(out.Actions, userText); len(actions) > 0 {
				result := h.dispatchActions(t, actions, userText)
				result.reasoning = thinking
				return result
			}
		}
		if out.Final != "" {
			return &turnResult{content: out.Final, reasoning: thinking}
		}
	}
	return &turnResult{
		content:   "No further actions were produced; task may require another explicit user prompt.",
		reasoning: thinking,
	}
}

// directAnswerTurn forces a prose reply with tools off the table.
func (h *OpenAIHandler) directAnswerTurn(ctx context.Context, t *turnInput, base []entity.Message) *turnResult {
	opts := t.sendOptions(h.cfg.Upstream.Model)
	opts.Messages = appendDirective(base, planner.DirectAnswerDirective)
	content, thinking, errReason := h.collectTurn(ctx, opts)
	if errReason != "" {
		return &turnResult{content: "Error: " + errReason}
	}
	return &turnResult{content: strings.TrimSpace(content), reasoning: thinking}
}

// === dispatch ===

// dispatchActions resolves planner actions against the registry and runs the
// batch through the guard. Unknown tools fail the whole turn.
func (h *OpenAIHandler) dispatchActions(t *turnInput, actions []planner.Action, userText string) *turnResult {
	calls := make([]guard.Call, 0, len(actions))
	for _, action := range actions {
		info := t.reg.Lookup(action.Tool)
		if info == nil {
			return &turnResult{content: "Unknown tool: " + action.Tool}
		}
		calls = append(calls, guard.Call{
			Info:    info,
			Args:    tool.NormalizeArgs(info, action.Args),
			RawArgs: action.RawArgs,
		})
	}
	return h.dispatch(t, calls, guard.SourcePlanner, userText)
}

func (h *OpenAIHandler) dispatchRawCall(t *turnInput, rc *planner.RawCall, source guard.Source, userText string) *turnResult {
	info := t.reg.Lookup(rc.Name)
	if info == nil {
		return &turnResult{content: "Unknown tool: " + rc.Name}
	}
	call := guard.Call{Info: info, Args: tool.NormalizeArgs(info, rc.Args), RawArgs: rc.RawArgs}
	return h.dispatch(t, []guard.Call{call}, source, userText)
}

// dispatchRawBatch handles model-emitted tool-call arrays. Under a tool-result
// context, a batch identical to the previous dispatch is suppressed so the
// model cannot loop on the same call forever.
func (h *OpenAIHandler) dispatchRawBatch(t *turnInput, raws []planner.RawCall, userText string) (*turnResult, bool) {
	calls := make([]guard.Call, 0, len(raws))
	for i := range raws {
		info := t.reg.Lookup(raws[i].Name)
		if info == nil {
			return &turnResult{content: "Unknown tool: " + raws[i].Name}, false
		}
		calls = append(calls, guard.Call{
			Info:    info,
			Args:    tool.NormalizeArgs(info, raws[i].Args),
			RawArgs: raws[i].RawArgs,
		})
	}

	if h.session.ShouldSuppress(batchSignature(calls), userText, t.hasToolResult) {
		return nil, true
	}
	return h.dispatch(t, calls, guard.SourceRaw, userText), false
}

// dispatch runs the guard and converts its outcome into the turn result:
// accepted calls, a confirmation question, or a block message.
func (h *OpenAIHandler) dispatch(t *turnInput, calls []guard.Call, source guard.Source, userText string) *turnResult {
	outcome := h.guard.Check(calls, source)
	switch outcome.Verdict {
	case guard.VerdictBlocked:
		h.monitor.IncGuardBlock()
		h.dumper.Dump(t.requestID, "guard_block", map[string]string{
			"reason": outcome.Reason,
			"detail": outcome.Detail,
		})
		t.logger.Warn("tool call blocked",
			zap.String("reason", outcome.Reason),
			zap.String("source", source.String()))
		msg := "Blocked unsafe tool call (" + outcome.Reason + ")."
		if outcome.Detail != "" {
			msg += " " + outcome.Detail
		}
		return &turnResult{content: msg}

	case guard.VerdictConfirm:
		question, stored := guard.BuildQuestion(t.reg.ConfirmationToolName(), outcome.Reason, outcome.Detail, outcome.Calls)
		h.pending.Put(question.ID, stored, outcome.Reason)
		h.monitor.IncGuardConfirm()
		h.dumper.Dump(t.requestID, "pending_confirmation_set", stored)
		t.logger.Info("confirmation required",
			zap.String("reason", outcome.Reason),
			zap.Int("calls", len(stored)))
		return &turnResult{toolCalls: []entity.ToolCall{question}}

	default:
		toolCalls := make([]entity.ToolCall, 0, len(outcome.Calls))
		for i := range outcome.Calls {
			toolCalls = append(toolCalls, entity.ToolCall{
				ID:    "call_" + uuid.NewString(),
				Index: i,
				Type:  "function",
				Function: entity.ToolCallFunc{
					Name:      outcome.Calls[i].Info.Name,
					Arguments: planner.MarshalStable(outcome.Calls[i].Args),
				},
			})
		}
		h.session.RecordDispatch(batchSignature(outcome.Calls), userText)
		return &turnResult{toolCalls: toolCalls}
	}
}

// batchSignature keys dispatch dedup: normalized tool plus stable-sorted args
// per call.
func batchSignature(calls []guard.Call) string {
	parts := make([]string, 0, len(calls))
	for i := range calls {
		parts = append(parts, tool.Normalize(calls[i].Info.Name)+"|"+planner.MarshalStable(calls[i].Args))
	}
	return strings.Join(parts, ";")
}

// filterActions applies the dispatch policy: no-op edits are dropped, and
// todo-list bookkeeping tools only pass when the user actually asked for one.
func filterActions(actions []planner.Action, userText string) []planner.Action {
	wantsTodo := strings.Contains(strings.ToLower(userText), "todo")
	out := actions[:0:0]
	for _, action := range actions {
		norm := tool.Normalize(action.Tool)
		if strings.Contains(norm, "todo") && !wantsTodo {
			continue
		}
		if strings.HasPrefix(norm, "edit") && isNoopEdit(action.Args) {
			continue
		}
		out = append(out, action)
	}
	return out
}

func isNoopEdit(args map[string]any) bool {
	pairs := [][2]string{{"old_string", "new_string"}, {"old_str", "new_str"}, {"old", "new"}}
	for _, p := range pairs {
		oldVal, okOld := args[p[0]].(string)
		newVal, okNew := args[p[1]].(string)
		if okOld && okNew {
			return oldVal == newVal
		}
	}
	return false
}

func appendDirective(msgs []entity.Message, text string) []entity.Message {
	out := make([]entity.Message, 0, len(msgs)+1)
	out = append(out, msgs...)
	return append(out, entity.Message{Role: "system", Content: text})
}
