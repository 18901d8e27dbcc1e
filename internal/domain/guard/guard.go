package guard

import (
	"strings"

	"go.uber.org/zap"

	"github.com/glmgate/glmgate/internal/domain/planner"
	"github.com/glmgate/glmgate/internal/domain/tool"
)

// Source 工具调用来自哪条产生路径
type Source int

const (
	SourcePlanner Source = iota
	SourceRaw
	SourceExplicit
	SourceHeuristic
)

func (s Source) String() string {
	switch s {
	case SourcePlanner:
		return "planner"
	case SourceRaw:
		return "raw"
	case SourceExplicit:
		return "explicit"
	default:
		return "heuristic"
	}
}

// Call is one resolved tool call under validation. Args may be rewritten by
// the path and workdir checks; RawArgs preserves a malformed payload so the
// argument-shape check can reject it instead of silently passing {}.
type Call struct {
	Info    *tool.Info
	Args    map[string]any
	RawArgs string
}

// Verdict 校验结果类别
type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictBlocked
	VerdictConfirm
)

// Outcome is the guard's decision for one batch.
type Outcome struct {
	Verdict Verdict
	Calls   []Call // accepted (possibly rewritten/truncated) batch
	Reason  string // reason code on block/confirm
	Detail  string // human-readable context for the reason
}

// Config 安全策略开关
type Config struct {
	WorkspaceRoots           []string
	MaxActionsPerTurn        int
	MaxWriteChars            int
	AllowWebSearch           bool
	AllowNetwork             bool
	AllowAnyCommand          bool
	AllowExplicitMutations   bool
	AllowRawMutations        bool
	ConfirmDangerousCommands bool
}

// Guard validates outgoing tool-call batches against the safety policy.
type Guard struct {
	cfg    Config
	roots  []string // absolute workspace roots
	logger *zap.Logger
}

// New 创建校验器；工作区根会立刻规范化为绝对路径
func New(cfg Config, logger *zap.Logger) *Guard {
	if cfg.MaxActionsPerTurn <= 0 {
		cfg.MaxActionsPerTurn = 3
	}
	if cfg.MaxWriteChars <= 0 {
		cfg.MaxWriteChars = 200000
	}
	return &Guard{
		cfg:    cfg,
		roots:  resolveRoots(cfg.WorkspaceRoots),
		logger: logger.With(zap.String("component", "guard")),
	}
}

// 不可确认的拒绝理由：这些只能改参数重试，放行没有意义
var nonConfirmable = map[string]bool{
	"invalid_tool_args":      true,
	"unexpected_arg":         true,
	"missing_path":           true,
	"missing_command":        true,
	"missing_content":        true,
	"invalid_content_type":   true,
	"path_outside_workspace": true,
	"sensitive_path":         true,
}

// Check validates a batch in policy order: batch-level limits first, then
// per-call checks. The first failing check decides the whole batch.
func (g *Guard) Check(calls []Call, source Source) Outcome {
	if len(calls) == 0 {
		return Outcome{Verdict: VerdictOK}
	}

	// 1. 动作数上限：疑问 + 截断后的批次
	if len(calls) > g.cfg.MaxActionsPerTurn {
		return Outcome{
			Verdict: VerdictConfirm,
			Calls:   calls[:g.cfg.MaxActionsPerTurn],
			Reason:  "too_many_actions",
			Detail:  "the model requested more actions than allowed in one turn",
		}
	}

	// 2. 规划路径的重复动作
	if source == SourcePlanner && hasDuplicateCalls(calls) {
		return Outcome{
			Verdict: VerdictConfirm,
			Calls:   dedupeCalls(calls),
			Reason:  "duplicate_actions",
			Detail:  "the same tool call was requested more than once",
		}
	}

	// 3. 变更边界：包含任何变更动作的批次收缩为首个动作
	if batchHasMutation(calls) && len(calls) > 1 {
		calls = calls[:1]
	}

	for i := range calls {
		if out := g.checkCall(&calls[i], source); out.Verdict != VerdictOK {
			if out.Verdict == VerdictConfirm && nonConfirmable[out.Reason] {
				out.Verdict = VerdictBlocked
			}
			out.Calls = calls
			return out
		}
	}

	return Outcome{Verdict: VerdictOK, Calls: calls}
}

func (g *Guard) checkCall(call *Call, source Source) Outcome {
	name := tool.Normalize(call.Info.Name)

	// 网络工具开关
	if (name == "webfetch" || name == "websearch") && !g.cfg.AllowWebSearch {
		return confirm("web_tools_disabled", "web tools are disabled by configuration")
	}

	// 参数形态：必须是 JSON 对象；坏载荷先宽松重试再拒绝
	if call.Args == nil {
		if call.RawArgs != "" {
			if parsed, ok := planner.ParseArgsText(call.RawArgs); ok {
				call.Args = parsed
			} else {
				return block("invalid_tool_args", "arguments are not a JSON object")
			}
		} else {
			call.Args = map[string]any{}
		}
	}
	if len(call.Info.ArgKeys) > 0 {
		if unknown := unknownArgKey(call.Info, call.Args); unknown != "" {
			return block("unexpected_arg", "unexpected argument "+unknown)
		}
	}

	// 变更来源：规划 JSON 之外的变更需要显式放行。
	// 只读搜索命令（rg/grep）不算变更，启发式来源也可以发。
	if IsMutation(call.Info.Name) && !isSearchCommand(call) {
		switch source {
		case SourcePlanner:
		case SourceExplicit:
			if !g.cfg.AllowExplicitMutations {
				return confirm("mutation_requires_planner_json", "mutating tools must come from planner JSON")
			}
		default:
			if !g.cfg.AllowRawMutations {
				return confirm("mutation_requires_planner_json", "mutating tools must come from planner JSON")
			}
		}
	}

	if out := g.checkGlobArgs(call); out.Verdict != VerdictOK {
		return out
	}
	if out := g.checkPathArgs(call); out.Verdict != VerdictOK {
		return out
	}
	if out := g.checkWriteBounds(call); out.Verdict != VerdictOK {
		return out
	}
	if isShellCall(call) {
		g.rewriteWorkdir(call)
		if out := g.checkShellCommand(call, source); out.Verdict != VerdictOK {
			return out
		}
	}
	if out := g.checkDeleteFamily(call); out.Verdict != VerdictOK {
		return out
	}

	return Outcome{Verdict: VerdictOK}
}

// === batch helpers ===

func hasDuplicateCalls(calls []Call) bool {
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		sig := callSignature(c)
		if seen[sig] {
			return true
		}
		seen[sig] = true
	}
	return false
}

func dedupeCalls(calls []Call) []Call {
	seen := make(map[string]bool, len(calls))
	out := calls[:0:0]
	for _, c := range calls {
		sig := callSignature(c)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, c)
	}
	return out
}

func callSignature(c Call) string {
	return tool.Normalize(c.Info.Name) + "|" + planner.MarshalStable(c.Args)
}

func batchHasMutation(calls []Call) bool {
	for i := range calls {
		if IsMutation(calls[i].Info.Name) && !isSearchCommand(&calls[i]) {
			return true
		}
	}
	return false
}

// === mutation classification ===

var mutationPrefixes = []string{"write", "edit", "applypatch", "run"}

var mutationExact = map[string]bool{
	"patch": true, "shell": true, "bash": true,
	"delete": true, "remove": true, "mkdir": true,
	"move": true, "mv": true,
}

// IsMutation reports whether a tool writes files, runs commands, or moves or
// deletes paths.
func IsMutation(name string) bool {
	norm := tool.Normalize(name)
	if mutationExact[norm] {
		return true
	}
	for _, p := range mutationPrefixes {
		if strings.HasPrefix(norm, p) {
			return true
		}
	}
	return false
}

// === arg helpers ===

func unknownArgKey(info *tool.Info, args map[string]any) string {
	declared := make(map[string]bool, len(info.ArgKeys))
	for _, k := range info.ArgKeys {
		declared[tool.Normalize(k)] = true
	}
	for k := range args {
		if !declared[tool.Normalize(k)] {
			return k
		}
	}
	return ""
}

func isShellCall(call *Call) bool {
	return call.Info.IsShell()
}

func block(reason, detail string) Outcome {
	return Outcome{Verdict: VerdictBlocked, Reason: reason, Detail: detail}
}

func confirm(reason, detail string) Outcome {
	return Outcome{Verdict: VerdictConfirm, Reason: reason, Detail: detail}
}
