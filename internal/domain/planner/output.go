package planner

import (
	"encoding/json"
	"strings"
)

// Output 规划器的结构化回复
// Invariant: Final carries text only when Actions is empty.
type Output struct {
	Plan    []string `json:"plan"`
	Actions []Action `json:"actions"`
	Final   string   `json:"final,omitempty"`
	Thought string   `json:"thought,omitempty"`
}

// Action 一次期望的工具调用
type Action struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Why    string         `json:"why,omitempty"`
	Expect string         `json:"expect,omitempty"`
	Safety Safety         `json:"safety"`

	// RawArgs keeps the verbatim argument text when it would not parse.
	// The guard must see the malformed form instead of a silent {}.
	RawArgs string `json:"-"`
}

// Safety 模型自报的风险标注
type Safety struct {
	Risk  string `json:"risk,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// HasAction reports whether the output requests any tool call.
func (o *Output) HasAction() bool {
	return len(o.Actions) > 0
}

// coerceOutput maps a loosely-typed decoded document onto Output, applying
// the documented coercions: plan string→[string], args string→object, risk
// default low, final only for action-less outputs.
func coerceOutput(doc map[string]any) *Output {
	out := &Output{}

	switch plan := doc["plan"].(type) {
	case string:
		if plan != "" {
			out.Plan = []string{plan}
		}
	case []any:
		for _, p := range plan {
			if s, ok := p.(string); ok {
				out.Plan = append(out.Plan, s)
			}
		}
	}

	if actions, ok := doc["actions"].([]any); ok {
		for _, a := range actions {
			am, ok := a.(map[string]any)
			if !ok {
				continue
			}
			action := coerceAction(am)
			if action.Tool == "" {
				continue
			}
			out.Actions = append(out.Actions, action)
		}
	}

	if final, ok := doc["final"].(string); ok {
		out.Final = final
	}
	if thought, ok := doc["thought"].(string); ok {
		out.Thought = thought
	}

	// final 只在无动作时成立
	if len(out.Actions) > 0 {
		out.Final = ""
	}
	return out
}

func coerceAction(am map[string]any) Action {
	action := Action{Safety: Safety{Risk: "low"}}

	switch tool := am["tool"].(type) {
	case string:
		action.Tool = tool
	case map[string]any:
		if name, ok := tool["name"].(string); ok {
			action.Tool = name
		}
	}
	if action.Tool == "" {
		if name, ok := am["name"].(string); ok {
			action.Tool = name
		}
	}

	switch args := am["args"].(type) {
	case map[string]any:
		action.Args = args
	case string:
		if parsed, ok := ParseArgsText(args); ok {
			action.Args = parsed
		} else if strings.TrimSpace(args) != "" {
			action.RawArgs = args
		}
	case nil:
		if args, ok := am["arguments"]; ok {
			switch v := args.(type) {
			case map[string]any:
				action.Args = v
			case string:
				if parsed, ok := ParseArgsText(v); ok {
					action.Args = parsed
				} else if strings.TrimSpace(v) != "" {
					action.RawArgs = v
				}
			}
		}
	}

	if why, ok := am["why"].(string); ok {
		action.Why = why
	}
	if expect, ok := am["expect"].(string); ok {
		action.Expect = expect
	}
	if safety, ok := am["safety"].(map[string]any); ok {
		if risk, ok := safety["risk"].(string); ok {
			switch strings.ToLower(risk) {
			case "low", "medium", "high":
				action.Safety.Risk = strings.ToLower(risk)
			}
		}
		if notes, ok := safety["notes"].(string); ok {
			action.Safety.Notes = notes
		}
	}
	return action
}

// plannerShaped reports whether a decoded object looks like planner output
// at all. Arbitrary JSON objects in prose must not be mistaken for one.
func plannerShaped(doc map[string]any) bool {
	for _, key := range []string{"plan", "actions", "final", "thought"} {
		if _, ok := doc[key]; ok {
			return true
		}
	}
	return false
}

// ProseOutput wraps free text as an answer-only planner output.
func ProseOutput(text string) *Output {
	return &Output{
		Plan:  []string{"answer directly"},
		Final: strings.TrimSpace(text),
	}
}

// MarshalStable serializes args with sorted keys for signatures and logs.
func MarshalStable(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
