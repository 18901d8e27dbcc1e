package planner

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoPlannerJSON 文本里找不到可用的规划 JSON
var ErrNoPlannerJSON = errors.New("no planner JSON found in reply")

// ParseOutput extracts a planner output from the model's reply, trying in
// order: strict JSON, lenient cleanup, first balanced object, then every
// balanced object from the end of the text backwards (the last valid object
// wins, since models append JSON after prose). With coerceProse set, bare
// prose becomes an answer-only output instead of an error.
func ParseOutput(text string, coerceProse bool) (*Output, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrNoPlannerJSON
	}

	if out := tryDocument(trimmed); out != nil {
		return out, nil
	}

	cleaned := CleanJSONText(trimmed)
	if out := tryDocument(cleaned); out != nil {
		return out, nil
	}

	if block, ok := firstJSONBlock(cleaned); ok {
		if out := tryDocument(block); out != nil {
			return out, nil
		}
		if out := tryDocument(NormalizeNewlinesInStrings(block)); out != nil {
			return out, nil
		}
	}

	blocks := allJSONBlocks(cleaned)
	for i := len(blocks) - 1; i >= 0; i-- {
		if out := tryDocument(blocks[i]); out != nil {
			return out, nil
		}
	}

	if coerceProse {
		return ProseOutput(text), nil
	}
	return nil, ErrNoPlannerJSON
}

// tryDocument parses one candidate, requires a planner-shaped object, and
// validates it against the output schema before coercing.
func tryDocument(candidate string) *Output {
	var doc any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil
	}
	obj, ok := doc.(map[string]any)
	if !ok || !plannerShaped(obj) {
		return nil
	}
	if err := ValidateDocument(doc); err != nil {
		return nil
	}
	return coerceOutput(obj)
}

// === raw tool-call arrays ===

// RawCall is one entry of a free-form tool-call array the model emitted
// instead of planner JSON.
type RawCall struct {
	Name    string
	Args    map[string]any
	RawArgs string // verbatim argument text when it would not parse
}

// ParseRawToolCalls detects OpenAI-style tool-call arrays or single call
// objects in the reply. All array elements must look like calls; otherwise
// nothing is returned so the planner fallbacks proceed.
func ParseRawToolCalls(text string) []RawCall {
	cleaned := CleanJSONText(strings.TrimSpace(text))
	if cleaned == "" {
		return nil
	}

	candidates := []string{cleaned}
	if repaired := RepairToolCallJSON(cleaned); repaired != cleaned {
		candidates = append(candidates, repaired)
	}

	for _, cand := range candidates {
		if gjson.Valid(cand) {
			doc := gjson.Parse(cand)
			if calls := extractCalls(doc); calls != nil {
				return calls
			}
			// 数组里混入坏元素时整体拒绝，不许捞出第一个对象单独执行
			if doc.IsArray() {
				continue
			}
		}
		if arr, ok := firstJSONArray(cand); ok && gjson.Valid(arr) {
			if calls := extractCalls(gjson.Parse(arr)); calls != nil {
				return calls
			}
		}
		if block, ok := firstJSONBlock(cand); ok && gjson.Valid(block) {
			if calls := extractCalls(gjson.Parse(block)); calls != nil {
				return calls
			}
		}
	}
	return nil
}

func extractCalls(doc gjson.Result) []RawCall {
	if doc.IsArray() {
		var calls []RawCall
		complete := true
		doc.ForEach(func(_, el gjson.Result) bool {
			call, ok := extractOneCall(el)
			if !ok {
				complete = false
				return false
			}
			calls = append(calls, call)
			return true
		})
		if complete && len(calls) > 0 {
			return calls
		}
		return nil
	}
	if call, ok := extractOneCall(doc); ok {
		return []RawCall{call}
	}
	return nil
}

func extractOneCall(el gjson.Result) (RawCall, bool) {
	if !el.IsObject() {
		return RawCall{}, false
	}
	name := el.Get("function.name").String()
	if name == "" {
		name = el.Get("name").String()
	}
	if name == "" {
		return RawCall{}, false
	}
	// 规划 JSON 的 action 用 tool 字段，不算 raw call
	if el.Get("tool").Exists() {
		return RawCall{}, false
	}

	args := el.Get("function.arguments")
	if !args.Exists() {
		args = el.Get("arguments")
	}
	if !args.Exists() {
		args = el.Get("function.args")
	}
	if !args.Exists() {
		args = el.Get("args")
	}

	call := RawCall{Name: name}
	switch {
	case !args.Exists():
		call.Args = map[string]any{}
	case args.IsObject():
		if m, ok := decodeMap(args.Raw); ok {
			call.Args = m
		} else {
			call.RawArgs = args.Raw
		}
	case args.Type == gjson.String:
		if m, ok := ParseArgsText(args.String()); ok {
			call.Args = m
		} else {
			call.RawArgs = args.String()
		}
	default:
		call.RawArgs = args.Raw
	}
	return call, true
}

// ParseArgsText parses a tool-call arguments string: strict JSON first, then
// a cleaned retry, then the first balanced object inside the text. Empty
// input means "no arguments".
func ParseArgsText(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}, true
	}
	if m, ok := decodeMap(s); ok {
		return m, true
	}
	cleaned := NormalizeNewlinesInStrings(CleanJSONText(s))
	if m, ok := decodeMap(cleaned); ok {
		return m, true
	}
	if block, ok := firstJSONBlock(cleaned); ok {
		if m, ok := decodeMap(block); ok {
			return m, true
		}
	}
	return nil, false
}

func decodeMap(s string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, false
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, true
}
