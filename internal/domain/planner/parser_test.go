package planner

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

// === ParseOutput ===

func TestParseOutput_StrictJSON(t *testing.T) {
	text := `{"plan":["inspect the file"],"actions":[{"tool":"read_file","args":{"path":"main.go"},"why":"user asked","expect":"file contents","safety":{"risk":"HIGH","notes":"none"}}],"thought":"look first"}`

	out, err := ParseOutput(text, false)
	if err != nil {
		t.Fatalf("ParseOutput failed: %v", err)
	}
	if !reflect.DeepEqual(out.Plan, []string{"inspect the file"}) {
		t.Errorf("plan = %v", out.Plan)
	}
	if len(out.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(out.Actions))
	}
	a := out.Actions[0]
	if a.Tool != "read_file" {
		t.Errorf("tool = %q", a.Tool)
	}
	if got := a.Args["path"]; got != "main.go" {
		t.Errorf("args.path = %v", got)
	}
	if a.Why != "user asked" || a.Expect != "file contents" {
		t.Errorf("why/expect = %q/%q", a.Why, a.Expect)
	}
	if a.Safety.Risk != "high" {
		t.Errorf("risk must be lowercased, got %q", a.Safety.Risk)
	}
	if a.Safety.Notes != "none" {
		t.Errorf("notes = %q", a.Safety.Notes)
	}
	if out.Thought != "look first" {
		t.Errorf("thought = %q", out.Thought)
	}
	if !out.HasAction() {
		t.Error("HasAction must be true")
	}
}

func TestParseOutput_FinalClearedWhenActionsPresent(t *testing.T) {
	text := `{"plan":["p"],"actions":[{"tool":"read","args":{"path":"a"}}],"final":"premature answer"}`

	out, err := ParseOutput(text, false)
	if err != nil {
		t.Fatalf("ParseOutput failed: %v", err)
	}
	if len(out.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(out.Actions))
	}
	if out.Final != "" {
		t.Errorf("final must be dropped when actions exist, got %q", out.Final)
	}
}

func TestParseOutput_PlanStringCoerced(t *testing.T) {
	out, err := ParseOutput(`{"plan":"single step","actions":[],"final":"done"}`, false)
	if err != nil {
		t.Fatalf("ParseOutput failed: %v", err)
	}
	if !reflect.DeepEqual(out.Plan, []string{"single step"}) {
		t.Errorf("plan = %v", out.Plan)
	}
	if out.HasAction() {
		t.Error("no actions expected")
	}
	if out.Final != "done" {
		t.Errorf("final = %q", out.Final)
	}
}

func TestParseOutput_ArgsStringCoerced(t *testing.T) {
	text := `{"plan":[],"actions":[{"tool":"write","args":"{\"path\":\"out.txt\",\"content\":\"hi\"}"}]}`

	out, err := ParseOutput(text, false)
	if err != nil {
		t.Fatalf("ParseOutput failed: %v", err)
	}
	a := out.Actions[0]
	if got := a.Args["path"]; got != "out.txt" {
		t.Errorf("args.path = %v", got)
	}
	if got := a.Args["content"]; got != "hi" {
		t.Errorf("args.content = %v", got)
	}
	if a.RawArgs != "" {
		t.Errorf("RawArgs must be empty for parseable args, got %q", a.RawArgs)
	}
	if a.Safety.Risk != "low" {
		t.Errorf("risk must default to low, got %q", a.Safety.Risk)
	}
}

func TestParseOutput_UnparseableArgsKeptRaw(t *testing.T) {
	text := `{"plan":[],"actions":[{"tool":"run","args":"echo hello | tee"}]}`

	out, err := ParseOutput(text, false)
	if err != nil {
		t.Fatalf("ParseOutput failed: %v", err)
	}
	a := out.Actions[0]
	if a.Args != nil {
		t.Errorf("args must stay nil, got %v", a.Args)
	}
	if a.RawArgs != "echo hello | tee" {
		t.Errorf("RawArgs = %q", a.RawArgs)
	}
}

func TestParseOutput_FencedWithComments(t *testing.T) {
	text := "```json\n{\n  \"plan\": [\"think\"], // keep it short\n  \"actions\": [],\n  \"final\": \"done\",\n}\n```"

	out, err := ParseOutput(text, false)
	if err != nil {
		t.Fatalf("ParseOutput failed: %v", err)
	}
	if out.Final != "done" {
		t.Errorf("final = %q", out.Final)
	}
}

func TestParseOutput_ProseAroundObject(t *testing.T) {
	text := "Here is my plan:\n{\"plan\":[\"answer\"],\"actions\":[],\"final\":\"42\"}\nThat is all."

	out, err := ParseOutput(text, false)
	if err != nil {
		t.Fatalf("ParseOutput failed: %v", err)
	}
	if out.Final != "42" {
		t.Errorf("final = %q", out.Final)
	}
}

// The first balanced object is arbitrary JSON; the planner object after it
// must still be found.
func TestParseOutput_LaterObjectWins(t *testing.T) {
	text := `The config {"foo": 1} is not what you want. {"plan":["answer"],"actions":[],"final":"later object"}`

	out, err := ParseOutput(text, false)
	if err != nil {
		t.Fatalf("ParseOutput failed: %v", err)
	}
	if out.Final != "later object" {
		t.Errorf("final = %q", out.Final)
	}
}

func TestParseOutput_ProseCoercion(t *testing.T) {
	out, err := ParseOutput("The answer is 42.", true)
	if err != nil {
		t.Fatalf("ParseOutput with coercion failed: %v", err)
	}
	if out.HasAction() {
		t.Error("prose output must carry no actions")
	}
	if out.Final != "The answer is 42." {
		t.Errorf("final = %q", out.Final)
	}

	if _, err := ParseOutput("The answer is 42.", false); !errors.Is(err, ErrNoPlannerJSON) {
		t.Errorf("expected ErrNoPlannerJSON, got %v", err)
	}
}

func TestParseOutput_EmptyInput(t *testing.T) {
	for _, in := range []string{"", "   \n\t"} {
		if _, err := ParseOutput(in, true); !errors.Is(err, ErrNoPlannerJSON) {
			t.Errorf("ParseOutput(%q) err = %v, want ErrNoPlannerJSON", in, err)
		}
	}
}

func TestParseOutput_NonPlannerObjectRejected(t *testing.T) {
	if _, err := ParseOutput(`{"temperature": 0.7, "model": "glm"}`, false); !errors.Is(err, ErrNoPlannerJSON) {
		t.Errorf("arbitrary JSON must not parse as planner output, got err = %v", err)
	}
}

// Serializing a parsed output and parsing it again must yield an equal value.
func TestParseOutput_RoundTrip(t *testing.T) {
	orig := &Output{
		Plan: []string{"read the file", "answer"},
		Actions: []Action{{
			Tool:   "read_file",
			Args:   map[string]any{"path": "docs/notes.txt"},
			Why:    "need contents",
			Expect: "file text",
			Safety: Safety{Risk: "low"},
		}},
		Thought: "start by reading",
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	back, err := ParseOutput(string(data), false)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if !reflect.DeepEqual(orig, back) {
		t.Errorf("round trip mismatch:\n orig %+v\n back %+v", orig, back)
	}
}

// === repair helpers ===

func TestCleanJSONText_Idempotent(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"fenced", "```json\n{\"a\": 1}\n```"},
		{"line comment", "{\"a\": 1 // note\n}"},
		{"block comment", "{\"a\": /* why */ 1}"},
		{"trailing commas", "{\"a\": [1, 2,], \"b\": 3,}"},
		{"already clean", `{"a": 1, "b": [2]}`},
		{"slashes inside string", `{"url": "http://example.com/a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := CleanJSONText(tt.in)
			twice := CleanJSONText(once)
			if once != twice {
				t.Errorf("not idempotent:\n once  %q\n twice %q", once, twice)
			}
			if !json.Valid([]byte(once)) {
				t.Errorf("cleaned text is not valid JSON: %q", once)
			}
		})
	}
}

func TestCleanJSONText_KeepsStringContents(t *testing.T) {
	in := `{"url": "http://example.com", "note": "a, b,"}`
	if got := CleanJSONText(in); got != in {
		t.Errorf("string contents must survive cleaning:\n in  %q\n got %q", in, got)
	}
}

func TestNormalizeNewlinesInStrings(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"raw newline", "{\"text\": \"line1\nline2\"}", `{"text": "line1\nline2"}`},
		{"crlf collapsed", "{\"text\": \"a\r\nb\"}", `{"text": "a\nb"}`},
		{"raw tab", "{\"text\": \"a\tb\"}", `{"text": "a\tb"}`},
		{"outside strings untouched", "{\n\"a\": \"b\"\n}", "{\n\"a\": \"b\"\n}"},
		{"already escaped", `{"text": "a\nb"}`, `{"text": "a\nb"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeNewlinesInStrings(tt.in)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if again := NormalizeNewlinesInStrings(got); again != got {
				t.Errorf("not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestRepairToolCallJSON(t *testing.T) {
	broken := `{"function": {"name": "write", "arguments": "{"path": "a.txt"}"}}`
	repaired := RepairToolCallJSON(broken)
	if !json.Valid([]byte(repaired)) {
		t.Fatalf("repair did not produce valid JSON: %q", repaired)
	}
	if again := RepairToolCallJSON(repaired); again != repaired {
		t.Errorf("not idempotent: %q -> %q", repaired, again)
	}

	escaped := `{"function": {"name": "write", "arguments": "{\"path\": \"a.txt\"}"}}`
	if got := RepairToolCallJSON(escaped); got != escaped {
		t.Errorf("properly escaped payload must be left alone:\n in  %q\n got %q", escaped, got)
	}
}

// === raw tool-call arrays ===

func TestParseRawToolCalls_OpenAIArray(t *testing.T) {
	text := `[
		{"function": {"name": "read_file", "arguments": "{\"path\": \"a.txt\"}"}},
		{"function": {"name": "bash", "arguments": {"command": "ls"}}}
	]`

	calls := ParseRawToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].Args["path"] != "a.txt" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].Name != "bash" || calls[1].Args["command"] != "ls" {
		t.Errorf("call 1 = %+v", calls[1])
	}
}

func TestParseRawToolCalls_SingleObject(t *testing.T) {
	calls := ParseRawToolCalls(`{"name": "list_dir", "args": {"pattern": "**/*"}}`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "list_dir" || calls[0].Args["pattern"] != "**/*" {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestParseRawToolCalls_FencedArray(t *testing.T) {
	text := "```json\n[{\"name\": \"read\", \"arguments\": {\"path\": \"x\"}}]\n```"
	calls := ParseRawToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "read" || calls[0].Args["path"] != "x" {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestParseRawToolCalls_MissingArgsMeansEmpty(t *testing.T) {
	calls := ParseRawToolCalls(`{"name": "whoami"}`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Args == nil || len(calls[0].Args) != 0 {
		t.Errorf("args must be an empty map, got %v", calls[0].Args)
	}
}

func TestParseRawToolCalls_UnparseableArgsKeptRaw(t *testing.T) {
	calls := ParseRawToolCalls(`[{"name": "write", "arguments": "not json at all"}]`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Args != nil {
		t.Errorf("args must stay nil, got %v", calls[0].Args)
	}
	if calls[0].RawArgs != "not json at all" {
		t.Errorf("RawArgs = %q", calls[0].RawArgs)
	}
}

func TestParseRawToolCalls_RejectsPlannerShapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"planner actions array", `[{"tool": "read", "args": {"path": "x"}}]`},
		{"full planner object", `{"plan":["x"],"actions":[{"tool":"read","args":{}}]}`},
		{"mixed array", `[{"name": "read", "args": {}}, {"note": "no name"}]`},
		{"plain prose", "I will read the file now."},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if calls := ParseRawToolCalls(tt.in); calls != nil {
				t.Errorf("expected nil, got %+v", calls)
			}
		})
	}
}

// === ParseArgsText ===

func TestParseArgsText(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   map[string]any
		wantOK bool
	}{
		{"empty means no args", "", map[string]any{}, true},
		{"strict", `{"a": "b"}`, map[string]any{"a": "b"}, true},
		{"trailing comma", `{"a": "b",}`, map[string]any{"a": "b"}, true},
		{"raw newline in string", "{\"a\": \"x\ny\"}", map[string]any{"a": "x\ny"}, true},
		{"prose around object", `args are {"a": "b"} here`, map[string]any{"a": "b"}, true},
		{"garbage", "run it twice", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseArgsText(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantOK && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
