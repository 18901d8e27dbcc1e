package planner

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/glmgate/glmgate/internal/domain/tool"
)

const (
	declRead  = `{"type":"function","function":{"name":"read","description":"Read a file","parameters":{"type":"object","properties":{"filePath":{"type":"string"}}}}}`
	declRun   = `{"type":"function","function":{"name":"run_shell","parameters":{"type":"object","properties":{"command":{"type":"string"}}}}}`
	declList  = `{"type":"function","function":{"name":"list_dir","parameters":{"type":"object","properties":{"pattern":{"type":"string"}}}}}`
	declFetch = `{"type":"function","function":{"name":"fetch","parameters":{"type":"object","properties":{"url":{"type":"string"},"timeout":{"type":"number"}}}}}`
)

func heuristicRegistry(decls ...string) *tool.Registry {
	raw := make([]json.RawMessage, 0, len(decls))
	for _, d := range decls {
		raw = append(raw, json.RawMessage(d))
	}
	return tool.Build(raw)
}

// === explicit % directives ===

func TestInferExplicit(t *testing.T) {
	reg := heuristicRegistry(declRead, declFetch, declList)

	tests := []struct {
		name     string
		text     string
		wantName string
		wantArgs map[string]any
	}{
		{
			name:     "json args",
			text:     `% read: {"filePath": "main.go"}`,
			wantName: "read",
			wantArgs: map[string]any{"filePath": "main.go"},
		},
		{
			name:     "key value pairs",
			text:     "% fetch: url=https://example.com timeout=5",
			wantName: "fetch",
			wantArgs: map[string]any{"url": "https://example.com", "timeout": "5"},
		},
		{
			name:     "bare value lands in url",
			text:     "% fetch: https://example.com/docs",
			wantName: "fetch",
			wantArgs: map[string]any{"url": "https://example.com/docs"},
		},
		{
			name:     "bare value lands in the single declared key",
			text:     "% read: notes.txt",
			wantName: "read",
			wantArgs: map[string]any{"filePath": "notes.txt"},
		},
		{
			name:     "alias resolves to declared name",
			text:     "% list",
			wantName: "list_dir",
			wantArgs: map[string]any{},
		},
		{
			name:     "unknown tool keeps its name",
			text:     "% frobnicate: deploy now",
			wantName: "frobnicate",
			wantArgs: map[string]any{"input": "deploy now"},
		},
		{
			name:     "directive inside larger text",
			text:     "please\n% read: notes.txt\nthanks",
			wantName: "read",
			wantArgs: map[string]any{"filePath": "notes.txt"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := InferExplicit(tt.text, reg)
			if call == nil {
				t.Fatal("expected a call")
			}
			if call.Name != tt.wantName {
				t.Errorf("name = %q, want %q", call.Name, tt.wantName)
			}
			if !reflect.DeepEqual(call.Args, tt.wantArgs) {
				t.Errorf("args = %v, want %v", call.Args, tt.wantArgs)
			}
		})
	}
}

func TestInferExplicit_NoDirective(t *testing.T) {
	reg := heuristicRegistry(declRead)
	for _, text := range []string{"read main.go", "100% sure", ""} {
		if call := InferExplicit(text, reg); call != nil {
			t.Errorf("InferExplicit(%q) = %+v, want nil", text, call)
		}
	}
}

// === free-text inference ===

func TestInferCall_ReadNamedFile(t *testing.T) {
	reg := heuristicRegistry(declRead)

	call := InferCall("read README.md", HeuristicDeps{Registry: reg})
	if call == nil {
		t.Fatal("expected a read call")
	}
	if call.Name != "read" {
		t.Errorf("name = %q", call.Name)
	}
	want := map[string]any{"filePath": "README.md"}
	if !reflect.DeepEqual(call.Args, want) {
		t.Errorf("args = %v, want %v", call.Args, want)
	}
}

func TestInferCall_ReadRefusesSensitivePaths(t *testing.T) {
	reg := heuristicRegistry(declRead)
	deps := HeuristicDeps{
		Registry:      reg,
		SensitivePath: func(p string) bool { return strings.HasSuffix(p, ".env") },
	}
	if call := InferCall("read secrets.env", deps); call != nil {
		t.Errorf("sensitive path must not infer a read, got %+v", call)
	}
	if call := InferCall("read notes.txt", deps); call == nil {
		t.Error("ordinary path must still infer a read")
	}
}

func TestInferCall_SearchIntentSuppressesRead(t *testing.T) {
	reg := heuristicRegistry(declRead, declRun)
	call := InferCall("find where Parse is defined and read parser.go", HeuristicDeps{Registry: reg})
	if call != nil {
		t.Errorf("search cue must win over the read verb, got %+v", call)
	}
}

func TestInferCall_SearchForIn(t *testing.T) {
	reg := heuristicRegistry(declRun)

	tests := []struct {
		name    string
		text    string
		wantCmd string
	}{
		{"plain query", "search for timeout in config/", "rg -n timeout config/"},
		{"quoted query", `search for "max retries" in src`, "rg -n 'max retries' src"},
		{"grep command", "grep TODO internal", "grep -rn TODO internal"},
		{"rg command", `rg "fixme" pkg`, "rg -n fixme pkg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := InferCall(tt.text, HeuristicDeps{Registry: reg})
			if call == nil {
				t.Fatal("expected a shell call")
			}
			if call.Name != "run_shell" {
				t.Errorf("name = %q", call.Name)
			}
			if got := call.Args["command"]; got != tt.wantCmd {
				t.Errorf("command = %v, want %q", got, tt.wantCmd)
			}
		})
	}
}

func TestInferCall_List(t *testing.T) {
	reg := heuristicRegistry(declList)

	tests := []struct {
		name        string
		text        string
		wantPattern string
	}{
		{"scoped to a directory", "list files in src", "src/**/*"},
		{"no directory", "list everything here", "**/*"},
		{"stopword ignored", "list files in the repo", "**/*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := InferCall(tt.text, HeuristicDeps{Registry: reg})
			if call == nil {
				t.Fatal("expected a list call")
			}
			if call.Name != "list_dir" {
				t.Errorf("name = %q", call.Name)
			}
			if got := call.Args["pattern"]; got != tt.wantPattern {
				t.Errorf("pattern = %v, want %q", got, tt.wantPattern)
			}
		})
	}
}

func TestInferCall_ListFallsBackToPathKey(t *testing.T) {
	decl := `{"type":"function","function":{"name":"list_dir","parameters":{"type":"object","properties":{"path":{"type":"string"}}}}}`
	reg := heuristicRegistry(decl)

	call := InferCall("list files in src", HeuristicDeps{Registry: reg})
	if call == nil {
		t.Fatal("expected a list call")
	}
	if got := call.Args["path"]; got != "src/**/*" {
		t.Errorf("path = %v, want src/**/*", got)
	}
}

func TestInferCall_NothingFires(t *testing.T) {
	reg := heuristicRegistry(declRead, declRun, declList)

	tests := []struct {
		name string
		text string
	}{
		{"no file token", "read the documentation please"},
		{"plain question", "what does the scheduler do?"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if call := InferCall(tt.text, HeuristicDeps{Registry: reg}); call != nil {
				t.Errorf("expected nil, got %+v", call)
			}
		})
	}
}

func TestInferCall_NilRegistry(t *testing.T) {
	if call := InferCall("read README.md", HeuristicDeps{}); call != nil {
		t.Errorf("expected nil without a registry, got %+v", call)
	}
}

// === system prompt ===

func TestBuildSystemPrompt(t *testing.T) {
	reg := heuristicRegistry(declRead, declRun)

	prompt := BuildSystemPrompt(reg, PromptOptions{Workspace: "/srv/project"})
	for _, want := range []string{
		"read: Read a file (args: filePath)",
		"run_shell",
		"workspace: /srv/project",
		"exactly one JSON object",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "Tool parameter schemas") {
		t.Error("schemas must be omitted unless requested")
	}
}

func TestBuildSystemPrompt_SchemaBlock(t *testing.T) {
	reg := heuristicRegistry(declRead)

	prompt := BuildSystemPrompt(reg, PromptOptions{IncludeSchema: true})
	if !strings.Contains(prompt, "Tool parameter schemas") {
		t.Fatal("schema block missing")
	}
	if !strings.Contains(prompt, `"filePath"`) {
		t.Error("declared parameter schema missing")
	}

	capped := BuildSystemPrompt(reg, PromptOptions{IncludeSchema: true, SchemaMaxChars: 10})
	if !strings.Contains(capped, "…(truncated)") {
		t.Error("oversized schema block must be truncated")
	}
}

func TestBuildSystemPrompt_ExtraSystemCapped(t *testing.T) {
	reg := heuristicRegistry(declRead)
	extra := strings.Repeat("x", 50)

	prompt := BuildSystemPrompt(reg, PromptOptions{ExtraSystem: extra, ExtraSystemMaxChars: 10})
	if strings.Contains(prompt, extra) {
		t.Error("extra system text must be capped")
	}
	if !strings.Contains(prompt, strings.Repeat("x", 10)+"…") {
		t.Error("capped extra text missing")
	}
}

func TestRetryDirective(t *testing.T) {
	first := RetryDirective(1)
	second := RetryDirective(2)
	if first == second {
		t.Error("later attempts must escalate")
	}
	if !strings.Contains(second, "STRICT MODE") {
		t.Errorf("second directive = %q", second)
	}
}
