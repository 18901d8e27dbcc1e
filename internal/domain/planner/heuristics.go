package planner

import (
	"regexp"
	"strings"

	"github.com/glmgate/glmgate/internal/domain/tool"
)

// HeuristicDeps carries the request-scoped collaborators inference needs.
type HeuristicDeps struct {
	Registry      *tool.Registry
	SensitivePath func(string) bool // paths the read heuristic must refuse
}

var (
	reExplicit  = regexp.MustCompile(`(?m)^\s*%\s*([A-Za-z][\w-]*)\s*(?::\s*(.*\S))?\s*$`)
	reReadVerb  = regexp.MustCompile(`(?i)\b(read|open|show|cat|print|display)\b`)
	reSearchCue = regexp.MustCompile(`(?i)\b(search|find)\b`)
	reListVerb  = regexp.MustCompile(`(?i)\b(list|ls)\b`)
	reFileToken = regexp.MustCompile(`[A-Za-z0-9_][A-Za-z0-9_./\-]*\.[A-Za-z0-9]{1,8}\b`)
	reDirAfter  = regexp.MustCompile(`(?i)\b(?:in|of|under|inside)\s+([A-Za-z0-9_./\-]+)`)

	reSearchForIn = regexp.MustCompile(`(?i)\bsearch\s+for\s+(.+?)\s+in\s+(\S+)`)
	reGrepCmd     = regexp.MustCompile(`(?i)\b(rg|ripgrep|grep)\s+("[^"]+"|'[^']+'|\S+)(?:\s+([A-Za-z0-9_./\-]+))?`)
)

// InferExplicit recognizes `% tool: rest` directive lines. The rest is tried
// as JSON, then as key=value pairs, then dropped into a best-guess arg key.
func InferExplicit(text string, reg *tool.Registry) *RawCall {
	m := reExplicit.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	name, rest := m[1], strings.TrimSpace(m[2])

	var info *tool.Info
	if reg != nil {
		info = reg.Lookup(name)
	}
	if info != nil {
		name = info.Name
	}

	return &RawCall{Name: name, Args: explicitArgs(rest, info)}
}

func explicitArgs(rest string, info *tool.Info) map[string]any {
	if rest == "" {
		return map[string]any{}
	}
	if strings.HasPrefix(rest, "{") {
		if args, ok := ParseArgsText(rest); ok {
			return args
		}
	}
	if args, ok := keyValueArgs(rest); ok {
		return args
	}
	return map[string]any{bestGuessKey(info): rest}
}

func keyValueArgs(rest string) (map[string]any, bool) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, false
	}
	args := make(map[string]any, len(fields))
	for _, f := range fields {
		eq := strings.IndexByte(f, '=')
		if eq <= 0 {
			return nil, false
		}
		key := f[:eq]
		val := strings.Trim(f[eq+1:], `"'`)
		args[key] = val
	}
	return args, true
}

// 裸值落入的参数名，按常见程度排列
var guessKeys = []string{"url", "path", "query", "input", "text", "command", "pattern"}

func bestGuessKey(info *tool.Info) string {
	if info != nil {
		for _, guess := range guessKeys {
			for _, declared := range info.ArgKeys {
				if tool.Normalize(declared) == guess {
					return declared
				}
			}
		}
		if len(info.ArgKeys) == 1 {
			return info.ArgKeys[0]
		}
	}
	return "input"
}

// InferCall inspects free text for an obvious single tool intent: reading a
// named file, listing a directory, or grepping. Returns nil when nothing
// fires; the planner flow proceeds as usual.
func InferCall(text string, deps HeuristicDeps) *RawCall {
	if deps.Registry == nil {
		return nil
	}
	if call := inferRead(text, deps); call != nil {
		return call
	}
	if call := inferList(text, deps.Registry); call != nil {
		return call
	}
	return inferSearch(text, deps.Registry)
}

func inferRead(text string, deps HeuristicDeps) *RawCall {
	if !reReadVerb.MatchString(text) {
		return nil
	}
	// 搜索意图优先于读取
	if reSearchCue.MatchString(text) && deps.Registry.Lookup("run") != nil {
		return nil
	}
	file := reFileToken.FindString(text)
	if file == "" {
		return nil
	}
	if deps.SensitivePath != nil && deps.SensitivePath(file) {
		return nil
	}
	info := deps.Registry.Lookup("read")
	if info == nil {
		return nil
	}
	return &RawCall{Name: info.Name, Args: map[string]any{pathArgKey(info): file}}
}

var listStopwords = map[string]bool{
	"the": true, "this": true, "that": true, "a": true,
	"current": true, "my": true, "all": true,
}

func inferList(text string, reg *tool.Registry) *RawCall {
	if !reListVerb.MatchString(text) {
		return nil
	}
	info := reg.Lookup("list")
	if info == nil {
		return nil
	}

	pattern := "**/*"
	if m := reDirAfter.FindStringSubmatch(text); m != nil {
		dir := strings.TrimRight(m[1], "/.")
		if dir != "" && !listStopwords[strings.ToLower(dir)] {
			pattern = dir + "/**/*"
		}
	}

	key := "pattern"
	for _, declared := range info.ArgKeys {
		norm := tool.Normalize(declared)
		if norm == "pattern" || norm == "glob" {
			key = declared
			break
		}
	}
	if key == "pattern" && len(info.ArgKeys) > 0 && !declaresKey(info, "pattern") && !declaresKey(info, "glob") {
		key = pathArgKey(info)
	}
	return &RawCall{Name: info.Name, Args: map[string]any{key: pattern}}
}

func inferSearch(text string, reg *tool.Registry) *RawCall {
	info := reg.Lookup("run")
	if info == nil {
		return nil
	}

	var command string
	if m := reSearchForIn.FindStringSubmatch(text); m != nil {
		query := strings.Trim(strings.TrimSpace(m[1]), `"'`)
		where := strings.Trim(m[2], `"'`)
		command = "rg -n " + shellQuote(query) + " " + shellQuote(where)
	} else if m := reGrepCmd.FindStringSubmatch(text); m != nil {
		bin := strings.ToLower(m[1])
		query := strings.Trim(m[2], `"'`)
		prog := "rg -n"
		if bin == "grep" {
			prog = "grep -rn"
		}
		command = prog + " " + shellQuote(query)
		if m[3] != "" {
			command += " " + shellQuote(m[3])
		}
	} else {
		return nil
	}

	key := "command"
	for _, declared := range info.ArgKeys {
		norm := tool.Normalize(declared)
		if norm == "command" || norm == "cmd" {
			key = declared
			break
		}
	}
	return &RawCall{Name: info.Name, Args: map[string]any{key: command}}
}

func declaresKey(info *tool.Info, norm string) bool {
	for _, declared := range info.ArgKeys {
		if tool.Normalize(declared) == norm {
			return true
		}
	}
	return false
}

func pathArgKey(info *tool.Info) string {
	for _, declared := range info.ArgKeys {
		switch tool.Normalize(declared) {
		case "path", "filepath", "filename", "file":
			return declared
		}
	}
	if len(info.ArgKeys) > 0 {
		return info.ArgKeys[0]
	}
	return "path"
}

var reShellSafe = regexp.MustCompile(`^[A-Za-z0-9_./:=\-]+$`)

func shellQuote(s string) string {
	if reShellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
