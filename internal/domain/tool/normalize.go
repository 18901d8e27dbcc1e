package tool

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// 同义词组：调用方参数名与声明参数名跨组互认
var synonymGroups = [][]string{
	{"path", "filepath", "filename", "file"},
	{"command", "cmd"},
}

// 模型常给 shell 工具附带的元数据键，未声明时直接丢弃
var shellMetadataKeys = map[string]bool{
	"description": true,
	"workdir":     true,
	"cwd":         true,
	"directory":   true,
	"timeout":     true,
	"shell":       true,
	"tty":         true,
	"login":       true,
}

// NormalizeArgs maps caller argument keys onto the declared parameter set:
// exact normalized key first, then synonym groups. Unknown keys pass through
// so the guard can flag them. Tools with no declared schema pass unchanged.
func NormalizeArgs(info *Info, args map[string]any) map[string]any {
	if info == nil || len(info.ArgKeys) == 0 || args == nil {
		return args
	}

	declared := make(map[string]string, len(info.ArgKeys)) // normalized → declared
	for _, k := range info.ArgKeys {
		declared[Normalize(k)] = k
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		norm := Normalize(k)
		if real, ok := declared[norm]; ok {
			out[real] = v
			continue
		}
		if real, ok := synonymTarget(norm, declared); ok {
			if _, taken := out[real]; !taken {
				out[real] = v
				continue
			}
		}
		out[k] = v
	}

	if info.IsShell() {
		shapeShellArgs(out, declared)
	}
	if info.HasName("webfetch") {
		shapeWebfetchArgs(out, declared)
	}
	if info.HasName("todowrite") {
		shapeTodoArgs(out)
	}
	return out
}

// synonymTarget finds a declared key sharing a synonym group with norm.
func synonymTarget(norm string, declared map[string]string) (string, bool) {
	for _, group := range synonymGroups {
		inGroup := false
		for _, member := range group {
			if Normalize(member) == norm {
				inGroup = true
				break
			}
		}
		if !inGroup {
			continue
		}
		for _, member := range group {
			if real, ok := declared[Normalize(member)]; ok {
				return real, true
			}
		}
	}
	return "", false
}

func shapeShellArgs(args map[string]any, declared map[string]string) {
	for k := range args {
		if shellMetadataKeys[strings.ToLower(k)] {
			if _, isDeclared := declared[Normalize(k)]; !isDeclared {
				delete(args, k)
			}
		}
	}
	// 声明了 description 而模型没给时补一个
	if real, ok := declared["description"]; ok {
		if _, present := args[real]; !present {
			if cmd, ok := commandText(args); ok {
				args[real] = "run shell command: " + cmd
			}
		}
	}
}

func commandText(args map[string]any) (string, bool) {
	for _, key := range []string{"command", "cmd"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func shapeWebfetchArgs(args map[string]any, declared map[string]string) {
	key := "format"
	if real, ok := declared["format"]; ok {
		key = real
	}
	format, _ := args[key].(string)
	switch strings.ToLower(format) {
	case "text", "markdown", "html":
		args[key] = strings.ToLower(format)
	default:
		args[key] = "text"
	}
}

// shapeTodoArgs materializes each todo with the full field set downstream
// agents expect, defaulting status/priority and deriving ids from content.
func shapeTodoArgs(args map[string]any) {
	todos, ok := args["todos"].([]any)
	if !ok {
		return
	}
	for i, entry := range todos {
		todo, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		content := firstString(todo, "content", "text", "title", "description")
		if content == "" {
			content = fmt.Sprintf("todo %d", i+1)
		}
		todo["content"] = content
		if _, ok := todo["text"].(string); !ok {
			todo["text"] = content
		}
		if _, ok := todo["title"].(string); !ok {
			todo["title"] = content
		}
		if _, ok := todo["id"].(string); !ok {
			todo["id"] = contentID(content)
		}
		if _, ok := todo["status"].(string); !ok {
			todo["status"] = "todo"
		}
		if _, ok := todo["priority"].(string); !ok {
			todo["priority"] = "medium"
		}
		todos[i] = todo
	}
	args["todos"] = todos
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func contentID(content string) string {
	h := fnv.New32a()
	h.Write([]byte(content))
	return fmt.Sprintf("todo-%08x", h.Sum32())
}
