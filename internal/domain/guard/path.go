package guard

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/glmgate/glmgate/internal/domain/tool"
)

// 带路径参数的工具名前缀
var pathToolPrefixes = []string{
	"read", "write", "edit", "patch", "applypatch", "list",
	"open", "save", "create", "delete", "remove", "mkdir",
	"move", "mv", "cat",
}

func takesPath(name string) bool {
	norm := tool.Normalize(name)
	for _, p := range pathToolPrefixes {
		if strings.HasPrefix(norm, p) {
			return true
		}
	}
	return false
}

func resolveRoots(roots []string) []string {
	if len(roots) == 0 {
		if cwd, err := os.Getwd(); err == nil {
			roots = []string{cwd}
		}
	}
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		out = append(out, abs)
	}
	return out
}

// checkPathArgs validates and canonicalizes the path argument of file tools.
// Absolute paths inside a workspace root are rewritten to root-relative form.
func (g *Guard) checkPathArgs(call *Call) Outcome {
	if !takesPath(call.Info.Name) {
		return Outcome{Verdict: VerdictOK}
	}

	key := pathKey(call)
	if key == "" {
		// list 工具可以只带 pattern
		if tool.Normalize(call.Info.Name) == "list" || strings.HasPrefix(tool.Normalize(call.Info.Name), "list") {
			return Outcome{Verdict: VerdictOK}
		}
		return block("missing_path", "no path argument present")
	}

	raw, ok := call.Args[key].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return block("missing_path", "path argument is empty")
	}

	if strings.ContainsRune(raw, '\x00') {
		return block("path_outside_workspace", "path contains a NUL byte")
	}
	if strings.HasPrefix(raw, "~") {
		return block("path_outside_workspace", "home-relative paths are not allowed")
	}
	if hasDotDot(raw) {
		return block("path_outside_workspace", "path traversal is not allowed")
	}

	rewritten, inside := g.canonicalize(raw)
	if !inside {
		return block("path_outside_workspace", "path resolves outside every workspace root: "+raw)
	}
	if IsSensitivePath(raw) || IsSensitivePath(rewritten) {
		return block("sensitive_path", "path matches a protected pattern: "+raw)
	}

	call.Args[key] = rewritten
	return Outcome{Verdict: VerdictOK}
}

// pathKey finds the argument carrying the path, preferring declared keys.
func pathKey(call *Call) string {
	for _, declared := range call.Info.ArgKeys {
		switch tool.Normalize(declared) {
		case "path", "filepath", "filename", "file", "target", "source":
			if _, ok := call.Args[declared]; ok {
				return declared
			}
		}
	}
	for _, k := range []string{"path", "filePath", "file_path", "filename", "file"} {
		if _, ok := call.Args[k]; ok {
			return k
		}
	}
	return ""
}

// canonicalize resolves a path against the workspace roots. Relative paths
// are anchored at the first root; absolute paths must land under some root
// and come back root-relative.
func (g *Guard) canonicalize(raw string) (string, bool) {
	cleaned := filepath.Clean(raw)

	if !filepath.IsAbs(cleaned) {
		if strings.HasPrefix(cleaned, "..") {
			return "", false
		}
		return filepath.ToSlash(cleaned), true
	}

	resolved := cleaned
	if r, err := filepath.EvalSymlinks(cleaned); err == nil {
		resolved = r
	}
	for _, root := range g.roots {
		if rel, ok := relativeTo(root, resolved); ok {
			return filepath.ToSlash(rel), true
		}
		if rel, ok := relativeTo(root, cleaned); ok {
			return filepath.ToSlash(rel), true
		}
	}
	return "", false
}

func relativeTo(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		rel = ""
	}
	return rel, true
}

func hasDotDot(path string) bool {
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

// 敏感路径成分：证书、密钥、凭据、环境文件
var sensitiveExact = map[string]bool{
	".ssh":    true,
	".git":    true,
	".npmrc":  true,
	".pypirc": true,
	".netrc":  true,
}

var sensitivePrefixes = []string{".env", "id_rsa", "id_ed25519", "cred"}

// IsSensitivePath reports whether any path component matches a protected
// pattern. Components containing "key" are treated as protected wholesale.
func IsSensitivePath(path string) bool {
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		lower := strings.ToLower(part)
		if sensitiveExact[lower] {
			return true
		}
		for _, p := range sensitivePrefixes {
			if strings.HasPrefix(lower, p) {
				return true
			}
		}
		if strings.Contains(lower, "key") {
			return true
		}
	}
	return false
}

// === glob safety ===

// checkGlobArgs validates pattern arguments: workspace-relative only.
func (g *Guard) checkGlobArgs(call *Call) Outcome {
	for k, v := range call.Args {
		norm := tool.Normalize(k)
		if norm != "pattern" && norm != "glob" {
			continue
		}
		pattern, ok := v.(string)
		if !ok || pattern == "" {
			continue
		}
		if !globSafe(pattern) {
			return block("path_outside_workspace", "glob pattern escapes the workspace: "+pattern)
		}
	}
	return Outcome{Verdict: VerdictOK}
}

func globSafe(pattern string) bool {
	if strings.HasPrefix(pattern, "/") || strings.HasPrefix(pattern, "~") {
		return false
	}
	if strings.HasPrefix(pattern, "//") || strings.HasPrefix(pattern, "\\\\") {
		return false
	}
	// Windows 盘符
	if len(pattern) >= 2 && pattern[1] == ':' {
		return false
	}
	if hasDotDot(pattern) {
		return false
	}
	return true
}

// === write bounds ===

var writeContentKeys = []string{"content", "contents", "text", "data", "body"}

func (g *Guard) checkWriteBounds(call *Call) Outcome {
	norm := tool.Normalize(call.Info.Name)
	isWrite := strings.HasPrefix(norm, "write") || strings.HasPrefix(norm, "save") || strings.HasPrefix(norm, "create")
	if !isWrite {
		return Outcome{Verdict: VerdictOK}
	}

	key := ""
	for _, declared := range call.Info.ArgKeys {
		for _, cand := range writeContentKeys {
			if tool.Normalize(declared) == cand {
				key = declared
				break
			}
		}
		if key != "" {
			break
		}
	}
	if key == "" {
		for _, cand := range writeContentKeys {
			if _, ok := call.Args[cand]; ok {
				key = cand
				break
			}
		}
	}
	if key == "" {
		return block("missing_content", "write call carries no content argument")
	}

	v, present := call.Args[key]
	if !present || v == nil {
		return block("missing_content", "write call carries no content argument")
	}
	content, ok := v.(string)
	if !ok {
		return block("invalid_content_type", "content must be a string")
	}
	if content == "" {
		return block("missing_content", "content is empty")
	}
	if len(content) > g.cfg.MaxWriteChars {
		return confirm("content_too_large", "content exceeds the write size bound")
	}
	return Outcome{Verdict: VerdictOK}
}
