package guard

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/glmgate/glmgate/internal/domain/tool"
)

// commandKey locates the shell-command argument.
func commandKey(call *Call) string {
	for _, declared := range call.Info.ArgKeys {
		switch tool.Normalize(declared) {
		case "command", "cmd":
			if _, ok := call.Args[declared]; ok {
				return declared
			}
		}
	}
	for _, k := range []string{"command", "cmd"} {
		if _, ok := call.Args[k]; ok {
			return k
		}
	}
	return ""
}

func commandText(call *Call) string {
	key := commandKey(call)
	if key == "" {
		return ""
	}
	s, _ := call.Args[key].(string)
	return strings.TrimSpace(s)
}

func firstToken(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

func isSearchCommand(call *Call) bool {
	if !call.Info.IsShell() || call.Args == nil {
		return false
	}
	switch firstToken(commandText(call)) {
	case "rg", "ripgrep", "grep":
		return true
	}
	return false
}

// rewriteWorkdir canonicalizes the workdir argument. Invalid or
// non-existent directories are dropped without failing the call.
func (g *Guard) rewriteWorkdir(call *Call) {
	for _, k := range []string{"workdir", "cwd", "directory"} {
		v, ok := call.Args[k]
		if !ok {
			continue
		}
		dir, ok := v.(string)
		if !ok || strings.TrimSpace(dir) == "" || hasDotDot(dir) {
			delete(call.Args, k)
			continue
		}
		if !filepath.IsAbs(dir) && len(g.roots) > 0 {
			dir = filepath.Join(g.roots[0], dir)
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			delete(call.Args, k)
			continue
		}
		inside := false
		for _, root := range g.roots {
			if _, ok := relativeTo(root, dir); ok {
				inside = true
				break
			}
		}
		if !inside {
			delete(call.Args, k)
			continue
		}
		call.Args[k] = dir
	}
}

// 危险命令模式：整串匹配，与首词白名单无关
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`),
	regexp.MustCompile(`(?i)\brm\s+-rf?\s+[/~]`),
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`(?i)\b(curl|wget)\b[^|&;]*\|\s*(ba|z|da)?sh\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:`),
	regexp.MustCompile(`(?i)^\s*sudo\b`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)?0?777\s+/`),
	regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`(?i)\bkill\s+-9\s+1\b`),
}

// 联网命令模式
var networkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(curl|wget|nc|ncat|netcat|ssh|scp|sftp|ftp|telnet|rsync)\b`),
	regexp.MustCompile(`(?i)\b(pip3?|npm|yarn|pnpm|gem|cargo)\s+(install|add|upgrade|update)\b`),
	regexp.MustCompile(`(?i)\bgit\s+(clone|fetch|pull|push)\b`),
	regexp.MustCompile(`(?i)\bgo\s+(get|install)\s`),
}

// 首词白名单：只读或构建类命令
var allowedCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"grep": true, "rg": true, "ripgrep": true, "find": true, "fd": true,
	"echo": true, "pwd": true, "which": true, "file": true, "stat": true,
	"du": true, "df": true, "ps": true, "env": true, "printenv": true,
	"date": true, "uname": true, "whoami": true, "id": true, "uptime": true,
	"sort": true, "uniq": true, "cut": true, "tr": true, "diff": true,
	"sed": true, "awk": true, "xargs": true, "basename": true, "dirname": true,
	"tree": true, "realpath": true, "readlink": true, "md5sum": true,
	"sha256sum": true, "go": true, "gofmt": true, "git": true, "make": true,
	"node": true, "python": true, "python3": true, "cargo": true,
	"jq": true, "yq": true, "tar": true, "gzip": true, "gunzip": true,
	"unzip": true, "touch": true, "mkdir": true, "cp": true, "mv": true,
	"test": true, "true": true, "sleep": true,
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// checkShellCommand orders the shell checks: presence, danger patterns,
// network patterns, first-token allowlist, then source restriction.
func (g *Guard) checkShellCommand(call *Call, source Source) Outcome {
	cmd := commandText(call)
	if cmd == "" {
		return block("missing_command", "shell call carries no command")
	}

	if matchesAny(dangerousPatterns, cmd) {
		if g.cfg.ConfirmDangerousCommands {
			return confirm("dangerous_command", "command matches a dangerous pattern: "+cmd)
		}
		return block("dangerous_command", "command matches a dangerous pattern: "+cmd)
	}

	if !g.cfg.AllowNetwork && matchesAny(networkPatterns, cmd) {
		return confirm("network_disabled", "network commands are disabled: "+cmd)
	}

	token := firstToken(cmd)
	if source != SourcePlanner && !isSearchToken(token) {
		return confirm("command_blocked", "only search commands may run outside planner output: "+cmd)
	}
	if !g.cfg.AllowAnyCommand && !allowedCommands[token] {
		return confirm("command_blocked", "command is not on the allowlist: "+cmd)
	}
	return Outcome{Verdict: VerdictOK}
}

func isSearchToken(token string) bool {
	return token == "rg" || token == "ripgrep" || token == "grep"
}

// checkDeleteFamily forces a confirmation round for destructive tools.
func (g *Guard) checkDeleteFamily(call *Call) Outcome {
	if !g.cfg.ConfirmDangerousCommands {
		return Outcome{Verdict: VerdictOK}
	}
	norm := tool.Normalize(call.Info.Name)
	if strings.HasPrefix(norm, "delete") || strings.HasPrefix(norm, "remove") {
		return confirm("delete_confirm", "delete operations require confirmation")
	}
	if call.Info.IsShell() {
		switch firstToken(commandText(call)) {
		case "rm", "rmdir", "unlink":
			return confirm("delete_confirm", "delete operations require confirmation")
		}
	}
	return Outcome{Verdict: VerdictOK}
}
