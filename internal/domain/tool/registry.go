package tool

import (
	"encoding/json"
	"sort"
	"strings"
)

// Info 注册表条目：一个已声明工具及其参数键
type Info struct {
	Name        string         // declared canonical name
	Description string
	Parameters  map[string]any // declared JSON schema, as sent by the client
	ArgKeys     []string       // parameter names in declaration order
	normNames   []string       // every normalized name this entry answers to
}

// HasName reports whether the entry is registered under the normalized name.
func (i *Info) HasName(norm string) bool {
	for _, n := range i.normNames {
		if n == norm {
			return true
		}
	}
	return false
}

// IsShell reports whether the entry is a shell-command tool.
func (i *Info) IsShell() bool {
	for _, n := range []string{"run", "runshell", "shell", "bash"} {
		if i.HasName(n) {
			return true
		}
	}
	return false
}

// Registry indexes the tools a client declared for one request. Lookups are
// case- and separator-insensitive; canonical aliases answer for each other.
type Registry struct {
	entries map[string]*Info
	names   []string // normalized names in registration order
	infos   []*Info  // unique entries in declaration order
}

// 规范别名组：组内任一名字注册后，其余名字也指向同一条目
var aliasGroups = [][]string{
	{"read", "read_file", "readfile", "open_file"},
	{"write", "write_file", "writefile", "save_file", "create_file"},
	{"list", "list_dir", "listdir"},
	{"run", "run_shell", "shell", "bash"},
}

// Normalize lower-cases a tool name and strips `_` and `-`.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", "")
	name = strings.ReplaceAll(name, "-", "")
	return name
}

// Build indexes the declared tools. Malformed entries are skipped; on name
// collisions the first registration wins.
func Build(tools []json.RawMessage) *Registry {
	r := &Registry{entries: make(map[string]*Info)}

	for _, raw := range tools {
		var decl map[string]any
		if err := json.Unmarshal(raw, &decl); err != nil {
			continue
		}

		fn := functionObject(decl)
		names := declaredNames(decl, fn)
		if len(names) == 0 {
			continue
		}

		info := &Info{Name: names[0]}
		if fn != nil {
			info.Description, _ = fn["description"].(string)
			if params, ok := fn["parameters"].(map[string]any); ok {
				info.Parameters = params
			}
		}
		info.ArgKeys = orderedArgKeys(raw)
		if len(info.ArgKeys) == 0 {
			info.ArgKeys = fallbackArgKeys(info.Parameters)
		}

		for _, name := range names {
			r.register(Normalize(name), info)
		}
	}

	r.expandAliases()
	return r
}

func (r *Registry) register(norm string, info *Info) {
	if norm == "" {
		return
	}
	if _, exists := r.entries[norm]; exists {
		return
	}
	r.entries[norm] = info
	r.names = append(r.names, norm)
	info.normNames = append(info.normNames, norm)
	if !containsInfo(r.infos, info) {
		r.infos = append(r.infos, info)
	}
}

func (r *Registry) expandAliases() {
	for _, group := range aliasGroups {
		var found *Info
		for _, alias := range group {
			if info, ok := r.entries[Normalize(alias)]; ok {
				found = info
				break
			}
		}
		if found == nil {
			continue
		}
		for _, alias := range group {
			r.register(Normalize(alias), found)
		}
	}
}

// Lookup resolves a tool name. Exact normalized match wins; otherwise the
// registry is scanned for prefix-like candidates in registration order.
func (r *Registry) Lookup(name string) *Info {
	target := Normalize(name)
	if target == "" {
		return nil
	}
	if info, ok := r.entries[target]; ok {
		return info
	}
	for _, cand := range r.names {
		if strings.HasPrefix(cand, target) || cand == target+"file" || cand == target+"dir" {
			return r.entries[cand]
		}
	}
	return nil
}

// All returns the unique entries in declaration order.
func (r *Registry) All() []*Info {
	return r.infos
}

// Empty reports whether no tools were registered.
func (r *Registry) Empty() bool {
	return len(r.infos) == 0
}

// ConfirmationToolName returns the declared confirmation tool's name, or
// "question" when the client brought none.
func (r *Registry) ConfirmationToolName() string {
	for _, norm := range r.names {
		if strings.Contains(norm, "question") {
			return r.entries[norm].Name
		}
	}
	return "question"
}

// HasConfirmationTool reports whether any declared tool looks like a
// question/confirmation tool.
func (r *Registry) HasConfirmationTool() bool {
	for _, norm := range r.names {
		if strings.Contains(norm, "question") {
			return true
		}
	}
	return false
}

// === declaration probing ===

// functionObject digs out the function declaration from a loose tool object.
func functionObject(decl map[string]any) map[string]any {
	if fn, ok := decl["function"].(map[string]any); ok {
		return fn
	}
	return decl
}

// declaredNames collects every name slot a client may populate, primary first.
func declaredNames(decl, fn map[string]any) []string {
	var names []string
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" {
			for _, seen := range names {
				if seen == s {
					return
				}
			}
			names = append(names, s)
		}
	}
	if fn != nil {
		add(fn["name"])
		if inner, ok := fn["tool"].(map[string]any); ok {
			add(inner["name"])
		}
	}
	add(decl["name"])
	return names
}

// DeclaredName extracts the primary name from one raw tool declaration.
func DeclaredName(raw json.RawMessage) string {
	var decl map[string]any
	if err := json.Unmarshal(raw, &decl); err != nil {
		return ""
	}
	names := declaredNames(decl, functionObject(decl))
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func fallbackArgKeys(params map[string]any) []string {
	props, ok := params["properties"].(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsInfo(infos []*Info, info *Info) bool {
	for _, i := range infos {
		if i == info {
			return true
		}
	}
	return false
}

// QuestionToolRaw is the built-in confirmation tool declaration, injected when
// the client does not bring its own.
func QuestionToolRaw() json.RawMessage {
	return json.RawMessage(`{
		"type": "function",
		"function": {
			"name": "question",
			"description": "Ask the user one or more questions, or request confirmation before a risky action.",
			"parameters": {
				"type": "object",
				"properties": {
					"questions": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Questions to put to the user."
					},
					"question": {
						"type": "string",
						"description": "A single question to put to the user."
					}
				}
			}
		}
	}`)
}
