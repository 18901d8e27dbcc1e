package planner

import (
	"regexp"
	"strings"
)

// CleanJSONText strips the decorations models wrap around JSON: markdown
// fences, // and /* */ comments, trailing commas. Idempotent.
func CleanJSONText(s string) string {
	s = stripFences(s)
	s = stripCommentsAndTrailingCommas(s)
	return strings.TrimSpace(s)
}

func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// stripCommentsAndTrailingCommas removes // and /* */ comments and commas
// that directly precede } or ], all while respecting string literals.
func stripCommentsAndTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i++ // skip the trailing '/'
		case c == ',':
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // trailing comma
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// NormalizeNewlinesInStrings escapes raw control characters that models leave
// inside string literals, which strict JSON rejects.
func NormalizeNewlinesInStrings(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			b.WriteByte(c)
			continue
		}
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
			b.WriteByte(c)
		case '"':
			inString = false
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			// \r\n 折叠为一个 \n
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// 形如 "arguments": "{...}" 且内部引号未转义的坏载荷
var reQuotedArgsObject = regexp.MustCompile(`("arguments"\s*:\s*)"(\{.*?\})"(\s*[,}\]])`)

// RepairToolCallJSON heals the tool-call payloads models most often break:
// raw newlines inside strings and argument objects pasted into quotes without
// escaping. Properly escaped payloads are left alone.
func RepairToolCallJSON(s string) string {
	s = NormalizeNewlinesInStrings(s)
	s = reQuotedArgsObject.ReplaceAllStringFunc(s, func(m string) string {
		sub := reQuotedArgsObject.FindStringSubmatch(m)
		if sub == nil {
			return m
		}
		inner := sub[2]
		if strings.Contains(inner, `\"`) {
			// 已是合法转义的字符串载荷
			return m
		}
		return sub[1] + inner + sub[3]
	})
	return s
}

// firstJSONBlock returns the first balanced {...} in s.
func firstJSONBlock(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	if end := matchBrace(s, start); end > start {
		return s[start : end+1], true
	}
	return "", false
}

// firstJSONArray returns the first balanced [...] in s.
func firstJSONArray(s string) (string, bool) {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return "", false
	}
	if end := matchBracket(s, start); end > start {
		return s[start : end+1], true
	}
	return "", false
}

// allJSONBlocks returns every balanced {...} substring, outermost and nested,
// ordered by start position.
func allJSONBlocks(s string) []string {
	var blocks []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		if end := matchBrace(s, i); end > i {
			blocks = append(blocks, s[i:end+1])
		}
	}
	return blocks
}

func matchBrace(s string, start int) int {
	return matchDelims(s, start, '{', '}')
}

func matchBracket(s string, start int) int {
	return matchDelims(s, start, '[', ']')
}

// matchDelims finds the index of the closer balancing s[start], skipping
// string literals. Returns -1 when unbalanced.
func matchDelims(s string, start int, opener, closer byte) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
