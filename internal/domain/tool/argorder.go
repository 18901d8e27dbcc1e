package tool

import (
	"bytes"
	"encoding/json"
)

// orderedArgKeys extracts the parameter names of a tool declaration in the
// order the client wrote them. encoding/json maps drop key order, so this
// walks the token stream and captures the first `parameters.properties`
// object's immediate keys.
func orderedArgKeys(raw []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))

	type frame struct {
		obj     bool
		owner   string // key under which this container was opened
		lastKey string
		keyNext bool
	}

	var stack []frame
	var out []string
	captureAt := -1
	done := false

	for {
		tok, err := dec.Token()
		if err != nil {
			return out
		}
		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{', '[':
				owner := ""
				if n := len(stack); n > 0 && stack[n-1].obj {
					owner = stack[n-1].lastKey
				}
				isObj := t == '{'
				if isObj && !done && captureAt < 0 && len(stack) > 0 {
					parent := stack[len(stack)-1]
					if parent.obj && parent.lastKey == "properties" && parent.owner == "parameters" {
						captureAt = len(stack) + 1
					}
				}
				stack = append(stack, frame{obj: isObj, owner: owner, keyNext: isObj})
			case '}', ']':
				if len(stack) == captureAt {
					captureAt = -1
					done = true
				}
				stack = stack[:len(stack)-1]
				if n := len(stack); n > 0 && stack[n-1].obj {
					stack[n-1].keyNext = true
				}
			}
		case string:
			if n := len(stack); n > 0 && stack[n-1].obj {
				if stack[n-1].keyNext {
					stack[n-1].lastKey = t
					stack[n-1].keyNext = false
					if n == captureAt {
						out = append(out, t)
					}
				} else {
					stack[n-1].keyNext = true
				}
			}
		default:
			if n := len(stack); n > 0 && stack[n-1].obj {
				stack[n-1].keyNext = true
			}
		}
	}
}
