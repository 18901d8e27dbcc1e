package planner

import (
	"encoding/json"
	"strings"

	"github.com/glmgate/glmgate/internal/domain/tool"
)

// PromptOptions shapes the planner system prompt.
type PromptOptions struct {
	Workspace           string
	ExtraSystem         string
	IncludeSchema       bool
	SchemaMaxChars      int
	ExtraSystemMaxChars int
}

const plannerPreamble = `You are the planning layer of a coding agent. Decide which of the allowed tools to call next, or answer directly.

Reply with EXACTLY ONE JSON object, nothing else, in this schema:

{
  "plan": ["short imperative steps"],
  "actions": [
    {
      "tool": "tool name",
      "args": {"declared parameter": "value"},
      "why": "why this call is needed",
      "expect": "what the result should show",
      "safety": {"risk": "low|medium|high", "notes": "hazards, if any"}
    }
  ],
  "final": "answer text, ONLY when actions is empty",
  "thought": "optional, one short sentence"
}`

const plannerRules = `Rules:
- Output exactly one JSON object. No prose, no code fences, nothing before or after it.
- Every "args" value must be a valid JSON object using the declared parameter names.
- Do not put chain-of-thought anywhere in the reply.
- Tools that write files, patch, delete, or run shell commands may ONLY be requested through this JSON schema.
- At most one mutating action per reply.
- When no tool is needed, set "actions" to [] and put the whole answer in "final".`

const plannerExamples = `Example (tool use):
{"plan":["inspect the build config"],"actions":[{"tool":"read","args":{"path":"Makefile"},"why":"need the build targets","expect":"makefile contents","safety":{"risk":"low","notes":""}}]}

Example (direct answer):
{"plan":["answer directly"],"actions":[],"final":"The server listens on port 8089 by default."}`

// BuildSystemPrompt renders the planner system message for one request.
func BuildSystemPrompt(reg *tool.Registry, opts PromptOptions) string {
	var b strings.Builder
	b.WriteString(plannerPreamble)
	b.WriteString("\n\n")

	b.WriteString("Allowed tools:\n")
	for _, info := range reg.All() {
		b.WriteString("- ")
		b.WriteString(info.Name)
		if info.Description != "" {
			b.WriteString(": ")
			b.WriteString(compactLine(info.Description))
		}
		if len(info.ArgKeys) > 0 {
			b.WriteString(" (args: ")
			b.WriteString(strings.Join(info.ArgKeys, ", "))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}

	if opts.IncludeSchema {
		if schemas := schemaBlock(reg, opts.SchemaMaxChars); schemas != "" {
			b.WriteString("\nTool parameter schemas:\n")
			b.WriteString(schemas)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(plannerRules)
	b.WriteString("\n\n")
	b.WriteString(plannerExamples)

	if opts.Workspace != "" {
		b.WriteString("\n\nRuntime:\n- workspace: ")
		b.WriteString(opts.Workspace)
		b.WriteString("\n- file paths must resolve inside the workspace; prefer workspace-relative paths")
	}

	if extra := strings.TrimSpace(opts.ExtraSystem); extra != "" {
		if opts.ExtraSystemMaxChars > 0 && len(extra) > opts.ExtraSystemMaxChars {
			extra = extra[:opts.ExtraSystemMaxChars] + "…"
		}
		b.WriteString("\n\n")
		b.WriteString(extra)
	}

	return b.String()
}

func schemaBlock(reg *tool.Registry, maxChars int) string {
	var b strings.Builder
	for _, info := range reg.All() {
		if info.Parameters == nil {
			continue
		}
		compact, err := json.Marshal(info.Parameters)
		if err != nil {
			continue
		}
		b.WriteString(info.Name)
		b.WriteString(": ")
		b.Write(compact)
		b.WriteString("\n")
	}
	s := strings.TrimRight(b.String(), "\n")
	if maxChars > 0 && len(s) > maxChars {
		s = s[:maxChars] + "…(truncated)"
	}
	return s
}

func compactLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}

// PostToolDirective reminds the model to keep planning after tool results.
const PostToolDirective = `The requested tool calls have completed; their results are in the conversation. Continue the task: reply with exactly one planner JSON object, either requesting the next actions or setting "final" when done. Do not repeat completed calls.`

// RecoveryDirective asks for a decision when the model returned neither
// actions nor an answer after tool results.
const RecoveryDirective = `The task is not finished. Reply with exactly one planner JSON object: request the next tool call in "actions", or set "actions" to [] and put the finished answer in "final".`

// DirectAnswerDirective switches the model to a plain prose reply.
const DirectAnswerDirective = `Answer the user directly in plain text. Do not output JSON or call tools.`

// RetryDirective returns an increasingly strict correction for re-prompting
// after an unparseable planner reply.
func RetryDirective(attempt int) string {
	if attempt <= 1 {
		return `Your previous reply was not a single valid JSON object. Reply again with ONLY the planner JSON object: no prose, no code fences, no comments.`
	}
	return `STRICT MODE: respond with one minified JSON object matching the planner schema exactly. The first character of your reply must be '{' and the last must be '}'.`
}
