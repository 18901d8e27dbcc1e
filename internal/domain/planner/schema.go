package planner

import "github.com/santhosh-tekuri/jsonschema/v5"

// 输出结构校验：宽容别名形态（plan 可为字符串，tool 可为对象），
// 但拒绝字段类型完全跑偏的对象。
const outputSchemaJSON = `{
	"type": "object",
	"properties": {
		"plan": {
			"anyOf": [
				{"type": "string"},
				{"type": "array", "items": {"type": "string"}}
			]
		},
		"actions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"tool": {
						"anyOf": [
							{"type": "string"},
							{"type": "object"}
						]
					},
					"args": true,
					"arguments": true,
					"why": {"type": "string"},
					"expect": {"type": "string"},
					"safety": {"type": "object"}
				}
			}
		},
		"final": {"type": ["string", "null"]},
		"thought": {"type": ["string", "null"]}
	}
}`

var outputSchema = jsonschema.MustCompileString("planner_output.json", outputSchemaJSON)

// ValidateDocument checks a decoded planner reply against the output schema.
func ValidateDocument(doc any) error {
	return outputSchema.Validate(doc)
}
