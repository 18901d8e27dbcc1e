package guard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/glmgate/glmgate/internal/domain/entity"
	"github.com/glmgate/glmgate/internal/domain/planner"
)

const callSummaryMax = 160

// BuildQuestion synthesizes the confirmation tool-call for a deferred
// batch. The returned id keys the PendingStore entry.
func BuildQuestion(toolName, reason, detail string, calls []Call) (entity.ToolCall, []StoredCall) {
	id := "confirm_" + uuid.NewString()

	stored := make([]StoredCall, 0, len(calls))
	summaries := make([]string, 0, len(calls))
	for i := range calls {
		stored = append(stored, StoredCall{
			Name: calls[i].Info.Name,
			Args: calls[i].Args,
		})
		summaries = append(summaries, summarizeCall(&calls[i]))
	}

	question := buildQuestionText(reason, detail, summaries)
	args := map[string]any{
		"question":  question,
		"questions": []string{question},
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte(`{"question":"Approve the pending action?"}`)
	}

	return entity.ToolCall{
		ID:   id,
		Type: "function",
		Function: entity.ToolCallFunc{
			Name:      toolName,
			Arguments: string(encoded),
		},
	}, stored
}

func summarizeCall(call *Call) string {
	args := planner.MarshalStable(call.Args)
	if len(args) > callSummaryMax {
		args = args[:callSummaryMax] + "…"
	}
	return call.Info.Name + " " + args
}

func buildQuestionText(reason, detail string, summaries []string) string {
	var b strings.Builder
	if len(summaries) == 1 {
		b.WriteString("Approve this action? ")
	} else {
		fmt.Fprintf(&b, "Approve these %d actions? ", len(summaries))
	}
	b.WriteString(strings.Join(summaries, "; "))
	fmt.Fprintf(&b, " [%s", reason)
	if detail != "" {
		b.WriteString(": ")
		b.WriteString(detail)
	}
	b.WriteString("] Reply \"proceed\" to run or anything else to cancel.")
	return b.String()
}
