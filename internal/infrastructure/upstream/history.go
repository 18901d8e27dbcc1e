package upstream

import "github.com/glmgate/glmgate/internal/domain/entity"

// Linearize walks the parent-pointer DAG from currentId back to the root and
// returns the chain oldest-first as role/content pairs. Broken parent links
// and cycles terminate the walk instead of failing.
func Linearize(history ChatHistory) []entity.Message {
	if history.CurrentID == "" {
		return nil
	}
	if _, ok := history.Messages[history.CurrentID]; !ok {
		return nil
	}

	ids := make([]string, 0, len(history.Messages))
	visited := make(map[string]bool, len(history.Messages))

	id := history.CurrentID
	for id != "" && !visited[id] {
		node, ok := history.Messages[id]
		if !ok {
			break
		}
		visited[id] = true
		ids = append(ids, id)
		id = node.ParentID
	}

	// 反转为从根到叶
	out := make([]entity.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		node := history.Messages[ids[i]]
		out = append(out, entity.Message{
			Role:    node.Role,
			Content: node.Content,
		})
	}
	return out
}
