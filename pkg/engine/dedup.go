package engine

import (
	"encoding/json"

	"github.com/freckles-io/freckles/pkg/frecklet"
)

// metadata keys that do not change what an idempotent task does
var dedupIgnoredKeys = map[string]bool{
	frecklet.KeyMsg:  true,
	frecklet.KeyDesc: true,
	frecklet.KeySkip: true,
	"_task_id":       true,
}

// Deduplicate collapses adjacent idempotent tasks with identical rendered
// content into the first occurrence.
func Deduplicate(tasks []*Task) []*Task {
	out := make([]*Task, 0, len(tasks))
	var prevKey string
	for _, t := range tasks {
		if !t.Idempotent() {
			out = append(out, t)
			prevKey = ""
			continue
		}
		key := dedupKey(t)
		if prevKey != "" && key == prevKey {
			continue
		}
		out = append(out, t)
		prevKey = key
	}
	return out
}

// dedupKey is the canonical encoding of everything that identifies what a
// task does. encoding/json sorts map keys, so equal content encodes to
// equal bytes.
func dedupKey(t *Task) string {
	meta := make(map[string]interface{}, len(t.Frecklet))
	for k, v := range t.Frecklet {
		if !dedupIgnoredKeys[k] {
			meta[k] = v
		}
	}
	data, err := json.Marshal(struct {
		Frecklet map[string]interface{} `json:"frecklet"`
		Task     map[string]interface{} `json:"task"`
		Vars     map[string]interface{} `json:"vars"`
		Target   string                 `json:"target"`
		Become   bool                   `json:"become"`
	}{meta, t.Task, t.Vars, t.Target, t.Become})
	if err != nil {
		// unencodable content is never considered equal
		return ""
	}
	return string(data)
}
