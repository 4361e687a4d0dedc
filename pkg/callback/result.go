package callback

import (
	"fmt"
	"strings"
	"sync"

	"github.com/freckles-io/freckles/pkg/tmpl"
)

// MetaTaskID is the task meta key holding the frecklet `_task_id`.
const MetaTaskID = "_task_id"

// ResultVar is the variable name the register value expression sees.
const ResultVar = "__result__"

// Register is a per-task instruction to merge the task output into the
// aggregate result under Target.
type Register struct {
	Target string `json:"target"`
	Value  string `json:"value,omitempty"`
	ID     int    `json:"id"`
}

// ParseRegister reads a register directive: either a target string or a
// mapping with target and optional value expression.
func ParseRegister(raw interface{}, id int) (*Register, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return &Register{Target: v, ID: id}, nil
	case map[string]interface{}:
		target, _ := v["target"].(string)
		if target == "" {
			return nil, fmt.Errorf("register directive needs a 'target'")
		}
		value, _ := v["value"].(string)
		return &Register{Target: target, Value: value, ID: id}, nil
	default:
		return nil, fmt.Errorf("invalid register directive of type %T", raw)
	}
}

// ResultSink collects registered task outputs into one dictionary. Task
// ids are only unique within one run, so a sink scoped with SetRoot
// ignores tasks of nested runs.
type ResultSink struct {
	mu         sync.Mutex
	root       *Task
	directives map[int]*Register
	result     map[string]interface{}
	errs       []error
}

// NewResultSink creates an empty result sink.
func NewResultSink() *ResultSink {
	return &ResultSink{
		directives: map[int]*Register{},
		result:     map[string]interface{}{},
	}
}

// SetRoot limits the sink to the tasks of the run rooted at root.
func (r *ResultSink) SetRoot(root *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root
}

// AddDirective registers the directive of a task.
func (r *ResultSink) AddDirective(reg *Register) {
	if reg == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directives[reg.ID] = reg
}

// Add merges the output of the task with the given id. Outputs of tasks
// without a directive are ignored.
func (r *ResultSink) Add(taskID int, output interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.directives[taskID]
	if !ok {
		return nil
	}

	value := output
	if reg.Value != "" {
		expr := reg.Value
		if !tmpl.IsTemplate(expr) {
			expr = "{{:: " + expr + " ::}}"
		}
		v, err := tmpl.RenderString(expr, map[string]interface{}{ResultVar: output})
		if err != nil {
			err = fmt.Errorf("register value for task %d: %w", taskID, err)
			r.errs = append(r.errs, err)
			return err
		}
		value = v
	}

	setPath(r.result, strings.Split(reg.Target, "."), tmpl.Normalize(value))
	return nil
}

// Result returns a copy of the aggregated result.
func (r *ResultSink) Result() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, _ := tmpl.Normalize(copyValue(r.result)).(map[string]interface{})
	return out
}

// Errors returns value expression failures.
func (r *ResultSink) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// OnStart implements Sink.
func (r *ResultSink) OnStart(*Task) {}

// OnFinish picks up results adapters attached to frecklet tasks.
func (r *ResultSink) OnFinish(t *Task) {
	r.mu.Lock()
	root := r.root
	r.mu.Unlock()
	if root != nil && t.RunRoot() != root {
		return
	}
	id, ok := t.Meta(MetaTaskID)
	if !ok {
		return
	}
	taskID, ok := id.(int)
	if !ok {
		return
	}
	if res := t.Result(); res != nil {
		// failures are kept in Errors
		_ = r.Add(taskID, res)
	}
}

func setPath(m map[string]interface{}, path []string, value interface{}) {
	key := path[0]
	if len(path) == 1 {
		existing, ok := m[key].(map[string]interface{})
		incoming, isMap := value.(map[string]interface{})
		if ok && isMap {
			for k, v := range incoming {
				existing[k] = v
			}
			return
		}
		m[key] = value
		return
	}
	child, ok := m[key].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		m[key] = child
	}
	setPath(child, path[1:], value)
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
