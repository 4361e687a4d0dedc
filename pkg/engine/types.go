package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/frecklet"
	"github.com/freckles-io/freckles/pkg/schema"
)

// Task is one rendered leaf of a task tree, ready to be handed to an adapter.
type Task struct {
	// ID is the pre-order node id of the leaf, exposed to adapters as
	// `_task_id`.
	ID int `json:"_task_id"`

	// Path is the chain of frecklet names from the root to the leaf.
	Path string `json:"path"`

	// Frecklet is the rendered metadata block (name, type, register, ...).
	Frecklet map[string]interface{} `json:"frecklet"`

	// Task is the rendered adapter side data (command, become, ...).
	Task map[string]interface{} `json:"task"`

	// Vars are the rendered variables of the task.
	Vars map[string]interface{} `json:"vars"`

	// Target is the effective host spec, empty to use the run config target.
	Target string `json:"target,omitempty"`

	// Become reports whether the task needs elevated permissions.
	Become bool `json:"become"`

	// SecretKeys lists the vars derived from secret arguments.
	SecretKeys []string `json:"secret_keys,omitempty"`

	// Adapter is the name of the adapter serving the task type. It is set
	// when the task list is partitioned.
	Adapter string `json:"adapter,omitempty"`
}

// Name returns the task name.
func (t *Task) Name() string {
	return stringOf(t.Frecklet[frecklet.KeyName])
}

// Type returns the task type.
func (t *Task) Type() string {
	return stringOf(t.Frecklet[frecklet.KeyType])
}

// Command returns the adapter command (module, role, script).
func (t *Task) Command() string {
	if c := stringOf(t.Task[frecklet.KeyCommand]); c != "" {
		return c
	}
	return t.Name()
}

// Title returns the human readable label used for callback nodes.
func (t *Task) Title() string {
	if msg := stringOf(t.Frecklet[frecklet.KeyMsg]); msg != "" {
		return msg
	}
	return fmt.Sprintf("%s (%s)", t.Name(), t.Type())
}

// Idempotent reports whether the task may be collapsed with identical
// neighbours.
func (t *Task) Idempotent() bool {
	return schema.Truthy(t.Frecklet[frecklet.KeyIdempotent])
}

// IgnoreErrors reports whether a failure of the task is ignored.
func (t *Task) IgnoreErrors() bool {
	return schema.Truthy(t.Frecklet[frecklet.KeyIgnoreErrors])
}

// Register returns the parsed register directive of the task.
func (t *Task) Register() (*callback.Register, error) {
	return callback.ParseRegister(t.Frecklet[frecklet.KeyRegister], t.ID)
}

// IsSecret reports whether key is a secret var of the task.
func (t *Task) IsSecret(key string) bool {
	for _, k := range t.SecretKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Redacted returns the task as a map with secret vars masked. It is the
// only form of a task that may be logged.
func (t *Task) Redacted(r *callback.Redactor) map[string]interface{} {
	m := map[string]interface{}{
		"_task_id": t.ID,
		"path":     t.Path,
		"frecklet": r.RedactVars(t.Frecklet, nil),
		"task":     r.RedactVars(t.Task, nil),
		"vars":     r.RedactVars(t.Vars, t.SecretKeys),
	}
	if t.Target != "" {
		m["target"] = r.Redact(t.Target)
	}
	return m
}

// StartCallback creates the callback node for the task under parent.
// Adapters report the task outcome on the returned node.
func (t *Task) StartCallback(parent *callback.Task) *callback.Task {
	node := parent.AddSubtask(t.Title(), callback.CategoryTask)
	node.SetMeta(callback.MetaTaskID, t.ID)
	node.SetIgnoreErrors(t.IgnoreErrors())
	return node
}

// Batch is a maximal contiguous run of tasks served by the same adapter.
type Batch struct {
	// Index is the position of the batch in the run, starting at 1.
	Index int

	// Adapter serves every task of the batch.
	Adapter Adapter

	// Tasks are the tasks in emission order.
	Tasks []*Task
}

// RunRecord describes one adapter batch.
type RunRecord struct {
	// RunID uniquely identifies the batch.
	RunID string `json:"run_id"`

	// Frecklet is the name of the invoked frecklet.
	Frecklet string `json:"frecklet"`

	// AdapterName is the adapter that served the batch.
	AdapterName string `json:"adapter_name"`

	// Tasks is the flattened task list of the batch.
	Tasks []*Task `json:"task_list"`

	// RunVars is global context handed to the adapter.
	RunVars map[string]interface{} `json:"run_vars"`

	// RunConfig is the connection and elevation configuration.
	RunConfig *RunConfig `json:"run_config"`

	// Env describes the generated run directory.
	Env *RunEnv `json:"run_env,omitempty"`

	// Properties are returned by the adapter.
	Properties map[string]interface{} `json:"run_properties,omitempty"`

	// Status is the batch status.
	Status RunStatus `json:"status"`

	// Success is the overall outcome of the batch.
	Success bool `json:"success"`

	// Exception is the error message if the adapter failed.
	Exception string `json:"exception,omitempty"`

	// Err is the adapter error.
	Err error `json:"-"`

	// Callback is the batch node of the callback tree.
	Callback *callback.Task `json:"-"`

	// StartedAt and FinishedAt bracket the adapter run.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the adapter ran.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// MarshalJSON redacts the task list and the run config passwords.
func (r *RunRecord) MarshalJSON() ([]byte, error) {
	type alias RunRecord
	out := *r
	redactor := callback.NewRedactor()
	tasks := make([]map[string]interface{}, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		tasks = append(tasks, t.Redacted(redactor))
	}
	var rc *RunConfig
	if r.RunConfig != nil {
		rc = r.RunConfig.Redacted()
	}
	out.RunConfig = rc
	return json.Marshal(struct {
		*alias
		Tasks []map[string]interface{} `json:"task_list"`
	}{alias: (*alias)(&out), Tasks: tasks})
}

// RunResult is the outcome of a frecklecutable run.
type RunResult struct {
	// RunID identifies the frecklecutable run.
	RunID string

	// Records holds one record per dispatched or planned batch.
	Records []*RunRecord

	// Tasks is the compiled task list.
	Tasks []*Task

	// Root is the root of the callback tree.
	Root *callback.Task

	// Result is the dictionary collected from register directives.
	Result map[string]interface{}

	// Secrets holds the root secret values, keyed by argument name.
	Secrets map[string]interface{}
}

// Success reports whether the callback root and every record succeeded.
func (r *RunResult) Success() bool {
	if r.Root != nil && r.Root.Finished() && !r.Root.Success() {
		return false
	}
	for _, rec := range r.Records {
		if rec.Status != RunStatusNotRun && !rec.Success {
			return false
		}
	}
	return true
}

func stringOf(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
