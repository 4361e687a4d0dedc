// Package callback implements the hierarchical running-task model used to
// report progress. Tasks form a tree; finishing a task propagates its
// success, changed and skipped flags to its parent, and every start and
// finish is forwarded to the registered sinks.
package callback

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Categories used by freckles itself. Adapters may use their own.
const (
	CategoryRun      = "run"
	CategoryBatch    = "batch"
	CategoryTask     = "task"
	CategoryPrepare  = "prepare"
	CategoryInternal = "internal"
)

// CancelledMessage is the error message of tasks closed by cancellation.
const CancelledMessage = "cancelled"

// Task is a node in the callback tree.
type Task struct {
	id       string
	name     string
	category string
	parent   *Task
	children []*Task
	depth    int
	mgr      *Manager

	ignoreErrors bool
	meta         map[string]interface{}

	// own flags and aggregated flags of finished children
	success  bool
	changed  bool
	skipped  bool
	finished bool

	childSuccess bool
	childChanged bool
	childSkipped bool

	messages      []string
	errorMessages []string
	result        interface{}

	started time.Time
	ended   time.Time

	mu sync.Mutex
}

func newTask(mgr *Manager, parent *Task, name, category string) *Task {
	t := &Task{
		id:           uuid.New().String(),
		name:         name,
		category:     category,
		parent:       parent,
		mgr:          mgr,
		success:      true,
		changed:      false,
		skipped:      true,
		childSuccess: true,
		childSkipped: true,
		meta:         map[string]interface{}{},
		started:      time.Now().UTC(),
	}
	if parent != nil {
		t.depth = parent.depth + 1
	}
	return t
}

// Manager returns the manager of the tree the task belongs to.
func (t *Task) Manager() *Manager { return t.mgr }

// ID returns the unique task id.
func (t *Task) ID() string { return t.id }

// Name returns the (unredacted) task name.
func (t *Task) Name() string { return t.name }

// Category returns the category tag.
func (t *Task) Category() string { return t.category }

// Parent returns the parent task, nil for the root.
func (t *Task) Parent() *Task { return t.parent }

// RunRoot returns the closest ancestor of category CategoryRun, nil when
// there is none.
func (t *Task) RunRoot() *Task {
	for p := t.parent; p != nil; p = p.parent {
		if p.category == CategoryRun {
			return p
		}
	}
	return nil
}

// Depth returns the distance from the root.
func (t *Task) Depth() int { return t.depth }

// Started returns the start time.
func (t *Task) Started() time.Time { return t.started }

// Ended returns the finish time, zero while running.
func (t *Task) Ended() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// Children returns a snapshot of the child list.
func (t *Task) Children() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Task(nil), t.children...)
}

// Success returns the success flag.
func (t *Task) Success() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.success
}

// Changed returns the changed flag.
func (t *Task) Changed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// Skipped returns the skipped flag.
func (t *Task) Skipped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.skipped
}

// Finished reports whether Finish was called.
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// IgnoreErrors reports whether a failure of this task leaves the parent
// successful.
func (t *Task) IgnoreErrors() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ignoreErrors
}

// SetIgnoreErrors marks the task so its failure does not fail the parent.
func (t *Task) SetIgnoreErrors(ignore bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ignoreErrors = ignore
}

// Messages returns the free-form messages.
func (t *Task) Messages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.messages...)
}

// ErrorMessages returns the error messages.
func (t *Task) ErrorMessages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.errorMessages...)
}

// Result returns the value attached with SetResult.
func (t *Task) Result() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// SetResult attaches an adapter result to the task.
func (t *Task) SetResult(v interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result = v
}

// Meta returns a metadata value.
func (t *Task) Meta(key string) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.meta[key]
	return v, ok
}

// SetMeta sets a metadata value, e.g. the `_task_id` of a frecklet task.
func (t *Task) SetMeta(key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta[key] = value
}

// AddMessage appends a message.
func (t *Task) AddMessage(msg string) {
	if msg == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
}

// AddError appends an error message.
func (t *Task) AddError(msg string) {
	if msg == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorMessages = append(t.errorMessages, msg)
}

// AddSubtask starts a child task and emits on_start for it.
func (t *Task) AddSubtask(name, category string) *Task {
	child := newTask(t.mgr, t, name, category)
	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()
	t.mgr.emitStart(child)
	return child
}

// Finish closes the task. For tasks with children, the given flags are
// combined with the aggregate of the children: success requires both,
// changed requires either, skipped requires both. Unfinished children are
// closed first as cancelled so events stay properly nested.
func (t *Task) Finish(success, changed, skipped bool, msg, errMsg string) {
	for _, c := range t.Children() {
		if !c.Finished() {
			c.Finish(false, false, false, "", CancelledMessage)
		}
	}

	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	if len(t.children) > 0 {
		success = success && t.childSuccess
		changed = changed || t.childChanged
		skipped = skipped && t.childSkipped
	}
	t.success = success
	t.changed = changed
	t.skipped = skipped
	t.finished = true
	t.ended = time.Now().UTC()
	if msg != "" {
		t.messages = append(t.messages, msg)
	}
	if errMsg != "" {
		t.errorMessages = append(t.errorMessages, errMsg)
	}
	parent := t.parent
	ignore := t.ignoreErrors
	t.mu.Unlock()

	if parent != nil {
		parent.childFinished(success, changed, skipped, ignore)
	}
	t.mgr.emitFinish(t)
}

// FinishFromChildren closes the task using only the aggregated flags of
// its children. A task without children ends up successful and skipped.
func (t *Task) FinishFromChildren(msg string) {
	t.Finish(true, false, true, msg, "")
}

// Fail closes the task as failed.
func (t *Task) Fail(errMsg string) {
	t.Finish(false, false, false, "", errMsg)
}

func (t *Task) childFinished(success, changed, skipped, ignoreErrors bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !success && !ignoreErrors {
		t.childSuccess = false
	}
	if changed {
		t.childChanged = true
	}
	if !skipped {
		t.childSkipped = false
	}
}

// Walk visits t and all descendants in pre-order.
func (t *Task) Walk(fn func(*Task) bool) {
	if !fn(t) {
		return
	}
	for _, c := range t.Children() {
		c.Walk(fn)
	}
}

// Find returns the first descendant (or t) whose meta key equals value.
func (t *Task) Find(key string, value interface{}) *Task {
	var found *Task
	t.Walk(func(n *Task) bool {
		if found != nil {
			return false
		}
		if v, ok := n.Meta(key); ok && v == value {
			found = n
			return false
		}
		return true
	})
	return found
}
