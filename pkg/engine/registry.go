package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/ferr"
)

// Registry holds the adapters linked into the binary.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// adapters maps adapter name to adapter.
	adapters map[string]Adapter

	// order keeps registration order.
	order []string

	// taskTypes maps a terminal task type to the adapter serving it.
	taskTypes map[string]string

	// prepared tracks adapters whose requirements are in place.
	prepared map[string]error
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{
		adapters:  make(map[string]Adapter),
		taskTypes: make(map[string]string),
		prepared:  make(map[string]error),
	}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter. Names and task types must be unique.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	for _, t := range a.SupportedTaskTypes() {
		if other, exists := r.taskTypes[t]; exists {
			return fmt.Errorf("task type %s of adapter %s is already served by %s", t, name, other)
		}
	}

	r.adapters[name] = a
	r.order = append(r.order, name)
	for _, t := range a.SupportedTaskTypes() {
		r.taskTypes[t] = name
	}
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the adapter names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Adapters returns the adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// TaskTypes returns every supported task type, sorted.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.taskTypes))
	for t := range r.taskTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ForTaskType returns the adapter serving a terminal task type.
func (r *Registry) ForTaskType(taskType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.taskTypes[taskType]
	if !ok {
		return nil, false
	}
	return r.adapters[name], true
}

// Select returns a registry restricted to the named adapters, keeping the
// given order. Preparation state is shared with r.
func (r *Registry) Select(names []string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Registry{
		adapters:  make(map[string]Adapter),
		taskTypes: make(map[string]string),
		prepared:  r.prepared,
	}
	for _, name := range names {
		a, ok := r.adapters[name]
		if !ok {
			return nil, ferr.NewConfigError(fmt.Sprintf("unknown adapter '%s'", name), nil).
				WithKeys("adapters").
				WithSolution("use one of: %v", r.order)
		}
		if _, dup := out.adapters[name]; dup {
			continue
		}
		out.adapters[name] = a
		out.order = append(out.order, name)
		for _, t := range a.SupportedTaskTypes() {
			out.taskTypes[t] = name
		}
	}
	return out, nil
}

// Prepare runs the adapter's one-time setup unless it already ran in this
// process. A failed preparation is remembered and returned again.
func (r *Registry) Prepare(ctx context.Context, a Adapter, cfg *RunConfig, parent *callback.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, done := r.prepared[a.Name()]; done {
		return err
	}
	node := parent.AddSubtask(fmt.Sprintf("preparing adapter '%s'", a.Name()), callback.CategoryPrepare)
	err := a.PrepareExecutionRequirements(ctx, cfg, node)
	if err != nil {
		node.Fail(err.Error())
	} else {
		node.FinishFromChildren("")
	}
	r.prepared[a.Name()] = err
	return err
}
