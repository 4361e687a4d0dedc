// Package nested runs frecklets as tasks of another frecklet.
package nested

import (
	"context"
	"fmt"
	"sync"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/schema"
)

// Name is the adapter name.
const Name = "nested"

// TypeFrecklecutable is the task type served by the adapter.
const TypeFrecklecutable = "frecklecutable"

// Var keys of a frecklecutable task.
const (
	VarFrecklet = "frecklet"
	VarVars     = "vars"
)

// ChildRunner runs a frecklet below a callback node. *engine.Engine
// implements it.
type ChildRunner interface {
	RunChild(ctx context.Context, name string, vars map[string]interface{}, rc *engine.RunConfig, parent *callback.Task) (*engine.RunResult, error)
}

// Adapter implements engine.Adapter for frecklecutable tasks.
type Adapter struct {
	mu     sync.RWMutex
	runner ChildRunner
}

var _ engine.Adapter = (*Adapter)(nil)

// New creates a nested adapter. The engine is attached with SetRunner once
// it exists, since the engine's registry contains the adapter.
func New() *Adapter {
	return &Adapter{}
}

// SetRunner attaches the engine running the child frecklets.
func (a *Adapter) SetRunner(r ChildRunner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runner = r
}

func (a *Adapter) childRunner() ChildRunner {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runner
}

// Name implements engine.Adapter.
func (a *Adapter) Name() string { return Name }

// ConfigSchema implements engine.Adapter.
func (a *Adapter) ConfigSchema() *schema.Schema { return schema.NewSchema() }

// RunConfigSchema implements engine.Adapter.
func (a *Adapter) RunConfigSchema() *schema.Schema { return schema.NewSchema() }

// SupportedTaskTypes implements engine.Adapter.
func (a *Adapter) SupportedTaskTypes() []string { return []string{TypeFrecklecutable} }

// SupportedResourceTypes implements engine.Adapter.
func (a *Adapter) SupportedResourceTypes() []string { return nil }

// FoldersForAlias implements engine.Adapter.
func (a *Adapter) FoldersForAlias(string) []string { return nil }

// ExtraFrecklets implements engine.Adapter.
func (a *Adapter) ExtraFrecklets(map[string][]string) (map[string]map[string]interface{}, error) {
	return map[string]map[string]interface{}{
		"frecklecute": {
			"doc": map[string]interface{}{
				"short_help": "Run another frecklet.",
			},
			"args": map[string]interface{}{
				VarFrecklet: map[string]interface{}{
					"type": "string",
					"doc":  "name or path of the frecklet",
				},
				VarVars: map[string]interface{}{
					"type":     "dict",
					"required": false,
					"default":  map[string]interface{}{},
					"doc":      "vars of the frecklet",
				},
				"target": map[string]interface{}{
					"type":     "string",
					"required": false,
					"doc":      "target of the frecklet",
				},
			},
			"frecklets": []interface{}{
				map[string]interface{}{
					"frecklet": map[string]interface{}{
						"name":   "frecklecute",
						"type":   TypeFrecklecutable,
						"target": "{{:: target ::}}",
						"msg":    "running frecklet '{{:: frecklet ::}}'",
					},
					"vars": map[string]interface{}{
						VarFrecklet: "{{:: frecklet ::}}",
						VarVars:     "{{:: vars ::}}",
					},
				},
			},
		},
	}, nil
}

// PrepareExecutionRequirements implements engine.Adapter.
func (a *Adapter) PrepareExecutionRequirements(context.Context, *engine.RunConfig, *callback.Task) error {
	if a.childRunner() == nil {
		return fmt.Errorf("nested adapter is not attached to an engine")
	}
	return nil
}

// Run runs each task as a child frecklecutable. The task target and
// elevation override those of the outer run.
func (a *Adapter) Run(ctx context.Context, req *engine.RunRequest) (*engine.AdapterResult, error) {
	runner := a.childRunner()
	if runner == nil {
		return nil, fmt.Errorf("nested adapter is not attached to an engine")
	}

	var runIDs []string
	for _, t := range req.Tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := t.StartCallback(req.Parent)

		name := stringOf(t.Vars[VarFrecklet])
		if name == "" {
			node.Fail("no frecklet name given")
			return &engine.AdapterResult{ExitCode: 1}, ferr.NewAdapterFailure(
				fmt.Sprintf("task '%s' does not name a frecklet", t.Name()), 1, nil).
				WithSolution("set the '%s' var of the task", VarFrecklet)
		}
		vars, err := childVars(t.Vars[VarVars])
		if err != nil {
			node.Fail(err.Error())
			return &engine.AdapterResult{ExitCode: 1}, ferr.NewAdapterFailure(
				fmt.Sprintf("invalid vars for frecklet '%s'", name), 1, err)
		}

		rc := req.RunConfig
		if rc == nil {
			rc = engine.DefaultRunConfig()
		}
		rc = rc.Clone()
		if t.Target != "" {
			rc.Target = t.Target
		}
		if t.Become {
			rc.Become = true
		}

		req.Logger.Debug().
			Int("task_id", t.ID).
			Str("frecklet", name).
			Str("target", rc.Target).
			Msg("Running child frecklet")

		res, err := runner.RunChild(ctx, name, vars, rc, node)
		if res != nil {
			runIDs = append(runIDs, res.RunID)
			node.SetResult(res.Result)
		}
		if err != nil {
			node.Fail(err.Error())
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if t.IgnoreErrors() {
				continue
			}
			code := ferr.ExitCode(err)
			return &engine.AdapterResult{ExitCode: code}, ferr.NewAdapterFailure(
				fmt.Sprintf("child frecklet '%s' failed", name), code, err)
		}
		node.FinishFromChildren("")
		if !node.Success() && !t.IgnoreErrors() {
			return &engine.AdapterResult{ExitCode: 1}, ferr.NewAdapterFailure(
				fmt.Sprintf("child frecklet '%s' failed", name), 1, nil)
		}
	}
	return &engine.AdapterResult{Properties: map[string]interface{}{"child_runs": runIDs}}, nil
}

func childVars(v interface{}) (map[string]interface{}, error) {
	switch val := v.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return val, nil
	default:
		return nil, fmt.Errorf("'%s' must be a mapping, got %T", VarVars, v)
	}
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
