package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/frecklet"
	"github.com/freckles-io/freckles/pkg/schema"
)

// mockLookup serves frecklets parsed from YAML strings.
type mockLookup struct {
	frecklets map[string]*frecklet.Frecklet
}

func newMockLookup(t *testing.T, docs map[string]string) *mockLookup {
	t.Helper()
	l := &mockLookup{frecklets: make(map[string]*frecklet.Frecklet)}
	for id, doc := range docs {
		f, err := frecklet.Parse(id, []byte(doc))
		if err != nil {
			t.Fatalf("Expected frecklet %s to parse, got: %v", id, err)
		}
		l.frecklets[id] = f
	}
	return l
}

func (l *mockLookup) Get(name string) (*frecklet.Frecklet, bool) {
	f, ok := l.frecklets[name]
	return f, ok
}

func (l *mockLookup) Lookup(name string) (*frecklet.Frecklet, error) {
	f, ok := l.frecklets[name]
	if !ok {
		return nil, ferr.NewInvalidFrecklet(fmt.Sprintf("no frecklet '%s'", name), nil)
	}
	return f, nil
}

func (l *mockLookup) RepoNames() []string {
	return []string{"test-repo"}
}

func (l *mockLookup) AllResources() map[string][]string {
	return nil
}

// mockAdapter reports every task as changed unless told otherwise.
type mockAdapter struct {
	name  string
	types []string

	// failTasks fails the tasks with these ids.
	failTasks map[int]bool

	// failMessage is the error message of failed tasks.
	failMessage string

	// err is returned from Run.
	err error

	// exitCode is returned with err.
	exitCode int

	// onRun is called before the tasks are reported.
	onRun func(ctx context.Context, req *RunRequest) error

	mu       sync.Mutex
	requests []*RunRequest
	prepared int
}

func newMockAdapter(name string, types ...string) *mockAdapter {
	return &mockAdapter{name: name, types: types, failTasks: map[int]bool{}}
}

func (m *mockAdapter) Name() string { return m.name }
func (m *mockAdapter) ConfigSchema() *schema.Schema { return schema.NewSchema() }
func (m *mockAdapter) RunConfigSchema() *schema.Schema { return schema.NewSchema() }
func (m *mockAdapter) SupportedTaskTypes() []string { return m.types }
func (m *mockAdapter) SupportedResourceTypes() []string { return nil }
func (m *mockAdapter) FoldersForAlias(string) []string { return nil }

func (m *mockAdapter) ExtraFrecklets(map[string][]string) (map[string]map[string]interface{}, error) {
	return nil, nil
}

func (m *mockAdapter) PrepareExecutionRequirements(ctx context.Context, cfg *RunConfig, parent *callback.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared++
	return nil
}

func (m *mockAdapter) Run(ctx context.Context, req *RunRequest) (*AdapterResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.onRun != nil {
		if err := m.onRun(ctx, req); err != nil {
			return nil, err
		}
	}
	for _, t := range req.Tasks {
		node := t.StartCallback(req.Parent)
		node.SetResult(map[string]interface{}{"task": t.Name()})
		if m.failTasks[t.ID] {
			node.Finish(false, false, false, "", m.failMessage)
			continue
		}
		node.Finish(true, true, false, "", "")
	}
	if m.err != nil {
		return &AdapterResult{ExitCode: m.exitCode}, m.err
	}
	return &AdapterResult{Properties: map[string]interface{}{"adapter": m.name}}, nil
}

func (m *mockAdapter) runs() []*RunRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*RunRequest(nil), m.requests...)
}

// countingPrompter answers every prompt with the same value.
type countingPrompter struct {
	mu     sync.Mutex
	answer string
	calls  int
}

func (p *countingPrompter) Password(ctx context.Context, title, description string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.answer, nil
}

// testEnvManager creates run directories below a temp dir.
func testEnvManager(t *testing.T) *EnvManager {
	t.Helper()
	base := t.TempDir()
	return NewEnvManager(EnvConfig{
		RunFolder:      filepath.Join(base, "runs"),
		CurrentRun:     filepath.Join(base, "current"),
		ShareDir:       filepath.Join(base, "share"),
		AddAdapterName: true,
	})
}

// newTestEngine wires an engine with the given lookup and adapters.
func newTestEngine(t *testing.T, lookup FreckletLookup, adapters ...Adapter) *Engine {
	t.Helper()
	return newTestEngineWith(t, lookup, nil, adapters...)
}

// newTestEngineWith lets mutate adjust the options before the engine is
// created.
func newTestEngineWith(t *testing.T, lookup FreckletLookup, mutate func(*Options), adapters ...Adapter) *Engine {
	t.Helper()
	registry, err := NewRegistry(adapters...)
	if err != nil {
		t.Fatalf("Expected registry, got: %v", err)
	}
	envs := testEnvManager(t)
	if err := os.MkdirAll(envs.cfg.ShareDir, 0o755); err != nil {
		t.Fatalf("Expected share dir, got: %v", err)
	}
	opts := Options{
		Lookup:   lookup,
		Registry: registry,
		Envs:     envs,
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("Expected engine, got: %v", err)
	}
	return e
}
