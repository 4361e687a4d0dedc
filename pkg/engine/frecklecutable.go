package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/frecklet"
	"github.com/freckles-io/freckles/pkg/schema"
	"github.com/freckles-io/freckles/pkg/target"
	"github.com/freckles-io/freckles/pkg/tmpl"
)

// Options wires an Engine.
type Options struct {
	// Lookup resolves frecklet names, required.
	Lookup FreckletLookup

	// Registry holds the adapters, required.
	Registry *Registry

	// Envs creates run directories, required unless every run is a no-run.
	Envs *EnvManager

	// Secrets replaces "ask" sentinels. Without it a sentinel is an error.
	Secrets *SecretResolver

	// SudoChecker checks for passwordless sudo on localhost.
	SudoChecker SudoChecker

	// Recorder persists batch records.
	Recorder RunRecorder

	// Metrics observes batches and tasks.
	Metrics Metrics

	// Authorize is consulted before each batch.
	Authorize DispatchAuthorizer

	// AdapterConfig returns the context section of an adapter.
	AdapterConfig func(adapter string) map[string]interface{}

	// Sinks receive callback events of top-level runs.
	Sinks []callback.Sink

	// Redactor is shared with the sinks. Secrets found while rendering
	// are added to it.
	Redactor *callback.Redactor

	// RunVars are merged into the run vars of every batch.
	RunVars map[string]interface{}

	Logger zerolog.Logger
}

// Engine compiles and runs frecklets.
type Engine struct {
	opts       Options
	resolver   *Resolver
	dispatcher *Dispatcher
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Lookup == nil {
		return nil, fmt.Errorf("engine needs a frecklet lookup")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine needs an adapter registry")
	}
	if opts.Redactor == nil {
		opts.Redactor = callback.NewRedactor()
	}
	logger := opts.Logger.With().Str("component", "engine").Logger()

	e := &Engine{
		opts:     opts,
		resolver: NewResolver(opts.Lookup),
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
	if opts.Envs != nil {
		d, err := NewDispatcher(DispatcherConfig{
			Registry:      opts.Registry,
			Envs:          opts.Envs,
			Recorder:      opts.Recorder,
			Metrics:       opts.Metrics,
			Authorize:     opts.Authorize,
			AdapterConfig: opts.AdapterConfig,
			Resources:     opts.Lookup.AllResources(),
			Logger:        opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		e.dispatcher = d
	}
	return e, nil
}

// Lookup returns the frecklet lookup of the engine.
func (e *Engine) Lookup() FreckletLookup {
	return e.opts.Lookup
}

// Registry returns the adapter registry.
func (e *Engine) Registry() *Registry {
	return e.opts.Registry
}

// Invalidate drops memoized argument schemas.
func (e *Engine) Invalidate() {
	e.resolver.Invalidate()
}

// Load resolves a frecklet name, path or inline frecklet.
func (e *Engine) Load(nameOrPath string) (*Frecklecutable, error) {
	f, err := e.opts.Lookup.Lookup(nameOrPath)
	if err != nil {
		return nil, err
	}
	return e.NewFrecklecutable(f), nil
}

// NewFrecklecutable wraps an already loaded frecklet.
func (e *Engine) NewFrecklecutable(f *frecklet.Frecklet) *Frecklecutable {
	return &Frecklecutable{engine: e, root: f}
}

// RunChild runs a frecklet as part of an outer run. Its callback root is
// attached to parent and its secrets are added to the parent's redactor.
func (e *Engine) RunChild(ctx context.Context, name string, vars map[string]interface{}, rc *RunConfig, parent *callback.Task) (*RunResult, error) {
	fx, err := e.Load(name)
	if err != nil {
		return nil, err
	}
	return fx.run(ctx, NewInventory(vars), rc, parent)
}

// Frecklecutable binds a root frecklet to an engine.
type Frecklecutable struct {
	engine *Engine
	root   *frecklet.Frecklet
}

// Frecklet returns the root frecklet.
func (f *Frecklecutable) Frecklet() *frecklet.Frecklet {
	return f.root
}

// Resolution returns the task tree and argument analysis of the root.
func (f *Frecklecutable) Resolution() (*Resolution, error) {
	return f.engine.resolver.Resolve(f.root)
}

// Schema returns the user-facing argument schema.
func (f *Frecklecutable) Schema() (*schema.Schema, error) {
	res, err := f.Resolution()
	if err != nil {
		return nil, err
	}
	return res.Schema, nil
}

// Tree returns the expanded task tree.
func (f *Frecklecutable) Tree() (*Tree, error) {
	res, err := f.Resolution()
	if err != nil {
		return nil, err
	}
	return res.Tree, nil
}

// Compile validates inv against the schema and renders the flat task list.
// Sentinel values are left as they are.
func (f *Frecklecutable) Compile(inv *Inventory) ([]*Task, error) {
	res, err := f.Resolution()
	if err != nil {
		return nil, err
	}
	prepared, err := f.prepare(res, inv)
	if err != nil {
		return nil, err
	}
	c, err := f.render(context.Background(), res, prepared)
	if err != nil {
		return nil, err
	}
	return c.tasks, nil
}

// Run compiles the frecklet and dispatches the tasks.
func (f *Frecklecutable) Run(ctx context.Context, inv *Inventory, rc *RunConfig) (*RunResult, error) {
	return f.run(ctx, inv, rc, nil)
}

func (f *Frecklecutable) run(ctx context.Context, inv *Inventory, rc *RunConfig, parent *callback.Task) (*RunResult, error) {
	e := f.engine
	if inv == nil {
		inv = NewInventory(nil)
	}
	if rc == nil {
		rc = DefaultRunConfig()
	} else {
		rc = rc.Clone()
	}

	ctx, span := e.tracer.Start(ctx, "frecklecutable",
		trace.WithAttributes(attribute.String("frecklet", f.root.ID)))
	defer span.End()
	logger := e.logger.With().Str("frecklet", f.root.ID).Logger()

	result, err := f.execute(ctx, inv, rc, parent, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result, err
}

func (f *Frecklecutable) execute(ctx context.Context, inv *Inventory, rc *RunConfig, parent *callback.Task, logger zerolog.Logger) (*RunResult, error) {
	e := f.engine

	res, err := f.Resolution()
	if err != nil {
		return nil, err
	}
	prepared, err := f.prepare(res, inv)
	if err != nil {
		return nil, err
	}
	if err := f.resolveAsk(ctx, res, prepared); err != nil {
		return nil, err
	}
	c, err := f.render(ctx, res, prepared)
	if err != nil {
		return nil, err
	}

	var batches []*Batch
	if len(c.tasks) > 0 {
		if e.dispatcher == nil {
			return nil, ferr.NewConfigError("no run folder configured", nil).
				WithKeys("run_folder")
		}
		if batches, err = e.dispatcher.Partition(c.tasks); err != nil {
			return nil, err
		}
	}

	result := &RunResult{
		RunID:   uuid.New().String(),
		Tasks:   c.tasks,
		Secrets: c.secrets,
	}
	root, results, detach := f.callbacks(parent, c)
	defer detach()
	result.Root = root
	for _, t := range c.tasks {
		// directives were validated while rendering
		reg, _ := t.Register()
		results.AddDirective(reg)
	}

	logger.Debug().
		Str("run_id", result.RunID).
		Int("tasks", len(c.tasks)).
		Int("batches", len(batches)).
		Interface("vars", prepared.Redacted()).
		Msg("Frecklet compiled")

	if len(c.tasks) == 0 {
		root.FinishFromChildren("nothing to do")
		result.Result = results.Result()
		return result, nil
	}

	req := &Dispatch{
		Frecklet:  f.root.ID,
		Batches:   batches,
		RunVars:   f.runVars(result.RunID),
		RunConfig: rc,
		Root:      root,
		Results:   results,
	}
	if rc.NoRun {
		result.Records = e.dispatcher.Plan(req)
		root.Finish(true, false, true, "not run", "")
		result.Result = results.Result()
		return result, nil
	}

	if err := f.resolveRunConfig(ctx, rc, c.tasks); err != nil {
		root.Fail(err.Error())
		return result, err
	}
	runSecrets := rc.secrets()
	for _, v := range runSecrets {
		root.Manager().Redactor().Add(v.(string))
	}
	for k, v := range c.secrets {
		runSecrets[k] = v
	}
	req.Secrets = runSecrets

	records, err := e.dispatcher.Run(ctx, req)
	result.Records = records
	if ctx.Err() != nil {
		root.Finish(false, false, false, "", callback.CancelledMessage)
	} else {
		root.FinishFromChildren("")
	}
	result.Result = results.Result()
	for _, rerr := range results.Errors() {
		logger.Warn().Err(rerr).Msg("Cannot register task result")
	}
	return result, err
}

// prepare validates the inventory and returns the resolved bindings with
// the secret keys marked.
func (f *Frecklecutable) prepare(res *Resolution, inv *Inventory) (*Inventory, error) {
	vars, unknown, err := res.ValidateInventory(inv.Vars())
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		f.engine.logger.Warn().
			Str("frecklet", f.root.ID).
			Strs("keys", unknown).
			Msg("Ignoring vars the frecklet does not use")
	}
	prepared := NewInventory(vars)
	prepared.MarkSecret(res.Schema.SecretKeys()...)
	prepared.MarkSecret(inv.SecretKeys()...)
	return prepared, nil
}

// resolveAsk replaces sentinel values of secret arguments.
func (f *Frecklecutable) resolveAsk(ctx context.Context, res *Resolution, inv *Inventory) error {
	var pending []string
	for _, k := range inv.AskKeys() {
		if inv.IsSecret(k) {
			pending = append(pending, k)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if f.engine.opts.Secrets == nil {
		return ferr.NewConfigError(fmt.Sprintf("value for '%s' is required but cannot be asked for", pending[0]), nil).
			WithKeys(pending...).
			WithSolution("pass the values explicitly")
	}
	descriptions := make(map[string]string, len(pending))
	for _, k := range pending {
		if a, ok := res.Schema.Get(k); ok {
			descriptions[k] = a.Doc.ShortHelp
		}
	}
	return f.engine.opts.Secrets.ResolveInventory(ctx, inv, descriptions)
}

// resolveRunConfig fills password sentinels, asking for a become password
// when a local task needs elevation and sudo is not passwordless.
func (f *Frecklecutable) resolveRunConfig(ctx context.Context, rc *RunConfig, tasks []*Task) error {
	needsBecome := rc.Become
	localBecome := false
	for _, t := range tasks {
		if !t.Become && !rc.Become {
			continue
		}
		needsBecome = true
		spec := t.Target
		if spec == "" {
			spec = rc.Target
		}
		if isLocalSpec(ctx, spec) {
			localBecome = true
		}
	}

	if f.engine.opts.Secrets == nil {
		if IsAsk(rc.BecomePass) || IsAsk(rc.SSHPass) {
			return ferr.NewConfigError("run config asks for a password but cannot prompt", nil).
				WithKeys("become_pass", "ssh_pass")
		}
		return nil
	}
	return f.engine.opts.Secrets.ResolveRunConfig(ctx, rc, needsBecome, localBecome, f.engine.opts.SudoChecker)
}

func isLocalSpec(ctx context.Context, spec string) bool {
	t, err := target.ParseWith(ctx, spec, func(context.Context, string) ([]byte, error) {
		return nil, errors.New("not local")
	})
	return err == nil && t.IsLocal()
}

// callbacks creates the callback root of the run. A nested run attaches to
// parent and shares its manager.
func (f *Frecklecutable) callbacks(parent *callback.Task, c *compiled) (*callback.Task, *callback.ResultSink, func()) {
	results := callback.NewResultSink()
	name := fmt.Sprintf("frecklecutable '%s'", f.root.ID)

	if parent != nil {
		mgr := parent.Manager()
		mgr.Redactor().Add(c.redact...)
		mgr.AddSink(results)
		root := parent.AddSubtask(name, callback.CategoryRun)
		results.SetRoot(root)
		return root, results, func() { mgr.RemoveSink(results) }
	}

	redactor := f.engine.opts.Redactor
	redactor.Add(c.redact...)
	mgr := callback.NewManager(redactor, f.engine.opts.Sinks...)
	mgr.AddSink(results)
	root := mgr.NewRoot(name, callback.CategoryRun)
	results.SetRoot(root)
	return root, results, func() {}
}

func (f *Frecklecutable) runVars(runID string) map[string]interface{} {
	vars := make(map[string]interface{}, len(f.engine.opts.RunVars)+2)
	for k, v := range f.engine.opts.RunVars {
		vars[k] = v
	}
	vars["frecklet_name"] = f.root.ID
	vars["frecklecutable_run_id"] = runID
	return vars
}

// compiled is the render output of one run.
type compiled struct {
	tasks []*Task

	// secrets holds the root secret values by argument name.
	secrets map[string]interface{}

	// redact holds every rendered secret string.
	redact []string
}

func (c *compiled) addRedact(v interface{}) {
	switch val := v.(type) {
	case string:
		if val != "" && !IsAsk(val) {
			c.redact = append(c.redact, val)
		}
	case map[string]interface{}:
		for _, k := range schema.SortedKeys(val) {
			c.addRedact(val[k])
		}
	case []interface{}:
		for _, item := range val {
			c.addRedact(item)
		}
	}
}

// scope is the rendered state of a frecklet node its children see.
type scope struct {
	node   *Node
	vars   map[string]interface{}
	secret map[string]bool
	target string
	become bool
}

// render walks the tree top-down, pruning skipped subtrees, and returns
// the deduplicated task list.
func (f *Frecklecutable) render(ctx context.Context, res *Resolution, inv *Inventory) (*compiled, error) {
	_, span := f.engine.tracer.Start(ctx, "render",
		trace.WithAttributes(attribute.String("frecklet", f.root.ID)))
	defer span.End()

	vars := inv.Vars()
	c := &compiled{secrets: make(map[string]interface{})}
	secret := make(map[string]bool)
	for _, k := range inv.SecretKeys() {
		secret[k] = true
		if v, ok := vars[k]; ok && v != nil {
			c.secrets[k] = v
			c.addRedact(v)
		}
	}

	root := &scope{node: res.Tree.Root, vars: vars, secret: secret}
	if err := f.renderChildren(res, root, c); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.tasks = Deduplicate(c.tasks)
	span.SetAttributes(attribute.Int("tasks", len(c.tasks)))
	return c, nil
}

func (f *Frecklecutable) renderChildren(res *Resolution, parent *scope, c *compiled) error {
	for _, child := range parent.node.Children {
		if err := f.renderNode(res, parent, child, c); err != nil {
			return err
		}
	}
	return nil
}

func (f *Frecklecutable) renderNode(res *Resolution, parent *scope, n *Node, c *compiled) error {
	entry := n.Entry
	repl, failures := replacements(res, parent, entry)

	rawTarget, targetErr := tmpl.Render(entry.Frecklet[frecklet.KeyTarget], repl)
	skip, err := tmpl.Render(entry.Frecklet[frecklet.KeySkip], repl)
	if err != nil {
		return renderError(n, frecklet.KeySkip, err)
	}
	if schema.Truthy(skip) {
		if len(failures) > 0 || targetErr != nil {
			f.engine.logger.Debug().
				Str("path", n.Path()).
				Strs("keys", schema.FailedKeys(failures)).
				Msg("Dropping render errors of skipped subtree")
		}
		return nil
	}
	if len(failures) > 0 {
		return validationError(n, failures)
	}
	if targetErr != nil {
		return renderError(n, frecklet.KeyTarget, targetErr)
	}

	meta, err := tmpl.RenderMap(entry.Frecklet, repl)
	if err != nil {
		return renderError(n, frecklet.SectionFrecklet, err)
	}
	task, err := tmpl.RenderMap(entry.Task, repl)
	if err != nil {
		return renderError(n, frecklet.SectionTask, err)
	}
	vars, err := tmpl.RenderMap(entry.Vars, repl)
	if err != nil {
		return renderError(n, frecklet.SectionVars, err)
	}

	own := stringOf(rawTarget)
	if own == "" {
		own = parent.target
	}
	become := parent.become ||
		schema.Truthy(meta[frecklet.KeyBecome]) ||
		schema.Truthy(task[frecklet.KeyBecome])

	secret := childSecrets(parent, n)
	for k := range secret {
		if v, ok := vars[k]; ok {
			c.addRedact(v)
		}
	}

	if !n.IsLeaf() {
		return f.renderChildren(res, &scope{
			node:   n,
			vars:   vars,
			secret: secret,
			target: own,
			become: become,
		}, c)
	}

	meta[callback.MetaTaskID] = n.ID
	t := &Task{
		ID:       n.ID,
		Path:     n.Path(),
		Frecklet: meta,
		Task:     task,
		Vars:     vars,
		Target:   own,
		Become:   become,
	}
	for k := range secret {
		if _, ok := vars[k]; ok {
			t.SecretKeys = append(t.SecretKeys, k)
		}
	}
	sort.Strings(t.SecretKeys)
	if _, err := t.Register(); err != nil {
		return renderError(n, frecklet.KeyRegister, err)
	}
	c.tasks = append(c.tasks, t)
	return nil
}

// replacements validates the parent values of every key an entry
// references against the parent's descriptors.
func replacements(res *Resolution, parent *scope, entry *frecklet.TaskEntry) (map[string]interface{}, map[string]string) {
	repl := make(map[string]interface{})
	failures := make(map[string]string)
	for _, k := range entryKeys(entry) {
		v, present := parent.vars[k]
		value, err := res.ArgFor(parent.node, k).Resolve(v, present)
		if err != nil {
			failures[k] = err.Error()
			continue
		}
		if value != nil {
			repl[k] = value
		}
	}
	return repl, failures
}

// childSecrets returns the vars of n derived from secret parent values,
// plus the secret arguments n's frecklet declares.
func childSecrets(parent *scope, n *Node) map[string]bool {
	secret := make(map[string]bool)
	for k, binding := range n.Entry.Vars {
		for _, ref := range tmpl.ReferencedKeys(binding) {
			if parent.secret[ref] {
				secret[k] = true
				break
			}
		}
	}
	if !n.IsLeaf() && n.Frecklet.Args != nil {
		for _, k := range n.Frecklet.Args.SecretKeys() {
			secret[k] = true
		}
	}
	return secret
}

func renderError(n *Node, section string, err error) error {
	return ferr.NewRenderError(fmt.Sprintf("cannot render '%s' of '%s'", section, n.Path()), err).
		WithPath(n.Path()).
		WithReason("%v", err)
}

func validationError(n *Node, failures map[string]string) error {
	keys := schema.FailedKeys(failures)
	reasons := make([]string, 0, len(keys))
	for _, k := range keys {
		reasons = append(reasons, fmt.Sprintf("%s: %s", k, failures[k]))
	}
	err := ferr.NewRenderError(fmt.Sprintf("invalid vars for '%s'", n.Path()), nil).
		WithPath(n.Path()).
		WithKeys(keys...).
		WithReason("%s", strings.Join(reasons, "; "))
	for _, k := range keys {
		err = err.WithDetail(k, failures[k])
	}
	return err
}
