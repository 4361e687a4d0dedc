package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/ferr"
)

const tracerName = "github.com/freckles-io/freckles/pkg/engine"

// Dispatcher partitions a task list into adapter batches and runs them
// sequentially.
type Dispatcher struct {
	// registry resolves task types to adapters.
	registry *Registry

	// envs creates run directories and writes runs.log.
	envs *EnvManager

	// recorder persists batch records, may be nil.
	recorder RunRecorder

	// metrics observes batches and tasks, may be nil.
	metrics Metrics

	// authorize is consulted before each batch, may be nil.
	authorize DispatchAuthorizer

	// adapterConfig returns the context section of an adapter.
	adapterConfig func(adapter string) map[string]interface{}

	// resources maps resource types to repository folders.
	resources map[string][]string

	logger zerolog.Logger
	tracer trace.Tracer
}

// DispatcherConfig wires the collaborators of a Dispatcher.
type DispatcherConfig struct {
	Registry      *Registry
	Envs          *EnvManager
	Recorder      RunRecorder
	Metrics       Metrics
	Authorize     DispatchAuthorizer
	AdapterConfig func(adapter string) map[string]interface{}
	Resources     map[string][]string
	Logger        zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("dispatcher needs an adapter registry")
	}
	if cfg.Envs == nil {
		return nil, fmt.Errorf("dispatcher needs a run environment manager")
	}
	return &Dispatcher{
		registry:      cfg.Registry,
		envs:          cfg.Envs,
		recorder:      cfg.Recorder,
		metrics:       cfg.Metrics,
		authorize:     cfg.Authorize,
		adapterConfig: cfg.AdapterConfig,
		resources:     cfg.Resources,
		logger:        cfg.Logger.With().Str("component", "dispatcher").Logger(),
		tracer:        otel.Tracer(tracerName),
	}, nil
}

// Partition splits tasks into maximal contiguous batches served by the
// same adapter. A task type no adapter serves is a build error.
func (d *Dispatcher) Partition(tasks []*Task) ([]*Batch, error) {
	var batches []*Batch
	for _, t := range tasks {
		a, ok := d.registry.ForTaskType(t.Type())
		if !ok {
			return nil, ferr.NewBuildError(
				fmt.Sprintf("no adapter supports task type '%s'", t.Type()), nil,
			).WithPath(t.Path).
				WithSolution("use one of the supported task types: %s", strings.Join(d.registry.TaskTypes(), ", "))
		}
		t.Adapter = a.Name()

		if n := len(batches); n > 0 && batches[n-1].Adapter.Name() == a.Name() {
			batches[n-1].Tasks = append(batches[n-1].Tasks, t)
			continue
		}
		batches = append(batches, &Batch{
			Index:   len(batches) + 1,
			Adapter: a,
			Tasks:   []*Task{t},
		})
	}
	return batches, nil
}

// Dispatch is the input of one dispatcher run.
type Dispatch struct {
	// Frecklet is the name of the invoked frecklet.
	Frecklet string

	// Batches come from Partition.
	Batches []*Batch

	// RunVars is handed to every adapter.
	RunVars map[string]interface{}

	// RunConfig is the resolved run config, passwords already filled in.
	RunConfig *RunConfig

	// Secrets holds root secret values keyed by argument name.
	Secrets map[string]interface{}

	// Root is the callback node batches are attached to.
	Root *callback.Task

	// Results collects register directives.
	Results *callback.ResultSink
}

// Plan returns the records of a run that invokes no adapter.
func (d *Dispatcher) Plan(req *Dispatch) []*RunRecord {
	records := make([]*RunRecord, 0, len(req.Batches))
	for _, b := range req.Batches {
		records = append(records, d.newRecord(req, b, RunStatusNotRun))
	}
	return records
}

// Run dispatches the batches in order. After a failed batch the remaining
// batches are recorded as not run, unless the run config continues on
// errors. The returned error is the first adapter failure.
func (d *Dispatcher) Run(ctx context.Context, req *Dispatch) ([]*RunRecord, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("frecklet", req.Frecklet),
			attribute.Int("batches", len(req.Batches)),
		))
	defer span.End()

	var (
		records  []*RunRecord
		firstErr error
		stopped  bool
	)
	for _, b := range req.Batches {
		if stopped {
			records = append(records, d.newRecord(req, b, RunStatusNotRun))
			continue
		}
		rec, err := d.runBatch(ctx, req, b)
		records = append(records, rec)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !rec.Success && (req.RunConfig.StopOnFailure() || ctx.Err() != nil) {
			d.logger.Debug().
				Str("run_id", rec.RunID).
				Str("adapter", rec.AdapterName).
				Msg("Batch failed, not dispatching remaining batches")
			stopped = true
		}
	}

	if firstErr != nil {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, firstErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return records, firstErr
}

func (d *Dispatcher) newRecord(req *Dispatch, b *Batch, status RunStatus) *RunRecord {
	return &RunRecord{
		RunID:       uuid.New().String(),
		Frecklet:    req.Frecklet,
		AdapterName: b.Adapter.Name(),
		Tasks:       b.Tasks,
		RunVars:     req.RunVars,
		RunConfig:   req.RunConfig,
		Status:      status,
	}
}

// runBatch executes one batch and always returns its record.
func (d *Dispatcher) runBatch(ctx context.Context, req *Dispatch, b *Batch) (*RunRecord, error) {
	a := b.Adapter
	rec := d.newRecord(req, b, RunStatusPending)
	rec.StartedAt = time.Now().UTC()
	logger := d.logger.With().
		Str("run_id", rec.RunID).
		Str("adapter", a.Name()).
		Int("batch", b.Index).
		Logger()

	node := req.Root.AddSubtask(fmt.Sprintf("batch %d: %s", b.Index, a.Name()), callback.CategoryBatch)
	node.SetMeta("run_id", rec.RunID)
	rec.Callback = node

	fail := func(err error) (*RunRecord, error) {
		node.Fail(err.Error())
		rec.Status = RunStatusFailed
		rec.Success = false
		rec.Err = err
		rec.Exception = req.Root.Manager().Redactor().Redact(err.Error())
		rec.FinishedAt = time.Now().UTC()
		logger.Error().Err(errors.New(rec.Exception)).Msg("Batch could not be started")
		return rec, err
	}

	if d.authorize != nil {
		if err := d.authorize(ctx, a.Name()); err != nil {
			return fail(err)
		}
	}
	if err := d.registry.Prepare(ctx, a, req.RunConfig, node); err != nil {
		return fail(ferr.NewAdapterFailure(
			fmt.Sprintf("adapter '%s' could not prepare its execution requirements", a.Name()), 1, err,
		))
	}

	env, err := d.envs.Create(ctx, rec.RunID, a.Name(), req.RunConfig.Force)
	if err != nil {
		return fail(err)
	}
	rec.Env = env

	if err := d.envs.LogRun(ctx, env, req.Frecklet, LogStateStarted); err != nil {
		logger.Warn().Err(err).Msg("Failed to write runs.log")
	}
	rec.Status = RunStatusRunning
	if d.recorder != nil {
		if err := d.recorder.StartBatch(ctx, rec); err != nil {
			logger.Warn().Err(err).Msg("Failed to record batch start")
		}
	}

	detach := d.attachRunLog(env, node)
	runErr := d.invoke(ctx, req, b, rec, node, logger)
	detach()

	rec.FinishedAt = time.Now().UTC()
	switch {
	case runErr == nil && node.Success():
		rec.Status = RunStatusSucceeded
		rec.Success = true
	case ctx.Err() != nil:
		rec.Status = RunStatusCancelled
	default:
		rec.Status = RunStatusFailed
	}

	d.observe(rec, node, logger)

	if err := d.envs.LogRun(context.WithoutCancel(ctx), env, req.Frecklet, LogStateFinished); err != nil {
		logger.Warn().Err(err).Msg("Failed to write runs.log")
	}
	if d.recorder != nil {
		if err := d.recorder.FinishBatch(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn().Err(err).Msg("Failed to record batch result")
		}
	}

	logger.Info().
		Str("status", rec.Status.String()).
		Dur("duration", rec.Duration()).
		Msg("Batch finished")
	return rec, runErr
}

// invoke calls the adapter with the batch timeout applied and closes the
// batch node.
func (d *Dispatcher) invoke(ctx context.Context, req *Dispatch, b *Batch, rec *RunRecord, node *callback.Task, logger zerolog.Logger) error {
	a := b.Adapter
	runCtx := ctx
	if timeout := req.RunConfig.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	runCtx, span := d.tracer.Start(runCtx, "adapter."+a.Name(),
		trace.WithAttributes(
			attribute.String("run.id", rec.RunID),
			attribute.String("adapter", a.Name()),
			attribute.Int("tasks", len(b.Tasks)),
		))
	defer span.End()

	var cfg map[string]interface{}
	if d.adapterConfig != nil {
		cfg = d.adapterConfig(a.Name())
	}

	logger.Info().Int("tasks", len(b.Tasks)).Str("env_dir", rec.Env.Dir).Msg("Dispatching batch")
	result, err := a.Run(runCtx, &RunRequest{
		RunID:     rec.RunID,
		Tasks:     b.Tasks,
		RunVars:   req.RunVars,
		RunConfig: req.RunConfig,
		Secrets:   req.Secrets,
		Env:       rec.Env,
		Results:   req.Results,
		Parent:    node,
		Resources: d.resources,
		Config:    cfg,
		Logger:    logger,
	})
	if result != nil {
		rec.Properties = result.Properties
	}

	if err == nil {
		node.FinishFromChildren("")
		if !node.Success() {
			span.SetStatus(codes.Error, "task failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return nil
	}

	msg := node.Manager().Redactor().Redact(err.Error())
	if runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			msg = fmt.Sprintf("timed out after %s", req.RunConfig.TimeoutDuration())
		} else {
			msg = callback.CancelledMessage
		}
	}
	node.Fail(msg)
	rec.Exception = msg
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)

	if ferr.IsAdapterFailure(err) {
		rec.Err = err
		return err
	}
	exitCode := 1
	if result != nil && result.ExitCode != 0 {
		exitCode = result.ExitCode
	}
	rec.Err = ferr.NewAdapterFailure(fmt.Sprintf("adapter '%s' failed: %s", a.Name(), msg), exitCode, err).
		WithPath(rec.Env.Dir)
	return rec.Err
}

// attachRunLog streams the events of the batch subtree into run_log.json.
// The returned function detaches the sink and closes the file.
func (d *Dispatcher) attachRunLog(env *RunEnv, node *callback.Task) func() {
	f, err := os.OpenFile(env.RunLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		d.logger.Warn().Err(err).Str("path", env.RunLog).Msg("Cannot write run log")
		return func() {}
	}
	mgr := node.Manager()
	sink := callback.NewJSONSink(f, mgr.Redactor())
	sink.OnStart(node)
	scoped := callback.NewScopedSink(node, sink)
	mgr.AddSink(scoped)
	return func() {
		if !node.Finished() {
			node.Fail(callback.CancelledMessage)
		}
		mgr.RemoveSink(scoped)
		f.Close()
	}
}

// observe records metrics for the batch and its task nodes.
func (d *Dispatcher) observe(rec *RunRecord, node *callback.Task, logger zerolog.Logger) {
	if d.metrics == nil {
		return
	}
	node.Walk(func(t *callback.Task) bool {
		if _, ok := t.Meta(callback.MetaTaskID); ok && t.Finished() {
			d.metrics.RecordTask(rec.AdapterName, taskStateOf(t.Success(), t.Changed(), t.Skipped()))
			return false
		}
		return true
	})
	d.metrics.RecordBatch(rec.AdapterName, rec.Status, rec.Duration())
	if rec.Env != nil {
		if err := d.metrics.WriteTextfile(rec.Env.Metrics); err != nil {
			logger.Warn().Err(err).Msg("Failed to write metrics file")
		}
	}
}
