package commands

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/freckles-io/freckles/pkg/adapters/ansible"
	"github.com/freckles-io/freckles/pkg/adapters/nested"
	"github.com/freckles-io/freckles/pkg/adapters/shell"
	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/config"
	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/repo"
	"github.com/freckles-io/freckles/pkg/schema"
	"github.com/freckles-io/freckles/pkg/stores"
	"github.com/freckles-io/freckles/pkg/telemetry"
)

// app holds everything a command needs. Parts are opened lazily, so
// commands that only inspect the context never touch repositories.
type app struct {
	flags  *globalFlags
	out    io.Writer
	errOut io.Writer

	paths    config.Paths
	cfg      *config.Context
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	registry *engine.Registry
	nested   *nested.Adapter

	store    *repo.Store
	history  stores.Store
	redactor *callback.Redactor
	engine   *engine.Engine
}

// newApp creates the context and telemetry of a command.
func newApp(ctx context.Context, g *globalFlags, out, errOut io.Writer) (*app, error) {
	a := &app{
		flags:    g,
		out:      out,
		errOut:   errOut,
		paths:    config.DefaultPaths(),
		redactor: callback.NewRedactor(),
	}
	if err := a.paths.EnsureDirs(); err != nil {
		return nil, ferr.NewConfigError("cannot create freckles directories", err)
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.Logging.Level = g.level()
	a.logger = telemetry.NewWriterLogger(errOut, tcfg.Logging)

	a.nested = nested.New()
	registry, err := engine.NewRegistry(shell.New(), ansible.New(), a.nested)
	if err != nil {
		return nil, err
	}

	adapterSchemas := make(map[string]*schema.Schema)
	for _, ad := range registry.Adapters() {
		adapterSchemas[ad.Name()] = ad.ConfigSchema()
	}
	cfg, err := config.New(ctx, config.Options{
		Paths:          a.paths,
		Profiles:       g.contextConfig,
		AdapterSchemas: adapterSchemas,
		Logger:         a.logger.Zerolog(),
	})
	if err != nil {
		return nil, err
	}
	a.cfg = cfg

	enabled, err := cfg.Strings(config.KeyAdapters)
	if err != nil {
		return nil, err
	}
	if len(enabled) > 0 {
		if registry, err = registry.Select(enabled); err != nil {
			return nil, err
		}
	}
	a.registry = registry

	if err := a.initTelemetry(tcfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (g *globalFlags) level() string {
	switch {
	case g.logLevel != "":
		return g.logLevel
	case g.verbose:
		return "debug"
	default:
		return "warn"
	}
}

func (a *app) initTelemetry(tcfg *telemetry.Config) error {
	exporter, err := a.cfg.String(config.KeyTraceExporter)
	if err != nil {
		return err
	}
	endpoint, err := a.cfg.String(config.KeyOTLPEndpoint)
	if err != nil {
		return err
	}
	tcfg.Tracing.Exporter = exporter
	tcfg.Tracing.Endpoint = endpoint
	if err := tcfg.Validate(); err != nil {
		return ferr.NewConfigError("invalid telemetry settings", err)
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion)
	if err != nil {
		return ferr.NewConfigError("cannot set up tracing", err)
	}
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return err
	}
	a.tel = &telemetry.Telemetry{
		Logger:  a.logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  tcfg,
	}
	return nil
}

// Context attaches telemetry to ctx.
func (a *app) Context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

// repoSpecs returns the --repo flags, or the repos key of the context.
func (a *app) repoSpecs() ([]repo.Spec, error) {
	raw := a.flags.repos
	if len(raw) == 0 {
		var err error
		if raw, err = a.cfg.Strings(config.KeyRepos); err != nil {
			return nil, err
		}
	}
	specs := make([]repo.Spec, 0, len(raw))
	for _, s := range raw {
		spec, err := repo.ParseSpec(s)
		if err != nil {
			return nil, ferr.NewConfigError("invalid repository", err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// openStore opens the recipe store.
func (a *app) openStore(ctx context.Context) (*repo.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	specs, err := a.repoSpecs()
	if err != nil {
		return nil, err
	}
	validSecs, err := a.cfg.Int(config.KeyRemoteCacheValidTime)
	if err != nil {
		return nil, err
	}

	providers := make([]repo.ResourceProvider, 0, len(a.registry.Adapters()))
	for _, ad := range a.registry.Adapters() {
		providers = append(providers, ad)
	}

	store, err := repo.Open(ctx, specs, repo.Options{
		CacheDir:             a.paths.RepoCache(),
		FreshnessDB:          a.paths.FreshnessDB(),
		UserFolder:           a.paths.UserFrecklets(),
		RemoteCacheValidTime: time.Duration(validSecs) * time.Second,
		Providers:            providers,
		Authorize:            a.cfg.AuthorizeRepo,
		Logger:               a.logger.Zerolog(),
	})
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// openHistory opens the run history database. Failures only disable the
// history.
func (a *app) openHistory(ctx context.Context) stores.Store {
	if a.history != nil {
		return a.history
	}
	enabled, err := a.cfg.Bool(config.KeyStoreRunHistory)
	if err != nil || !enabled {
		return nil
	}
	history, err := openHistoryDB(ctx, a.paths.HistoryDB())
	if err != nil {
		a.logger.WithError(err).Warn("Run history disabled")
		return nil
	}
	a.history = history
	return history
}

func openHistoryDB(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	s, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// sinkNames returns the --output flags, or the callback key.
func (a *app) sinkNames() ([]string, error) {
	if len(a.flags.output) > 0 {
		return a.flags.output, nil
	}
	return a.cfg.Strings(config.KeyCallback)
}

// openEngine creates the engine on top of the recipe store.
func (a *app) openEngine(ctx context.Context) (*engine.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	runFolder, err := a.cfg.String(config.KeyRunFolder)
	if err != nil {
		return nil, err
	}
	currentRun, err := a.cfg.String(config.KeyCurrentRunFolder)
	if err != nil {
		return nil, err
	}
	addAdapter, err := a.cfg.Bool(config.KeyAddAdapterNameToRunFolder)
	if err != nil {
		return nil, err
	}
	addTimestamp, err := a.cfg.Bool(config.KeyAddTimestampToRunFolder)
	if err != nil {
		return nil, err
	}
	useKeyring, err := a.cfg.Bool(config.KeyUseKeyring)
	if err != nil {
		return nil, err
	}

	var keyring engine.Keyring
	if useKeyring {
		keyring = engine.NewSystemKeyring()
	}

	names, err := a.sinkNames()
	if err != nil {
		return nil, err
	}
	sinks := make([]callback.Sink, 0, len(names))
	for _, name := range names {
		sink, err := callback.NewSink(name, a.out, a.redactor)
		if err != nil {
			return nil, ferr.NewConfigError("invalid callback", err).
				WithSolution("use one of: %v", callback.Names())
		}
		sinks = append(sinks, sink)
	}

	var recorder engine.RunRecorder
	if history := a.openHistory(ctx); history != nil {
		recorder = history
	}

	logger := a.logger.Zerolog()
	e, err := engine.New(engine.Options{
		Lookup:   store,
		Registry: a.registry,
		Envs: engine.NewEnvManager(engine.EnvConfig{
			RunFolder:      runFolder,
			CurrentRun:     currentRun,
			ShareDir:       a.paths.ShareDir(),
			AddAdapterName: addAdapter,
			AddTimestamp:   addTimestamp,
		}),
		Secrets:       engine.NewSecretResolver(keyring, logger),
		SudoChecker:   engine.CommandSudoChecker{},
		Recorder:      recorder,
		Metrics:       a.tel.Metrics,
		Authorize:     a.cfg.AuthorizeDispatch,
		AdapterConfig: a.adapterConfig,
		Sinks:         sinks,
		Redactor:      a.redactor,
		RunVars:       map[string]interface{}{"context_name": a.cfg.Name()},
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	a.nested.SetRunner(e)
	a.engine = e
	return e, nil
}

func (a *app) adapterConfig(name string) map[string]interface{} {
	values, err := a.cfg.AdapterConfig(name)
	if err != nil {
		a.logger.WithAdapter(name).WithError(err).Warn("Ignoring adapter configuration")
		return nil
	}
	return values
}

// Close releases the store, the history and telemetry.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// withApp runs fn with an app built from the command's flags.
func withApp(cmd *cobra.Command, g *globalFlags, command string, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd.Context(), g, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	op := telemetry.StartOperation(a.Context(cmd.Context()), command)
	err = fn(op.Ctx, a)
	op.End(err)
	return err
}
