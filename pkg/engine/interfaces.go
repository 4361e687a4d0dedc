package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/frecklet"
	"github.com/freckles-io/freckles/pkg/schema"
)

// Adapter is an execution backend for a subset of terminal task types.
// Adapters are linked into the binary and registered in a Registry.
type Adapter interface {
	// Name returns the unique adapter name.
	Name() string

	// ConfigSchema describes the adapter keys accepted in a context.
	ConfigSchema() *schema.Schema

	// RunConfigSchema describes adapter specific run config keys.
	RunConfigSchema() *schema.Schema

	// SupportedTaskTypes lists the terminal task types the adapter runs.
	SupportedTaskTypes() []string

	// SupportedResourceTypes lists resource folder types the adapter uses,
	// e.g. roles or scriptlings.
	SupportedResourceTypes() []string

	// FoldersForAlias returns default repository paths for a well-known
	// alias (default, user, community).
	FoldersForAlias(alias string) []string

	// ExtraFrecklets synthesizes virtual frecklets from the adapter's own
	// resources. resources maps a resource type to the folders found in
	// the configured repositories.
	ExtraFrecklets(resources map[string][]string) (map[string]map[string]interface{}, error)

	// PrepareExecutionRequirements performs one-time setup. It is called
	// at most once per adapter and process.
	PrepareExecutionRequirements(ctx context.Context, cfg *RunConfig, parent *callback.Task) error

	// Run executes a batch. Progress is reported on req.Parent, structured
	// task results are attached to the task callback nodes.
	Run(ctx context.Context, req *RunRequest) (*AdapterResult, error)
}

// RunRequest is everything an adapter needs to execute one batch.
type RunRequest struct {
	// RunID identifies the batch.
	RunID string

	// Tasks is the ordered task list of the batch.
	Tasks []*Task

	// RunVars is global context (cwd, frecklet name, ...).
	RunVars map[string]interface{}

	// RunConfig holds target, user and elevation settings.
	RunConfig *RunConfig

	// Secrets holds secret values passed outside the task vars, keyed by
	// name. become_pass and ssh_pass are included when set.
	Secrets map[string]interface{}

	// Env is the run directory of the batch.
	Env *RunEnv

	// Results collects register directives.
	Results *callback.ResultSink

	// Parent is the batch callback node.
	Parent *callback.Task

	// Resources maps resource types to folders of the configured repos.
	Resources map[string][]string

	// Config is the adapter section of the context.
	Config map[string]interface{}

	// Logger is scoped to the batch.
	Logger zerolog.Logger
}

// AdapterResult is returned by Adapter.Run.
type AdapterResult struct {
	// Properties are free-form adapter outputs stored in the run record.
	Properties map[string]interface{}

	// ExitCode is the exit code of the adapter process, 0 on success.
	ExitCode int
}

// FreckletLookup resolves frecklet names for the task-tree builder.
type FreckletLookup interface {
	// Get returns the frecklet indexed under name.
	Get(name string) (*frecklet.Frecklet, bool)

	// Lookup resolves a name, a file path or an inline frecklet.
	Lookup(nameOrPath string) (*frecklet.Frecklet, error)

	// RepoNames lists the configured repositories for error messages.
	RepoNames() []string

	// AllResources maps resource types to folders for adapters.
	AllResources() map[string][]string
}

// RunRecorder persists batch lifecycle records.
type RunRecorder interface {
	// StartBatch is called before the adapter runs.
	StartBatch(ctx context.Context, rec *RunRecord) error

	// FinishBatch is called after the adapter returned.
	FinishBatch(ctx context.Context, rec *RunRecord) error
}

// Prompter asks the user for values at run time.
type Prompter interface {
	// Password asks for a secret value without echoing it.
	Password(ctx context.Context, title, description string) (string, error)
}

// SudoChecker checks whether the local host allows passwordless sudo.
type SudoChecker interface {
	CanSudoWithoutPassword(ctx context.Context) bool
}

// DispatchAuthorizer decides whether a batch may be dispatched to an
// adapter. Warnings are the authorizer's business, an error stops the run.
type DispatchAuthorizer func(ctx context.Context, adapter string) error

// Metrics receives batch and task observations.
type Metrics interface {
	// RecordBatch observes a finished batch.
	RecordBatch(adapter string, status RunStatus, duration time.Duration)

	// RecordTask observes a finished task.
	RecordTask(adapter string, state TaskState)

	// WriteTextfile writes the current metrics in text exposition format.
	WriteTextfile(path string) error
}
