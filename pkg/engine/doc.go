// Package engine turns a frecklet and its inputs into executed tasks.
//
// # Overview
//
// A frecklet is a named, composable automation unit. Non-terminal entries
// reference other frecklets, terminal entries are run by an adapter. The
// engine runs a frecklet in five steps:
//
//  1. Build - Expand the frecklet into a task tree (BuildTree)
//  2. Resolve - Derive the user-facing argument schema (Resolver)
//  3. Render - Validate inputs and render every leaf into a Task (Frecklecutable.Compile)
//  4. Partition - Group consecutive tasks of one adapter into batches (Dispatcher.Partition)
//  5. Dispatch - Run the batches in order, each in a fresh run directory (Dispatcher.Run)
//
// # Core Types
//
//   - Tree, Node: The expanded task tree, node ids are pre-order
//   - Resolution: The argument schema of a root frecklet and the per-leaf VarTree
//   - Inventory: The caller's input values and the keys marked secret
//   - Task: A rendered terminal task with target, elevation and register directive
//   - Batch: Consecutive tasks handled by one adapter
//   - RunRecord: Lifecycle record of one batch
//   - RunResult: Records and registered results of a whole run
//
// # Adapter Interface
//
// Adapters execute batches of terminal tasks:
//
//	type Adapter interface {
//	    Name() string
//	    SupportedTaskTypes() []string
//	    PrepareExecutionRequirements(ctx context.Context, cfg *RunConfig, parent *callback.Task) error
//	    Run(ctx context.Context, req *RunRequest) (*AdapterResult, error)
//	    ...
//	}
//
// Adapters are registered in a Registry. A task type is served by exactly
// one adapter.
//
// # Failure Handling
//
// Batches run sequentially. With fail_fast set and continue_on_error unset
// the first failed batch stops the run and the rest are recorded as
// not_run. Cancelling the context closes every open callback node and
// records the batch as cancelled.
//
// # Secrets
//
// Arguments of type password and values bound to the "ask" sentinel are
// secret. Secret values never reach a callback sink, the run log or the
// run history in clear text.
//
// # Example Usage
//
//	e, err := engine.New(engine.Options{
//	    Lookup:   store,
//	    Registry: registry,
//	    Envs:     engine.NewEnvManager(envCfg),
//	    Logger:   logger,
//	})
//	f, err := e.Load("nginx-install")
//	result, err := f.Run(ctx, engine.NewInventory(map[string]interface{}{"port": 8080}), engine.DefaultRunConfig())
package engine
