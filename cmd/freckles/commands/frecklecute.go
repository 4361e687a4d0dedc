package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/freckles-io/freckles/pkg/config"
	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/telemetry"
)

func newFrecklecuteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "frecklecute [global flags] <frecklet> [frecklet flags]",
		Short: "Run a frecklet",
		Long: `Run a frecklet by name, by path or as an inline YAML/JSON document.

The arguments of the frecklet become flags after its name:
  - boolean arguments are --name/--no-name
  - list arguments are repeatable
  - password arguments ask interactively unless given

Global flags must come before the frecklet name.`,
		Example: `  # Run a frecklet from the default repositories
  freckles frecklecute hello-world --name World

  # Show the arguments of a frecklet
  freckles frecklecute user-exists --help

  # Run against a remote host with elevated permissions
  freckles frecklecute -t admin@10.0.0.5 --elevated user-exists --name deploy

  # Compile and plan without running anything
  freckles frecklecute --no-run ./setup.frecklet --vars @vars.yml`,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFrecklecute(cmd, args)
		},
	}
	return cmd
}

func runFrecklecute(cmd *cobra.Command, args []string) error {
	var g globalFlags
	fs := pflag.NewFlagSet("frecklecute", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	g.register(fs)
	help := fs.BoolP("help", "h", false, "show help")
	version := fs.Bool("version", false, "show version")
	fs.SetInterspersed(false)
	if err := fs.Parse(args); err != nil {
		return ferr.NewConfigError("invalid flags", err).
			WithSolution("global flags must come before the frecklet name")
	}

	rest := fs.Args()
	switch {
	case *version:
		printf(cmd.OutOrStdout(), "%s\n", cmd.Version)
		return nil
	case len(rest) == 0 && *help:
		printf(cmd.OutOrStdout(), "%s\n\nGlobal Flags:\n%s", cmd.Long, fs.FlagUsages())
		return nil
	case len(rest) == 0:
		return ferr.NewConfigError("no frecklet specified", nil).
			WithSolution("run '%s <frecklet> [flags]', list frecklets with 'freckles list'", cmd.CommandPath())
	}

	a, err := newApp(cmd.Context(), &g, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	op := telemetry.StartOperation(a.Context(cmd.Context()), "frecklecute",
		telemetry.AttrFrecklet.String(rest[0]),
		telemetry.AttrContext.String(a.cfg.Name()))
	result, err := frecklecute(op.Ctx, a, rest[0], rest[1:])
	if result != nil {
		op.EndRun(result.RunID, result.Success(), err)
	} else {
		op.End(err)
	}
	return err
}

// frecklecute loads, parses and runs one frecklet. A nil result with a nil
// error means only the help was printed.
func frecklecute(ctx context.Context, a *app, name string, args []string) (*engine.RunResult, error) {
	e, err := a.openEngine(ctx)
	if err != nil {
		return nil, err
	}
	fx, err := e.Load(name)
	if err != nil {
		return nil, err
	}
	s, err := fx.Schema()
	if err != nil {
		return nil, err
	}
	flags, err := newArgFlags(fx.Frecklet().ID, s)
	if err != nil {
		return nil, err
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.Help() {
		printFreckletHelp(a.out, fx, flags)
		return nil, nil
	}

	vars, err := loadVars(a.flags.vars)
	if err != nil {
		return nil, err
	}
	fromFlags, err := flags.Values(vars)
	if err != nil {
		return nil, err
	}
	for k, v := range fromFlags {
		vars[k] = v
	}
	inv := engine.NewInventory(vars)

	failFast, err := a.cfg.Bool(config.KeyFailFast)
	if err != nil {
		return nil, err
	}
	raw, err := a.flags.runConfigRaw(failFast)
	if err != nil {
		return nil, err
	}
	rc, err := engine.ParseRunConfig(raw, inv.Vars())
	if err != nil {
		return nil, err
	}

	a.logger.WithFrecklet(fx.Frecklet().ID).
		WithField("target", rc.Target).
		WithField("no_run", rc.NoRun).
		Debug("Running frecklet")

	result, err := fx.Run(ctx, inv, rc)
	if err != nil {
		return result, err
	}

	if rc.NoRun {
		printPlan(a.out, result)
	}
	if len(result.Result) > 0 {
		data, err := yaml.Marshal(a.redactor.RedactVars(result.Result, nil))
		if err != nil {
			return result, fmt.Errorf("cannot encode result: %w", err)
		}
		printf(a.out, "%s", data)
	}
	if !result.Success() {
		return result, runFailure(result)
	}
	return result, nil
}

// runFailure returns the error of the first failed batch.
func runFailure(result *engine.RunResult) error {
	for _, rec := range result.Records {
		if rec.Success || rec.Status == engine.RunStatusNotRun {
			continue
		}
		if rec.Err != nil {
			if _, ok := ferr.KindOf(rec.Err); ok {
				return rec.Err
			}
		}
		msg := rec.Exception
		if msg == "" {
			msg = fmt.Sprintf("%s run failed", rec.AdapterName)
		}
		return ferr.NewAdapterFailure(msg, 1, rec.Err).
			WithDetail("run_id", rec.RunID)
	}
	return ferr.NewAdapterFailure("frecklet run failed", 1, nil)
}

func printFreckletHelp(w io.Writer, fx *engine.Frecklecutable, flags *argFlags) {
	f := fx.Frecklet()
	printf(w, "Usage: frecklecute [global flags] %s [flags]\n\n", f.ID)
	if f.Doc.ShortHelp != "" {
		printf(w, "%s\n\n", f.Doc.ShortHelp)
	}
	if f.Doc.Help != "" {
		printf(w, "%s\n\n", strings.TrimSpace(f.Doc.Help))
	}
	printf(w, "Flags:\n%s", flags.Usage())
}

func printPlan(w io.Writer, result *engine.RunResult) {
	for i, rec := range result.Records {
		printf(w, "batch %d: %s (%d tasks, %s)\n", i+1, rec.AdapterName, len(rec.Tasks), rec.Status)
		for _, t := range rec.Tasks {
			printf(w, "  - [%d] %s\n", t.ID, t.Title())
		}
	}
}
