package commands

import (
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/freckles-io/freckles/pkg/engine"
	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/schema"
	"github.com/freckles-io/freckles/pkg/tmpl"
)

// argFlags is the flag set generated from the argument schema of a
// frecklet.
type argFlags struct {
	fs      *pflag.FlagSet
	args    []*schema.Arg
	names   map[string]string
	aliases map[string]string
	help    *bool
}

// newArgFlags builds flags for every argument of s:
//   - boolean arguments become --name/--no-name
//   - list arguments become a repeatable --name
//   - password arguments default to the "ask" sentinel
//   - dict arguments take a JSON or YAML mapping
//
// The cli hints of an argument may rename the flag (param_decls), hide it
// (enabled: false) or set the metavar shown in the help.
func newArgFlags(name string, s *schema.Schema) (*argFlags, error) {
	f := &argFlags{
		fs:      pflag.NewFlagSet(name, pflag.ContinueOnError),
		names:   make(map[string]string),
		aliases: make(map[string]string),
	}
	f.fs.SortFlags = false
	f.help = f.fs.BoolP("help", "h", false, "show the arguments of this frecklet")
	f.fs.SetNormalizeFunc(f.normalize)

	for _, arg := range s.Args() {
		if enabled, ok := arg.CLI["enabled"].(bool); ok && !enabled {
			continue
		}
		long, short := flagNames(arg)
		if f.fs.Lookup(long) != nil {
			return nil, ferr.NewBuildError(fmt.Sprintf("argument '%s' cannot be used as flag --%s", arg.Key, long), nil).
				WithSolution("set cli.param_decls of the argument to a different flag name")
		}
		if short != "" && f.fs.ShorthandLookup(short) != nil {
			short = ""
		}
		usage := flagUsage(arg)

		switch arg.Type {
		case schema.TypeBoolean:
			def := arg.HasDefault && schema.Truthy(arg.Default)
			f.fs.BoolP(long, short, def, usage)
			f.fs.Bool("no-"+long, false, "disable --"+long)
		case schema.TypeList:
			f.fs.StringArrayP(long, short, nil, usage+" (repeatable)")
		default:
			def := ""
			if arg.HasDefault && arg.Default != nil {
				def = fmt.Sprint(arg.Default)
			} else if arg.Type == schema.TypePassword {
				def = engine.Ask
			}
			f.fs.StringP(long, short, def, usage)
		}
		f.args = append(f.args, arg)
		f.names[arg.Key] = long

		for _, alias := range arg.Aliases {
			a := flagName(alias)
			if a == long {
				continue
			}
			f.aliases[a] = long
			if arg.Type == schema.TypeBoolean {
				f.aliases["no-"+a] = "no-" + long
			}
		}
	}
	return f, nil
}

func (f *argFlags) normalize(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	name = flagName(name)
	if target, ok := f.aliases[name]; ok {
		return pflag.NormalizedName(target)
	}
	return pflag.NormalizedName(name)
}

// flagName turns an argument key into a flag name.
func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// flagNames returns the long and short flag names of arg.
func flagNames(arg *schema.Arg) (string, string) {
	long, short := flagName(arg.Key), ""
	decls, _ := arg.CLI["param_decls"].([]interface{})
	for _, d := range decls {
		s := fmt.Sprint(d)
		switch {
		case strings.HasPrefix(s, "--"):
			long = flagName(strings.TrimPrefix(s, "--"))
		case strings.HasPrefix(s, "-") && len(s) == 2:
			short = s[1:]
		}
	}
	return long, short
}

func flagUsage(arg *schema.Arg) string {
	usage := arg.Doc.ShortHelp
	if usage == "" {
		usage = arg.Key
	}
	if mv, ok := arg.CLI["metavar"].(string); ok && mv != "" {
		usage = fmt.Sprintf("`%s` %s", mv, usage)
	}
	if arg.Required && !arg.HasDefault && arg.Type != schema.TypePassword {
		usage += " [required]"
	}
	return usage
}

// Parse parses the frecklet arguments.
func (f *argFlags) Parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		return ferr.NewVarValidation("invalid frecklet arguments", err).
			WithSolution("run with --help to list the arguments of the frecklet")
	}
	if rest := f.fs.Args(); len(rest) > 0 {
		return ferr.NewVarValidation(fmt.Sprintf("unexpected arguments: %s", strings.Join(rest, " ")), nil)
	}
	return nil
}

// Help reports whether --help was passed.
func (f *argFlags) Help() bool {
	return *f.help
}

// Usage returns the flag help text.
func (f *argFlags) Usage() string {
	return f.fs.FlagUsages()
}

// Values returns the vars set on the command line. present holds the
// keys already bound from other sources, password arguments missing
// from both are set to the ask sentinel.
func (f *argFlags) Values(present map[string]interface{}) (map[string]interface{}, error) {
	values := make(map[string]interface{})
	for _, arg := range f.args {
		long := f.names[arg.Key]
		switch arg.Type {
		case schema.TypeBoolean:
			on, off := f.fs.Changed(long), f.fs.Changed("no-"+long)
			if on && off {
				return nil, ferr.NewVarValidation(fmt.Sprintf("--%s and --no-%s are mutually exclusive", long, long), nil).
					WithKeys(arg.Key)
			}
			if on {
				v, _ := f.fs.GetBool(long)
				values[arg.Key] = v
			}
			if off {
				values[arg.Key] = false
			}

		case schema.TypeList:
			if !f.fs.Changed(long) {
				continue
			}
			raw, _ := f.fs.GetStringArray(long)
			list := make([]interface{}, 0, len(raw))
			for _, item := range raw {
				list = append(list, parseScalar(item))
			}
			values[arg.Key] = list

		case schema.TypeDict:
			if !f.fs.Changed(long) {
				continue
			}
			raw, _ := f.fs.GetString(long)
			m, err := parseMapping(raw)
			if err != nil {
				return nil, ferr.NewVarValidation(fmt.Sprintf("--%s expects a JSON or YAML mapping", long), err).
					WithKeys(arg.Key)
			}
			values[arg.Key] = m

		case schema.TypePassword:
			raw, _ := f.fs.GetString(long)
			_, bound := present[arg.Key]
			switch {
			case f.fs.Changed(long):
				values[arg.Key] = raw
			case !bound && !arg.HasDefault:
				values[arg.Key] = engine.Ask
			}

		case schema.TypeString:
			if f.fs.Changed(long) {
				raw, _ := f.fs.GetString(long)
				values[arg.Key] = raw
			}

		default:
			if f.fs.Changed(long) {
				raw, _ := f.fs.GetString(long)
				values[arg.Key] = parseScalar(raw)
			}
		}
	}
	return values, nil
}

// parseScalar decodes a YAML scalar, falling back to the raw string.
func parseScalar(s string) interface{} {
	var v interface{}
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	return tmpl.Normalize(v)
}

func parseMapping(s string) (map[string]interface{}, error) {
	var v interface{}
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	m, ok := tmpl.Normalize(v).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("not a mapping: %q", s)
	}
	return m, nil
}

// loadVars merges --vars values in order, later values win. A value
// starting with @ is read from a file.
func loadVars(specs []string) (map[string]interface{}, error) {
	vars := make(map[string]interface{})
	for _, spec := range specs {
		data := spec
		if path, ok := strings.CutPrefix(spec, "@"); ok {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, ferr.NewVarValidation(fmt.Sprintf("cannot read vars file '%s'", path), err).WithPath(path)
			}
			data = string(raw)
		}
		m, err := parseMapping(data)
		if err != nil {
			return nil, ferr.NewVarValidation("invalid --vars value", err).
				WithReason("vars must be a JSON or YAML mapping, or @file")
		}
		if err := mergo.Merge(&vars, m, mergo.WithOverride); err != nil {
			return nil, ferr.NewVarValidation("cannot merge vars", err)
		}
	}
	return vars, nil
}

// runConfigRaw collects the run config keys set by global flags.
func (g *globalFlags) runConfigRaw(failFast bool) (map[string]interface{}, error) {
	raw := map[string]interface{}{"fail_fast": failFast}
	if g.target != "" {
		raw["target"] = g.target
	}
	if g.elevated && g.notElevated {
		return nil, ferr.NewConfigError("--elevated and --not-elevated are mutually exclusive", nil)
	}
	if g.elevated {
		raw["become"] = true
	}
	if g.notElevated {
		raw["become"] = false
	}
	if g.noRun {
		raw["no_run"] = true
	}
	for _, kv := range g.runConfig {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, ferr.NewConfigError(fmt.Sprintf("invalid --run-config value %q", kv), nil).
				WithSolution("use KEY=VALUE, e.g. --run-config timeout=300")
		}
		raw[strings.TrimSpace(key)] = parseScalar(value)
	}
	return raw, nil
}
