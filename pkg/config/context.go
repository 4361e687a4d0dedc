// Package config builds the layered run context: profiles stacked on top of
// the key schema defaults, with a permission model for unsafe keys.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/freckles-io/freckles/pkg/ferr"
	"github.com/freckles-io/freckles/pkg/policy"
	"github.com/freckles-io/freckles/pkg/schema"
)

const unlockURL = "https://freckles.io/docs/configuration/permissions"

// Options configure how a context is built.
type Options struct {
	// Paths are the filesystem locations, DefaultPaths() if zero.
	Paths Paths

	// Profiles are layered in order on top of the default profile.
	Profiles []string

	// AdapterSchemas are the config schemas of the enabled adapters.
	AdapterSchemas map[string]*schema.Schema

	// Policy decides key access, a new engine with user policies if nil.
	Policy *policy.Engine

	Logger zerolog.Logger
}

// Context is the effective configuration of one run.
type Context struct {
	name     string
	paths    Paths
	keys     *KeySchema
	profiles []*Profile
	values   map[string]interface{}
	locked   bool
	policy   *policy.Engine
	logger   zerolog.Logger
}

// New builds a context from the default profile plus opts.Profiles.
func New(ctx context.Context, opts Options) (*Context, error) {
	if opts.Paths == (Paths{}) {
		opts.Paths = DefaultPaths()
	}

	keys := NewKeySchema(opts.Paths)
	adapters := make([]string, 0, len(opts.AdapterSchemas))
	for name := range opts.AdapterSchemas {
		adapters = append(adapters, name)
	}
	sort.Strings(adapters)
	for _, name := range adapters {
		if err := keys.AddAdapterSchema(name, opts.AdapterSchemas[name]); err != nil {
			return nil, ferr.NewConfigError("conflicting adapter configuration", err)
		}
	}

	specs := opts.Profiles
	if len(specs) == 0 || specs[0] != DefaultProfile {
		specs = append([]string{DefaultProfile}, specs...)
	}
	profiles := make([]*Profile, 0, len(specs))
	for _, spec := range specs {
		p, err := LoadProfile(opts.Paths, spec)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	c := &Context{
		name:     strings.Join(specs[1:], ","),
		paths:    opts.Paths,
		keys:     keys,
		profiles: profiles,
		policy:   opts.Policy,
		logger:   opts.Logger.With().Str("component", "context").Logger(),
	}
	if c.name == "" {
		c.name = DefaultProfile
	}

	locked, err := readLock(opts.Paths)
	if err != nil {
		return nil, err
	}
	c.locked = locked

	if err := c.apply(); err != nil {
		return nil, err
	}

	if c.policy == nil {
		engine, err := policy.NewEngine(opts.Logger)
		if err != nil {
			return nil, ferr.NewConfigError("cannot initialise the permission policy", err)
		}
		c.policy = engine
		raw, _, _ := c.raw(KeyPolicyPaths)
		var paths []string
		for _, p := range asList(raw) {
			paths = append(paths, fmt.Sprint(p))
		}
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			return nil, ferr.NewConfigError("cannot load user policies", err)
		}
	}

	c.logger.Debug().
		Str("context", c.name).
		Bool("locked", c.locked).
		Int("profiles", len(profiles)).
		Msg("Context created")
	return c, nil
}

// apply merges the profiles and validates the result against the schema.
func (c *Context) apply() error {
	merged, err := Layer(c.profiles...)
	if err != nil {
		return err
	}

	failures := map[string]string{}
	var unknown []string
	for key, value := range merged {
		k, ok := c.keys.Get(key)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		resolved, err := k.Arg.Resolve(value, true)
		if err != nil {
			failures[key] = err.Error()
			continue
		}
		merged[key] = resolved
	}
	sort.Strings(unknown)

	if len(unknown) > 0 {
		return ferr.NewConfigError(fmt.Sprintf("unknown context key(s): %s", strings.Join(unknown, ", ")), nil).
			WithKeys(unknown...).
			WithSolution("run 'freckles context show' for the list of valid keys")
	}
	if len(failures) > 0 {
		bad := schema.FailedKeys(failures)
		lines := make([]string, 0, len(bad))
		for _, k := range bad {
			lines = append(lines, fmt.Sprintf("%s: %s", k, failures[k]))
		}
		return ferr.NewConfigError("invalid context configuration", nil).
			WithKeys(bad...).
			WithReason("%s", strings.Join(lines, "\n"))
	}

	c.values = merged
	return nil
}

func readLock(paths Paths) (bool, error) {
	p, err := LoadProfile(paths, DefaultProfile)
	if err != nil {
		return true, err
	}
	accepted, _ := schemaBool(p.Values[KeyAcceptLicense])
	return !accepted, nil
}

func schemaBool(v interface{}) (bool, error) {
	if v == nil {
		return false, nil
	}
	b, err := schema.Coerce(schema.TypeBoolean, v)
	if err != nil {
		return false, err
	}
	return b.(bool), nil
}

// Name returns the profile names the context was built from.
func (c *Context) Name() string { return c.name }

// Paths returns the filesystem locations of the context.
func (c *Context) Paths() Paths { return c.paths }

// Keys returns the key schema.
func (c *Context) Keys() *KeySchema { return c.keys }

// Locked reports whether the freckles license was not yet accepted.
func (c *Context) Locked() bool { return c.locked }

// Policy returns the permission policy engine.
func (c *Context) Policy() *policy.Engine { return c.policy }

// raw returns the effective value without any permission check.
func (c *Context) raw(key string) (interface{}, *Key, error) {
	k, ok := c.keys.Get(key)
	if !ok {
		return nil, nil, ferr.NewConfigError(fmt.Sprintf("unknown context key '%s'", key), nil).WithKeys(key)
	}
	if v, ok := c.values[key]; ok {
		return v, k, nil
	}
	return k.Default(), k, nil
}

func (c *Context) policyContext() policy.ContextInput {
	in := policy.ContextInput{Name: c.name, Locked: c.locked}
	if v, _, err := c.raw(KeyAllowRemote); err == nil {
		in.AllowRemote, _ = v.(bool)
	}
	if v, _, err := c.raw(KeyAdapters); err == nil {
		for _, a := range asList(v) {
			in.Adapters = append(in.Adapters, fmt.Sprint(a))
		}
	}
	return in
}

// Get returns the effective value of key. In a locked context an unsafe
// key that differs from its default is a PermissionError.
func (c *Context) Get(key string) (interface{}, error) {
	value, k, err := c.raw(key)
	if err != nil {
		return nil, err
	}

	decision, err := c.policy.Evaluate(context.Background(), &policy.Input{
		Operation: policy.OperationGetKey,
		Context:   c.policyContext(),
		Key: &policy.KeyInput{
			Name:    key,
			Safe:    k.Safe,
			Value:   value,
			Default: k.Default(),
		},
	})
	if err != nil {
		return nil, ferr.NewConfigError("cannot evaluate permission policy", err).WithKeys(key)
	}
	for _, w := range decision.Warnings {
		c.logger.Warn().Str("key", key).Msg(w)
	}
	if !decision.Allowed {
		return nil, ferr.NewPermissionError(fmt.Sprintf("context key '%s' can not be changed in a locked context", key), nil).
			WithKeys(key).
			WithReason("%s", policy.Describe(decision.Errors())).
			WithSolution("accept the freckles license with 'freckles context unlock', or remove '%s' from the context profiles", key).
			WithReference("permissions", unlockURL)
	}
	return value, nil
}

// String returns a string key.
func (c *Context) String(key string) (string, error) {
	v, err := c.Get(key)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", ferr.NewConfigError(fmt.Sprintf("context key '%s' is not a string", key), nil).WithKeys(key)
	}
	return s, nil
}

// Bool returns a boolean key.
func (c *Context) Bool(key string) (bool, error) {
	v, err := c.Get(key)
	if err != nil {
		return false, err
	}
	b, err := schemaBool(v)
	if err != nil {
		return false, ferr.NewConfigError(fmt.Sprintf("context key '%s' is not a boolean", key), err).WithKeys(key)
	}
	return b, nil
}

// Int returns an integer key.
func (c *Context) Int(key string) (int, error) {
	v, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	i, err := schema.Coerce(schema.TypeInteger, v)
	if err != nil {
		return 0, ferr.NewConfigError(fmt.Sprintf("context key '%s' is not an integer", key), err).WithKeys(key)
	}
	n, ok := i.(int)
	if !ok {
		return 0, ferr.NewConfigError(fmt.Sprintf("context key '%s' is not an integer", key), nil).WithKeys(key)
	}
	return n, nil
}

// Strings returns a list key as strings.
func (c *Context) Strings(key string) ([]string, error) {
	v, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	list := asList(v)
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out, nil
}

// AdapterConfig returns the keys declared by an adapter with their values.
func (c *Context) AdapterConfig(adapter string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for _, k := range c.keys.Keys() {
		if k.Source != adapter {
			continue
		}
		v, err := c.Get(k.Name())
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[k.Name()] = v
		}
	}
	return out, nil
}

// RequireUnlocked returns UnlockRequired if the context is locked.
func (c *Context) RequireUnlocked(feature string) error {
	if !c.locked {
		return nil
	}
	return ferr.NewUnlockRequired(fmt.Sprintf("%s requires an unlocked context", feature), nil).
		WithReason("the freckles license has not been accepted in %s", c.paths.Profile(DefaultProfile)).
		WithSolution("run 'freckles context unlock'").
		WithReference("permissions", unlockURL)
}

// AuthorizeRepo decides whether a repository may be opened.
func (c *Context) AuthorizeRepo(ctx context.Context, alias, url string, remote bool) error {
	if !remote {
		return nil
	}
	allow, err := c.Bool(KeyAllowRemote)
	if err != nil {
		return err
	}
	in := &policy.Input{
		Operation: policy.OperationOpenRepo,
		Context:   c.policyContext(),
		Repo:      &policy.RepoInput{Alias: alias, URL: url, Remote: remote},
	}
	in.Context.AllowRemote = allow

	decision, err := c.policy.Evaluate(ctx, in)
	if err != nil {
		return ferr.NewConfigError("cannot evaluate permission policy", err)
	}
	if decision.Allowed {
		return nil
	}
	if c.locked {
		return c.RequireUnlocked(fmt.Sprintf("remote repository '%s'", url))
	}
	return ferr.NewPermissionError(fmt.Sprintf("remote repository '%s' is not allowed", url), nil).
		WithReason("%s", policy.Describe(decision.Errors())).
		WithSolution("set '%s=true' in the context", KeyAllowRemote).
		WithReference("permissions", unlockURL)
}

// AuthorizeDispatch decides whether a batch may be sent to an adapter.
// Warnings are logged.
func (c *Context) AuthorizeDispatch(ctx context.Context, adapter string) error {
	decision, err := c.policy.Evaluate(ctx, &policy.Input{
		Operation: policy.OperationDispatch,
		Context:   c.policyContext(),
		Adapter:   adapter,
	})
	if err != nil {
		return ferr.NewConfigError("cannot evaluate permission policy", err)
	}
	for _, v := range decision.Violations {
		if v.Severity != policy.SeverityError {
			c.logger.Warn().Str("adapter", adapter).Str("policy", v.Policy).Msg(v.Message)
		}
	}
	if !decision.Allowed {
		return ferr.NewPermissionError(fmt.Sprintf("adapter '%s' is not allowed", adapter), nil).
			WithReason("%s", policy.Describe(decision.Errors()))
	}
	return nil
}

// Unlock accepts the freckles license by writing it to the default
// profile on disk.
func (c *Context) Unlock() error {
	path := c.paths.Profile(DefaultProfile)
	values := map[string]interface{}{}
	if _, err := os.Stat(path); err == nil {
		p, err := LoadProfile(c.paths, path)
		if err != nil {
			return err
		}
		values = p.Values
	} else if !errors.Is(err, os.ErrNotExist) {
		return ferr.NewConfigError("cannot read default context profile", err).WithPath(path)
	}

	values[KeyAcceptLicense] = true
	if err := writeProfile(path, values); err != nil {
		return ferr.NewConfigError("cannot write default context profile", err).WithPath(path)
	}
	c.locked = false
	c.logger.Info().Str("path", path).Msg("Context unlocked")
	return nil
}

// Sub returns a child context with overrides layered on top. The lock
// state and policy engine are shared.
func (c *Context) Sub(name string, overrides map[string]interface{}) (*Context, error) {
	sub := &Context{
		name:     c.name + "/" + name,
		paths:    c.paths,
		keys:     c.keys,
		profiles: append(append([]*Profile(nil), c.profiles...), &Profile{Name: name, Values: overrides}),
		locked:   c.locked,
		policy:   c.policy,
		logger:   c.logger,
	}
	if err := sub.apply(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Entry is one row of the effective configuration.
type Entry struct {
	Key     string      `json:"key" yaml:"key"`
	Value   interface{} `json:"value" yaml:"value"`
	Default interface{} `json:"default" yaml:"default"`
	Changed bool        `json:"changed" yaml:"changed"`
	Safe    bool        `json:"safe" yaml:"safe"`
	Source  string      `json:"source" yaml:"source"`
	Denied  bool        `json:"denied,omitempty" yaml:"denied,omitempty"`
}

// Entries lists every key with its effective value. Values that a locked
// context would refuse are marked denied.
func (c *Context) Entries() []Entry {
	var out []Entry
	for _, name := range c.keys.Names() {
		value, k, _ := c.raw(name)
		_, err := c.Get(name)
		out = append(out, Entry{
			Key:     name,
			Value:   value,
			Default: k.Default(),
			Changed: !reflect.DeepEqual(value, k.Default()),
			Safe:    k.Safe,
			Source:  k.Source,
			Denied:  ferr.IsPermission(err),
		})
	}
	return out
}
