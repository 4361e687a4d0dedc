package engine

import (
	"sort"
	"strings"

	"github.com/freckles-io/freckles/pkg/callback"
	"github.com/freckles-io/freckles/pkg/frecklet"
)

// Ask is the sentinel value asking for an interactive prompt at run time.
const Ask = "ask"

// IsAsk reports whether v is the prompt sentinel.
func IsAsk(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.EqualFold(s, Ask)
}

// Inventory holds the caller's bindings for the root frecklet's arguments.
// It is owned by a single frecklecutable invocation.
type Inventory struct {
	vars    map[string]interface{}
	secrets map[string]bool
}

// NewInventory creates an inventory from vars. The map is copied.
func NewInventory(vars map[string]interface{}) *Inventory {
	inv := &Inventory{
		vars:    make(map[string]interface{}, len(vars)),
		secrets: make(map[string]bool),
	}
	for k, v := range vars {
		inv.vars[k] = frecklet.DeepCopy(v)
	}
	return inv
}

// Set binds key to value.
func (i *Inventory) Set(key string, value interface{}) {
	i.vars[key] = value
}

// Get returns the value bound to key.
func (i *Inventory) Get(key string) (interface{}, bool) {
	v, ok := i.vars[key]
	return v, ok
}

// Vars returns a copy of the bindings.
func (i *Inventory) Vars() map[string]interface{} {
	out := make(map[string]interface{}, len(i.vars))
	for k, v := range i.vars {
		out[k] = frecklet.DeepCopy(v)
	}
	return out
}

// MarkSecret flags keys as secret.
func (i *Inventory) MarkSecret(keys ...string) {
	for _, k := range keys {
		i.secrets[k] = true
	}
}

// IsSecret reports whether key is secret.
func (i *Inventory) IsSecret(key string) bool {
	return i.secrets[key]
}

// SecretKeys returns the secret keys, sorted.
func (i *Inventory) SecretKeys() []string {
	keys := make([]string, 0, len(i.secrets))
	for k := range i.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AskKeys returns the keys bound to the prompt sentinel, sorted.
func (i *Inventory) AskKeys() []string {
	var keys []string
	for k, v := range i.vars {
		if IsAsk(v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// SecretValues returns the string values of secret keys.
func (i *Inventory) SecretValues() []string {
	var out []string
	for _, k := range i.SecretKeys() {
		if s, ok := i.vars[k].(string); ok && s != "" && !IsAsk(s) {
			out = append(out, s)
		}
	}
	return out
}

// Redacted returns the bindings with secret values replaced.
func (i *Inventory) Redacted() map[string]interface{} {
	return callback.NewRedactor(i.SecretValues()...).RedactVars(i.vars, i.SecretKeys())
}
