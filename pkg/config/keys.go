package config

import (
	"fmt"
	"sort"

	"github.com/freckles-io/freckles/pkg/schema"
)

// Core context keys.
const (
	KeyRepos                     = "repos"
	KeyAdapters                  = "adapters"
	KeyAllowRemote               = "allow_remote"
	KeyRemoteCacheValidTime      = "remote_cache_valid_time"
	KeyRunFolder                 = "run_folder"
	KeyCurrentRunFolder          = "current_run_folder"
	KeyAddAdapterNameToRunFolder = "add_adapter_name_to_run_folder"
	KeyAddTimestampToRunFolder   = "add_timestamp_to_run_folder"
	KeyCallback                  = "callback"
	KeyUseKeyring                = "use_keyring"
	KeyStoreRunHistory           = "store_run_history"
	KeyTraceExporter             = "trace_exporter"
	KeyOTLPEndpoint              = "otlp_endpoint"
	KeyFailFast                  = "fail_fast"
	KeyPolicyPaths               = "policy_paths"
	KeyAcceptLicense             = "accept_freckles_license"
)

// SourceCore marks keys that belong to freckles itself.
const SourceCore = "freckles"

// Key is a context key descriptor.
type Key struct {
	Arg *schema.Arg

	// Safe keys may be changed in a locked context.
	Safe bool

	// Source is SourceCore or the name of the adapter that declared the key.
	Source string
}

// Name returns the key name.
func (k *Key) Name() string { return k.Arg.Key }

// Default returns the schema default of the key.
func (k *Key) Default() interface{} { return k.Arg.Default }

// KeySchema is the merged, ordered set of context keys.
type KeySchema struct {
	order []string
	keys  map[string]*Key
}

// NewKeySchema returns the core keys with defaults derived from paths.
func NewKeySchema(paths Paths) *KeySchema {
	ks := &KeySchema{keys: make(map[string]*Key)}

	core := []struct {
		key     string
		typ     schema.Type
		def     interface{}
		safe    bool
		help    string
		allowed []interface{}
	}{
		{KeyRepos, schema.TypeList, []interface{}{"default", "user"}, true, "Repositories to load frecklets from (URL[::TYPE] or alias).", nil},
		{KeyAdapters, schema.TypeList, []interface{}{}, true, "Adapters to enable, all registered adapters if empty.", nil},
		{KeyAllowRemote, schema.TypeBoolean, false, false, "Allow remote and community repositories.", nil},
		{KeyRemoteCacheValidTime, schema.TypeInteger, 3600, true, "Seconds a fetched remote repository is considered fresh.", nil},
		{KeyRunFolder, schema.TypeString, paths.RunFolder(), true, "Parent folder of run environments.", nil},
		{KeyCurrentRunFolder, schema.TypeString, paths.CurrentRun(), true, "Symlink that points to the most recent run environment.", nil},
		{KeyAddAdapterNameToRunFolder, schema.TypeBoolean, true, true, "Suffix run folders with the adapter name.", nil},
		{KeyAddTimestampToRunFolder, schema.TypeBoolean, true, true, "Suffix run folders with a UTC timestamp.", nil},
		{KeyCallback, schema.TypeList, []interface{}{"default"}, true, "Callback sinks to render run progress with.", nil},
		{KeyUseKeyring, schema.TypeBoolean, false, true, "Look up and store passwords in the system keyring.", nil},
		{KeyStoreRunHistory, schema.TypeBoolean, true, true, "Record runs in the local history database.", nil},
		{KeyTraceExporter, schema.TypeString, "none", true, "Trace exporter.", []interface{}{"none", "stdout", "otlp"}},
		{KeyOTLPEndpoint, schema.TypeString, "localhost:4317", true, "OTLP gRPC endpoint used by the otlp trace exporter.", nil},
		{KeyFailFast, schema.TypeBoolean, true, true, "Stop after the first failed adapter batch.", nil},
		{KeyPolicyPaths, schema.TypeList, []interface{}{paths.Policies()}, true, "Files or folders with additional rego policies.", nil},
		{KeyAcceptLicense, schema.TypeBoolean, false, true, "Unlock the context.", nil},
	}
	for _, c := range core {
		ks.add(&Key{
			Arg: &schema.Arg{
				Key:        c.key,
				Type:       c.typ,
				Default:    c.def,
				HasDefault: true,
				Empty:      true,
				Coerce:     true,
				Allowed:    c.allowed,
				Doc:        schema.Doc{ShortHelp: c.help},
			},
			Safe:   c.safe,
			Source: SourceCore,
		})
	}
	return ks
}

func (ks *KeySchema) add(k *Key) {
	if _, ok := ks.keys[k.Name()]; !ok {
		ks.order = append(ks.order, k.Name())
	}
	ks.keys[k.Name()] = k
}

// AddAdapterSchema merges the config schema of an adapter. Adapter keys
// are safe. A key already declared by another source is an error.
func (ks *KeySchema) AddAdapterSchema(adapter string, s *schema.Schema) error {
	if s == nil {
		return nil
	}
	for _, a := range s.Args() {
		if existing, ok := ks.keys[a.Key]; ok && existing.Source != adapter {
			return fmt.Errorf("config key %q of adapter %s is already declared by %s", a.Key, adapter, existing.Source)
		}
		arg := a.Clone()
		if !arg.HasDefault {
			arg.Required = false
		}
		ks.add(&Key{Arg: arg, Safe: true, Source: adapter})
	}
	return nil
}

// Get returns the descriptor of a key.
func (ks *KeySchema) Get(name string) (*Key, bool) {
	k, ok := ks.keys[name]
	return k, ok
}

// Keys returns all keys in declaration order.
func (ks *KeySchema) Keys() []*Key {
	out := make([]*Key, 0, len(ks.order))
	for _, name := range ks.order {
		out = append(out, ks.keys[name])
	}
	return out
}

// Names returns the key names sorted alphabetically.
func (ks *KeySchema) Names() []string {
	names := append([]string(nil), ks.order...)
	sort.Strings(names)
	return names
}
