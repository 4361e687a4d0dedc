package callback

import (
	"sort"
	"strings"
	"sync"
)

// SecretPlaceholder replaces secret values in any output.
const SecretPlaceholder = "__secret__"

// Redactor replaces known secret values in text and secret keys in dumps.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor creates a redactor for the given secret values.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Add(secrets...)
	return r
}

// Add registers more secret values. Empty values are ignored.
func (r *Redactor) Add(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if s == "" {
			continue
		}
		r.secrets = append(r.secrets, s)
	}
	// longest first so overlapping secrets are fully masked
	sort.SliceStable(r.secrets, func(i, j int) bool {
		return len(r.secrets[i]) > len(r.secrets[j])
	})
}

// Redact masks every known secret in s.
func (r *Redactor) Redact(s string) string {
	if r == nil {
		return s
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, SecretPlaceholder)
	}
	return s
}

// RedactAll masks every string in list.
func (r *Redactor) RedactAll(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = r.Redact(s)
	}
	return out
}

// RedactVars returns a copy of vars with the secret keys replaced by the
// placeholder and known secret values masked in the remaining strings.
func (r *Redactor) RedactVars(vars map[string]interface{}, secretKeys []string) map[string]interface{} {
	secret := make(map[string]bool, len(secretKeys))
	for _, k := range secretKeys {
		secret[k] = true
	}
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		if secret[k] {
			out[k] = SecretPlaceholder
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return r.Redact(val)
	case map[string]interface{}:
		return r.RedactVars(val, nil)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	default:
		return v
	}
}
