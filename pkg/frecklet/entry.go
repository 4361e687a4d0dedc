package frecklet

import (
	"fmt"
	"strings"
	"unicode"
)

// TypeFrecklet is the task type of entries that reference another frecklet.
const TypeFrecklet = "frecklet"

// Section names of a task entry.
const (
	SectionFrecklet = "frecklet"
	SectionTask     = "task"
	SectionVars     = "vars"
)

// Well known keys of the frecklet and task sections.
const (
	KeyName         = "name"
	KeyType         = "type"
	KeyCommand      = "command"
	KeySkip         = "skip"
	KeyTarget       = "target"
	KeyBecome       = "become"
	KeyRegister     = "register"
	KeyIdempotent   = "idempotent"
	KeyIgnoreErrors = "ignore_errors"
	KeyMsg          = "msg"
	KeyDesc         = "desc"
)

// TaskEntry is one normalised child entry of a frecklet.
type TaskEntry struct {
	// Frecklet holds the metadata block: name, type, skip, target, register, ...
	Frecklet map[string]interface{} `json:"frecklet" yaml:"frecklet"`

	// Task holds adapter specific side data such as command and become.
	Task map[string]interface{} `json:"task,omitempty" yaml:"task,omitempty"`

	// Vars binds the child's arguments.
	Vars map[string]interface{} `json:"vars,omitempty" yaml:"vars,omitempty"`
}

// Name returns the entry name.
func (e *TaskEntry) Name() string {
	return stringOf(e.Frecklet[KeyName])
}

// Type returns the task type, defaulting to "frecklet".
func (e *TaskEntry) Type() string {
	if t := stringOf(e.Frecklet[KeyType]); t != "" {
		return t
	}
	return TypeFrecklet
}

// Command returns the adapter command (module, role, script name).
func (e *TaskEntry) Command() string {
	if c := stringOf(e.Task[KeyCommand]); c != "" {
		return c
	}
	return stringOf(e.Frecklet[KeyCommand])
}

// IsTerminal reports whether the entry is a leaf (any type except frecklet).
func (e *TaskEntry) IsTerminal() bool {
	return e.Type() != TypeFrecklet
}

// Clone returns a deep copy.
func (e *TaskEntry) Clone() *TaskEntry {
	return &TaskEntry{
		Frecklet: deepCopyMap(e.Frecklet),
		Task:     deepCopyMap(e.Task),
		Vars:     deepCopyMap(e.Vars),
	}
}

// ToMap returns the exploded form of the entry.
func (e *TaskEntry) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		SectionFrecklet: deepCopyMap(e.Frecklet),
	}
	if len(e.Task) > 0 {
		m[SectionTask] = deepCopyMap(e.Task)
	}
	if len(e.Vars) > 0 {
		m[SectionVars] = deepCopyMap(e.Vars)
	}
	return m
}

// NormalizeEntry converts any supported shortcut form into a TaskEntry:
//
//	"name"
//	{frecklet: "name", <vars>...}
//	{frecklet: {name, type, ...}, task: {...}, vars: {...}}
//	{"name": {frecklet/task/vars keys}} or {"name": {<vars>}}
func NormalizeEntry(raw interface{}) (*TaskEntry, error) {
	e := &TaskEntry{
		Frecklet: map[string]interface{}{},
		Task:     map[string]interface{}{},
		Vars:     map[string]interface{}{},
	}

	switch v := raw.(type) {
	case string:
		e.Frecklet[KeyName] = v

	case map[string]interface{}:
		if fv, ok := v[SectionFrecklet]; ok {
			if err := e.fromExplicit(fv, v); err != nil {
				return nil, err
			}
		} else if _, ok := v[SectionTask]; ok {
			if err := e.fromExplicit(map[string]interface{}{}, v); err != nil {
				return nil, err
			}
		} else if len(v) == 1 {
			for name, body := range v {
				e.Frecklet[KeyName] = name
				if err := e.fromSugared(body); err != nil {
					return nil, fmt.Errorf("entry %q: %w", name, err)
				}
			}
		} else {
			return nil, fmt.Errorf("cannot determine frecklet name from entry with keys %v", sortedKeys(v))
		}

	default:
		return nil, fmt.Errorf("invalid task entry type %T", raw)
	}

	if err := e.normalize(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *TaskEntry) fromExplicit(fv interface{}, whole map[string]interface{}) error {
	switch f := fv.(type) {
	case string:
		// section mappings first, so sibling shorthand vars win over 'vars'
		e.Frecklet[KeyName] = f
		for _, k := range []string{SectionTask, SectionVars} {
			if val, ok := whole[k]; ok && isMap(val) {
				mergeInto(e.section(k), val.(map[string]interface{}))
			}
		}
		for _, k := range sortedKeys(whole) {
			val := whole[k]
			if k == SectionFrecklet || ((k == SectionTask || k == SectionVars) && isMap(val)) {
				continue
			}
			e.Vars[k] = val
		}
		return nil
	case map[string]interface{}:
		mergeInto(e.Frecklet, f)
	case nil:
	default:
		return fmt.Errorf("'frecklet' must be a string or mapping, got %T", fv)
	}

	for k, val := range whole {
		switch k {
		case SectionFrecklet:
		case SectionTask, SectionVars:
			if val == nil {
				continue
			}
			m, ok := val.(map[string]interface{})
			if !ok {
				return fmt.Errorf("'%s' must be a mapping, got %T", k, val)
			}
			mergeInto(e.section(k), m)
		default:
			return fmt.Errorf("unknown key %q in task entry", k)
		}
	}
	return nil
}

func (e *TaskEntry) fromSugared(body interface{}) error {
	if body == nil {
		return nil
	}
	m, ok := body.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected a mapping, got %T", body)
	}

	structured := len(m) > 0
	for k := range m {
		if k != SectionFrecklet && k != SectionTask && k != SectionVars {
			structured = false
			break
		}
	}
	if !structured {
		mergeInto(e.Vars, m)
		return nil
	}

	for k, val := range m {
		sub, ok := val.(map[string]interface{})
		if !ok {
			if val == nil {
				continue
			}
			return fmt.Errorf("'%s' must be a mapping, got %T", k, val)
		}
		mergeInto(e.section(k), sub)
	}
	return nil
}

func (e *TaskEntry) section(name string) map[string]interface{} {
	switch name {
	case SectionFrecklet:
		return e.Frecklet
	case SectionTask:
		return e.Task
	default:
		return e.Vars
	}
}

func (e *TaskEntry) normalize() error {
	// section::key entries in vars move into their section
	for k, v := range e.Vars {
		if !strings.Contains(k, "::") {
			continue
		}
		parts := strings.SplitN(k, "::", 2)
		switch parts[0] {
		case SectionFrecklet, SectionTask:
			e.section(parts[0])[parts[1]] = v
			delete(e.Vars, k)
		default:
			return fmt.Errorf("invalid var key %q: prefix must be 'frecklet' or 'task'", k)
		}
	}

	name := stringOf(e.Frecklet[KeyName])
	command := e.Command()
	if name == "" && command == "" {
		return fmt.Errorf("task entry has neither name nor command")
	}
	if name == "" {
		name = command
	}
	if command == "" {
		command = name
	}

	if strings.Contains(command, "::") {
		parts := strings.SplitN(command, "::", 2)
		if _, ok := e.Frecklet[KeyType]; !ok {
			e.Frecklet[KeyType] = parts[0]
		}
		command = parts[1]
	}
	if strings.Contains(name, "::") {
		name = strings.SplitN(name, "::", 2)[1]
	}

	if isAllCaps(command) {
		e.Task[KeyBecome] = true
		command = strings.ToLower(command)
	}
	if isAllCaps(name) {
		e.Task[KeyBecome] = true
		name = strings.ToLower(name)
	}

	// become given in the metadata block belongs to the task section
	if b, ok := e.Frecklet[KeyBecome]; ok {
		if _, exists := e.Task[KeyBecome]; !exists {
			e.Task[KeyBecome] = b
		}
		delete(e.Frecklet, KeyBecome)
	}
	if c, ok := e.Frecklet[KeyCommand]; ok {
		if _, exists := e.Task[KeyCommand]; !exists {
			e.Task[KeyCommand] = c
		}
		delete(e.Frecklet, KeyCommand)
	}

	e.Frecklet[KeyName] = name
	e.Task[KeyCommand] = command
	if _, ok := e.Frecklet[KeyType]; !ok {
		e.Frecklet[KeyType] = TypeFrecklet
	}
	return nil
}

func isAllCaps(s string) bool {
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func isMap(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

func mergeInto(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

func stringOf(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

// DeepCopy returns a deep copy of a decoded YAML/JSON value.
func DeepCopy(v interface{}) interface{} {
	return deepCopy(v)
}
