// Package ferr provides the structured error kinds surfaced by freckles.
// Every failure carries a message plus an optional reason, suggested
// solution and reference links; the CLI formats them and maps them to
// process exit codes.
package ferr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for formatting and exit-code selection.
type Kind string

const (
	// KindConfig indicates an invalid or missing configuration key.
	KindConfig Kind = "ConfigError"

	// KindPermission indicates a locked context rejected an unsafe key.
	KindPermission Kind = "PermissionError"

	// KindUnlockRequired indicates the license has to be accepted first.
	KindUnlockRequired Kind = "UnlockRequired"

	// KindInvalidFrecklet indicates a frecklet that could not be found or parsed.
	KindInvalidFrecklet Kind = "InvalidFrecklet"

	// KindBuild indicates a structural problem in the task tree
	// (missing child, forwarding violation, cycle, schema conflict).
	KindBuild Kind = "FreckletBuild"

	// KindRender indicates template resolution or validation failed at a node.
	KindRender Kind = "FreckletRender"

	// KindVarValidation indicates user input failed the root schema.
	KindVarValidation Kind = "VarValidation"

	// KindAdapterFailure indicates an adapter exited non-zero or crashed.
	KindAdapterFailure Kind = "AdapterFailure"
)

// Error is a classified error with user facing context.
type Error struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Reason explains what went wrong in more detail.
	Reason string `json:"reason,omitempty"`

	// Solution suggests how to fix the problem.
	Solution string `json:"solution,omitempty"`

	// References maps a label to a documentation url.
	References map[string]string `json:"references,omitempty"`

	// Path is the frecklet path the error relates to, e.g. "greet/echo".
	Path string `json:"path,omitempty"`

	// Keys holds the offending variable names, if any.
	Keys []string `json:"keys,omitempty"`

	// ExitCode overrides the process exit code for adapter failures.
	ExitCode int `json:"exit_code,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (path=%s)", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *Error {
	return newError(KindConfig, message, err)
}

// NewPermissionError creates a new permission error.
func NewPermissionError(message string, err error) *Error {
	return newError(KindPermission, message, err)
}

// NewUnlockRequired creates a new unlock-required error.
func NewUnlockRequired(message string, err error) *Error {
	return newError(KindUnlockRequired, message, err)
}

// NewInvalidFrecklet creates a new invalid-frecklet error.
func NewInvalidFrecklet(message string, err error) *Error {
	return newError(KindInvalidFrecklet, message, err)
}

// NewBuildError creates a new frecklet build error.
func NewBuildError(message string, err error) *Error {
	return newError(KindBuild, message, err)
}

// NewRenderError creates a new frecklet render error.
func NewRenderError(message string, err error) *Error {
	return newError(KindRender, message, err)
}

// NewVarValidation creates a new input validation error.
func NewVarValidation(message string, err error) *Error {
	return newError(KindVarValidation, message, err)
}

// NewAdapterFailure creates a new adapter failure carrying the adapter's exit code.
func NewAdapterFailure(message string, exitCode int, err error) *Error {
	e := newError(KindAdapterFailure, message, err)
	e.ExitCode = exitCode
	return e
}

// WithReason sets the reason.
func (e *Error) WithReason(format string, args ...interface{}) *Error {
	e.Reason = fmt.Sprintf(format, args...)
	return e
}

// WithSolution sets the suggested solution.
func (e *Error) WithSolution(format string, args ...interface{}) *Error {
	e.Solution = fmt.Sprintf(format, args...)
	return e
}

// WithReference adds a reference link.
func (e *Error) WithReference(label, url string) *Error {
	if e.References == nil {
		e.References = make(map[string]string)
	}
	e.References[label] = url
	return e
}

// WithPath sets the frecklet path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithKeys sets the offending keys.
func (e *Error) WithKeys(keys ...string) *Error {
	e.Keys = append(e.Keys, keys...)
	return e
}

// WithExitCode overrides the exit code.
func (e *Error) WithExitCode(code int) *Error {
	e.ExitCode = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func isKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsConfig returns true if err is a configuration error.
func IsConfig(err error) bool { return isKind(err, KindConfig) }

// IsPermission returns true if err is a permission error.
func IsPermission(err error) bool { return isKind(err, KindPermission) }

// IsUnlockRequired returns true if err requires the context to be unlocked.
func IsUnlockRequired(err error) bool { return isKind(err, KindUnlockRequired) }

// IsInvalidFrecklet returns true if err is an invalid frecklet error.
func IsInvalidFrecklet(err error) bool { return isKind(err, KindInvalidFrecklet) }

// IsBuild returns true if err is a frecklet build error.
func IsBuild(err error) bool { return isKind(err, KindBuild) }

// IsRender returns true if err is a frecklet render error.
func IsRender(err error) bool { return isKind(err, KindRender) }

// IsVarValidation returns true if err is an input validation error.
func IsVarValidation(err error) bool { return isKind(err, KindVarValidation) }

// IsAdapterFailure returns true if err is an adapter failure.
func IsAdapterFailure(err error) bool { return isKind(err, KindAdapterFailure) }

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if !errors.As(err, &e) {
		return 1
	}
	switch e.Kind {
	case KindPermission, KindUnlockRequired:
		return 2
	case KindAdapterFailure:
		if e.ExitCode > 0 {
			return e.ExitCode
		}
		return 1
	default:
		return 1
	}
}

// Format renders err for terminal output: the message, then the reason,
// solution and references indented below it.
func Format(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return err.Error() + "\n"
	}

	var b strings.Builder
	b.WriteString(e.Message)
	if e.Path != "" {
		fmt.Fprintf(&b, " (in: %s)", e.Path)
	}
	b.WriteString("\n")
	if e.Err != nil {
		fmt.Fprintf(&b, "  error: %s\n", e.Err.Error())
	}
	if e.Reason != "" {
		writeIndented(&b, "reason", e.Reason)
	}
	if e.Solution != "" {
		writeIndented(&b, "solution", e.Solution)
	}
	if len(e.References) > 0 {
		b.WriteString("  references:\n")
		labels := make([]string, 0, len(e.References))
		for label := range e.References {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			fmt.Fprintf(&b, "    %s: %s\n", label, e.References[label])
		}
	}
	return b.String()
}

func writeIndented(b *strings.Builder, label, text string) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	fmt.Fprintf(b, "  %s: %s\n", label, lines[0])
	pad := strings.Repeat(" ", len(label)+4)
	for _, line := range lines[1:] {
		b.WriteString(pad)
		b.WriteString(line)
		b.WriteString("\n")
	}
}
