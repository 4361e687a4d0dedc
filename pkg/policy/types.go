package policy

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is logged but does not block the operation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"
)

// Operations a policy decision can be requested for.
const (
	OperationGetKey   = "get_key"
	OperationOpenRepo = "open_repo"
	OperationDispatch = "dispatch"
)

// Policy is a named Rego module exposing a `deny` set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description is taken from the leading comment block of the module.
	Description string `json:"description"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny entry produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Subject  string   `json:"subject,omitempty"`
}

// Decision is the combined outcome of all enabled policies.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// Errors returns the blocking violations.
func (d *Decision) Errors() []Violation {
	var out []Violation
	for _, v := range d.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies evaluate against.
type Input struct {
	Operation string       `json:"operation"`
	Context   ContextInput `json:"context"`
	Key       *KeyInput    `json:"key,omitempty"`
	Repo      *RepoInput   `json:"repo,omitempty"`
	Adapter   string       `json:"adapter,omitempty"`
}

// ContextInput describes the run context a decision is made in.
type ContextInput struct {
	Name        string   `json:"name"`
	Locked      bool     `json:"locked"`
	AllowRemote bool     `json:"allow_remote"`
	Adapters    []string `json:"adapters"`
}

// KeyInput describes a configuration key read.
type KeyInput struct {
	Name    string      `json:"name"`
	Safe    bool        `json:"safe"`
	Value   interface{} `json:"value"`
	Default interface{} `json:"default"`
}

// RepoInput describes a repository about to be opened.
type RepoInput struct {
	Alias  string `json:"alias,omitempty"`
	URL    string `json:"url"`
	Remote bool   `json:"remote"`
}
