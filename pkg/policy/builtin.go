package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		lockedContextPolicy(),
		remoteRepoPolicy(),
		adapterAllowlistPolicy(),
	}
}

// lockedContextPolicy forbids reading unsafe keys that were changed from
// their default while the freckles license was not accepted.
func lockedContextPolicy() Policy {
	return Policy{
		Name:        "locked-context",
		Description: "Unsafe configuration keys keep their defaults in a locked context",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package freckles.policies.locked_context

import rego.v1

deny contains violation if {
	input.operation == "get_key"
	input.context.locked
	not input.key.safe
	input.key.value != input.key.default
	violation := {
		"message": sprintf("key '%s' is not allowed to differ from its default in a locked context", [input.key.name]),
		"severity": "error",
		"subject": input.key.name,
	}
}
`,
	}
}

// remoteRepoPolicy forbids opening remote repositories unless the
// context explicitly allows it.
func remoteRepoPolicy() Policy {
	return Policy{
		Name:        "remote-repos",
		Description: "Remote repositories require 'allow_remote'",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package freckles.policies.remote_repos

import rego.v1

deny contains violation if {
	input.operation == "open_repo"
	input.repo.remote
	not input.context.allow_remote
	violation := {
		"message": sprintf("remote repository '%s' requires 'allow_remote' to be set", [input.repo.url]),
		"severity": "error",
		"subject": input.repo.url,
	}
}
`,
	}
}

// adapterAllowlistPolicy warns when a batch is dispatched to an adapter
// the context does not list.
func adapterAllowlistPolicy() Policy {
	return Policy{
		Name:        "adapter-allowlist",
		Description: "Adapters used in a run should be enabled in the context",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package freckles.policies.adapter_allowlist

import rego.v1

enabled if {
	some name in input.context.adapters
	name == input.adapter
}

deny contains violation if {
	input.operation == "dispatch"
	input.context.adapters[_]
	not enabled
	violation := {
		"message": sprintf("adapter '%s' is not enabled in context '%s'", [input.adapter, input.context.name]),
		"severity": "warning",
		"subject": input.adapter,
	}
}
`,
	}
}
