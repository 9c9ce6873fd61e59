package policy

// BuiltinPolicies returns the policies every plan is checked against.
func BuiltinPolicies() []Policy {
	return []Policy{
		taskNamingPolicy(),
		shellIdempotencePolicy(),
		destructiveCommandsPolicy(),
		literalSecretsPolicy(),
		retryBoundsPolicy(),
	}
}

// taskNamingPolicy requires task names to be unique within a play so
// reports and registers stay unambiguous.
func taskNamingPolicy() Policy {
	return Policy{
		Name:        "task-naming",
		Description: "Task names must be unique within a play",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package froyo.policies.naming

import rego.v1

deny contains violation if {
	some play in input.plan.plays
	some i, j
	first := play.tasks[i]
	second := play.tasks[j]
	i < j
	first.name == second.name
	violation := {
		"message": sprintf("play '%s' has more than one task named '%s'", [play.name, first.name]),
		"play": play.name,
		"task": first.name,
	}
}
`,
	}
}

// shellIdempotencePolicy flags shell tasks that run on every apply.
func shellIdempotencePolicy() Policy {
	return Policy{
		Name:        "shell-idempotence",
		Description: "Shell tasks should declare creates, removes or a guard",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package froyo.policies.shell

import rego.v1

deny contains violation if {
	some play in input.plan.plays
	some task in play.tasks
	task.kind == "shell"
	not task.params.creates
	not task.params.removes
	not task.when
	violation := {
		"message": sprintf("shell task '%s' runs on every apply; add creates, removes or when", [task.name]),
		"play": play.name,
		"task": task.name,
	}
}
`,
	}
}

// destructiveCommandsPolicy flags shell commands that kill processes or
// wipe data.
func destructiveCommandsPolicy() Policy {
	return Policy{
		Name:        "destructive-commands",
		Description: "Shell commands that kill processes or wipe data need review",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package froyo.policies.destructive

import rego.v1

patterns := ["kill -9", "pkill", "killall", "fuser -k", "mkfs", "dd if="]

deny contains violation if {
	some play in input.plan.plays
	some task in play.tasks
	task.kind == "shell"
	some pattern in patterns
	contains(task.params.cmd, pattern)
	violation := {
		"message": sprintf("shell task '%s' runs destructive command '%s'", [task.name, pattern]),
		"play": play.name,
		"task": task.name,
	}
}

deny contains violation if {
	some play in input.plan.plays
	some task in play.tasks
	task.kind == "shell"
	regex.match("rm\\s+-(rf|fr|Rf)\\s+/(\\*|\\s|$)", task.params.cmd)
	violation := {
		"message": sprintf("shell task '%s' removes the root filesystem", [task.name]),
		"play": play.name,
		"task": task.name,
		"severity": "critical",
	}
}
`,
	}
}

// literalSecretsPolicy denies secret-looking values written inline
// instead of coming from the vault.
func literalSecretsPolicy() Policy {
	return Policy{
		Name:        "literal-secrets",
		Description: "Passwords and tokens must come from the vault, not plan literals",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package froyo.policies.secrets

import rego.v1

secret_name(name) if regex.match("(?i)(password|passwd|secret|token|api_key|private_key)", name)

literal(value) if {
	is_string(value)
	value != ""
	not contains(value, "{{")
}

deny contains violation if {
	some play in input.plan.plays
	some task in play.tasks
	some key, value in task.params
	secret_name(key)
	literal(value)
	violation := {
		"message": sprintf("task '%s' sets '%s' to a literal; reference a vault value instead", [task.name, key]),
		"play": play.name,
		"task": task.name,
	}
}

deny contains violation if {
	some key, value in input.plan.vars
	secret_name(key)
	literal(value)
	violation := {"message": sprintf("plan variable '%s' holds a literal secret; move it to the vault", [key])}
}

deny contains violation if {
	some play in input.plan.plays
	some key, value in play.vars
	secret_name(key)
	literal(value)
	violation := {
		"message": sprintf("play variable '%s' holds a literal secret; move it to the vault", [key]),
		"play": play.name,
	}
}
`,
	}
}

// retryBoundsPolicy flags retry policies that can stall a run.
func retryBoundsPolicy() Policy {
	return Policy{
		Name:        "retry-bounds",
		Description: "Retry policies should stay under 20 attempts and 10 minute delays",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package froyo.policies.retry

import rego.v1

max_delay_ns := 600000000000

deny contains violation if {
	some play in input.plan.plays
	some task in play.tasks
	task.retry.max_attempts > 20
	violation := {
		"message": sprintf("task '%s' retries %d times", [task.name, task.retry.max_attempts]),
		"play": play.name,
		"task": task.name,
	}
}

deny contains violation if {
	some play in input.plan.plays
	some task in play.tasks
	time.parse_duration_ns(task.retry.delay) > max_delay_ns
	violation := {
		"message": sprintf("task '%s' waits %s between retries", [task.name, task.retry.delay]),
		"play": play.name,
		"task": task.name,
	}
}
`,
	}
}
