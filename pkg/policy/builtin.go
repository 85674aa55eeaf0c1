package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destructiveFixesPolicy(),
		forbiddenCommandsPolicy(),
		emptyCommandPolicy(),
	}
}

// destructiveFixesPolicy lets delete/recreate fixes run only with auto-approve.
func destructiveFixesPolicy() Policy {
	return Policy{
		Name:        "destructive-fixes",
		Description: "Destructive fixes require auto-approve",
		Enabled:     true,
		Rego: `package smartpipe.fixes.destructive

import rego.v1

deny contains "destructive fix requires auto-approve" if {
	input.fix.destructive
	not input.auto_approve
}
`,
	}
}

// forbiddenCommandsPolicy refuses commands that can take the host down,
// whatever the approval.
func forbiddenCommandsPolicy() Policy {
	return Policy{
		Name:        "forbidden-commands",
		Description: "Commands that wipe disks or stop the host never run as fixes",
		Enabled:     true,
		Rego: `package smartpipe.fixes.forbidden

import rego.v1

patterns := {
	"recursive delete of /": "rm\\s+-[a-zA-Z]*r[a-zA-Z]*f?\\s+/(\\s|$|\\*)",
	"filesystem creation": "\\bmkfs(\\.|\\s)",
	"raw disk write": "\\bdd\\s+.*of=/dev/",
	"host power change": "\\b(shutdown|reboot|halt|poweroff)\\b",
	"fork bomb": ":\\(\\)\\s*\\{",
}

deny contains msg if {
	some name, pattern in patterns
	regex.match(pattern, input.fix.command)
	msg := sprintf("command is forbidden: %s", [name])
}
`,
	}
}

func emptyCommandPolicy() Policy {
	return Policy{
		Name:        "empty-command",
		Description: "A fix must have a command",
		Enabled:     true,
		Rego: `package smartpipe.fixes.empty

import rego.v1

deny contains "fix has no command" if {
	trim_space(input.fix.command) == ""
}
`,
	}
}
