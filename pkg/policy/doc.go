// Package policy decides whether a fix command may run automatically, using
// Open Policy Agent (OPA) Rego policies.
//
// Every policy is a Rego module that defines a set rule named deny. The input
// document is:
//
//	{
//	  "run_id": "smartpipe__9c1f...",
//	  "fix": {"command": "systemctl restart ipa", "description": "...", "destructive": false},
//	  "auto_approve": false,
//	  "timestamp": "2026-03-14T09:30:00Z"
//	}
//
// A fix is approved when no enabled policy produces a deny entry. Entries are
// strings, or objects with a "message" field.
//
// # Built-in policies
//
//   - destructive-fixes: destructive fixes require auto-approve
//   - forbidden-commands: disk wipes and host power changes never run
//   - empty-command: a fix must have a command
//
// # Custom policies
//
// Custom policies are .rego files in the policy directory, named after their
// file. A custom policy with a built-in's name replaces the built-in.
//
//	package smartpipe.fixes.maintenance
//
//	import rego.v1
//
//	deny contains "no restarts during the backup window" if {
//		contains(input.fix.command, "restart")
//		hour := time.clock(time.parse_rfc3339_ns(input.timestamp))[0]
//		hour == 2
//	}
//
// Engine.Watch reloads the directory when a file changes.
package policy
