// Package policy provides the Open Policy Agent (OPA) preflight gate for
// hostprep.
//
// Before anything is installed the orchestrator builds an Input from the
// loaded configuration and evaluates every policy against it. A policy is a
// Rego module that defines a deny set; each entry is either a string or an
// object:
//
//	package site.limits
//
//	deny contains violation if {
//		input.service.user == "root"
//		violation := {
//			"message": "services must not run as root",
//			"severity": "error",
//			"field": "service.user",
//			"remediation": "set service.user to a dedicated account",
//		}
//	}
//
// Violations with error or critical severity make Result.Allowed false.
// Warnings and info findings are reported but never block.
//
// # Built-in Policies
//
//   - absolute-exec: ExecStart begins with an absolute path
//   - no-new-privileges: NoNewPrivileges set, root services protect /usr
//   - memory-cap: MemoryMax set and below policy.max_memory
//   - protected-work-dir: the checkout never lands in a system directory
//   - secure-remote: the repository URL uses https or ssh
//
// User policies are loaded from the files and directories listed in
// policy.paths; *_test.rego files are skipped.
package policy
