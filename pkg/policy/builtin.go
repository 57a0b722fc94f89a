package policy

// BuiltinPolicies returns the policies compiled into hostprep.
func BuiltinPolicies() []Policy {
	return []Policy{
		absoluteExecPolicy(),
		privilegesPolicy(),
		memoryCapPolicy(),
		protectedWorkDirPolicy(),
		secureRemotePolicy(),
	}
}

// absoluteExecPolicy requires the unit to start an absolute executable.
func absoluteExecPolicy() Policy {
	return Policy{
		Name:        "absolute-exec",
		Description: "ExecStart must begin with an absolute executable path",
		Severity:    SeverityError,
		Builtin:     true,
		Rego: `package hostprep.builtin.exec

deny contains violation if {
	input.service.executable == ""
	violation := {
		"message": "service has no ExecStart command",
		"field": "service.exec_start",
		"remediation": "set service.entrypoint or service.exec_start",
	}
}

deny contains violation if {
	input.service.executable != ""
	not startswith(input.service.executable, "/")
	violation := {
		"message": sprintf("ExecStart command %q is not an absolute path", [input.service.executable]),
		"field": "service.exec_start",
		"remediation": "use the full path of the executable, e.g. /usr/bin/python3",
	}
}
`,
	}
}

// privilegesPolicy flags units that can gain privileges.
func privilegesPolicy() Policy {
	return Policy{
		Name:        "no-new-privileges",
		Description: "Services should run with NoNewPrivileges and a protected /usr",
		Severity:    SeverityWarning,
		Builtin:     true,
		Rego: `package hostprep.builtin.privileges

deny contains violation if {
	not input.service.no_new_privileges
	violation := {
		"message": sprintf("service %s can gain new privileges", [input.service.name]),
		"field": "service.security.no_new_privileges",
		"remediation": "set service.security.no_new_privileges to true",
	}
}

deny contains violation if {
	input.service.protect_system == ""
	input.service.user == "root"
	violation := {
		"message": sprintf("service %s runs as root without ProtectSystem", [input.service.name]),
		"field": "service.security.protect_system",
		"remediation": "set service.security.protect_system to full or strict",
	}
}
`,
	}
}

// memoryCapPolicy keeps MemoryMax under the operator ceiling.
func memoryCapPolicy() Policy {
	return Policy{
		Name:        "memory-cap",
		Description: "MemoryMax must be set and must not exceed policy.max_memory",
		Severity:    SeverityError,
		Builtin:     true,
		Rego: `package hostprep.builtin.memory

deny contains violation if {
	input.service.memory_max_bytes == 0
	violation := {
		"message": sprintf("service %s has no memory limit", [input.service.name]),
		"severity": "warning",
		"field": "service.memory_max",
		"remediation": "set service.memory_max, e.g. \"2GiB\"",
	}
}

deny contains violation if {
	input.limits.max_memory_bytes > 0
	input.service.memory_max_bytes > input.limits.max_memory_bytes
	violation := {
		"message": sprintf("MemoryMax %d bytes exceeds the allowed %d bytes", [input.service.memory_max_bytes, input.limits.max_memory_bytes]),
		"field": "service.memory_max",
		"remediation": "lower service.memory_max or raise policy.max_memory",
	}
}
`,
	}
}

// protectedWorkDirPolicy refuses to deploy into, and possibly clear, system
// directories.
func protectedWorkDirPolicy() Policy {
	return Policy{
		Name:        "protected-work-dir",
		Description: "The work directory must not be a system directory",
		Severity:    SeverityCritical,
		Builtin:     true,
		Rego: `package hostprep.builtin.workdir

protected := {
	"/", "/bin", "/boot", "/dev", "/etc", "/home", "/lib", "/lib64", "/opt",
	"/proc", "/root", "/run", "/sbin", "/srv", "/sys", "/tmp", "/usr", "/var",
}

normalized := trim_right(input.repository.work_dir, "/") if {
	input.repository.work_dir != "/"
} else := "/"

deny contains violation if {
	protected[normalized]
	violation := {
		"message": sprintf("work dir %s is a system directory", [input.repository.work_dir]),
		"field": "repository.work_dir",
		"remediation": "deploy into a dedicated directory such as /opt/<project>",
	}
}
`,
	}
}

// secureRemotePolicy requires an encrypted git transport.
func secureRemotePolicy() Policy {
	return Policy{
		Name:        "secure-remote",
		Description: "The repository must be fetched over https or ssh",
		Severity:    SeverityError,
		Builtin:     true,
		Rego: `package hostprep.builtin.remote

insecure_schemes := {"http://", "git://", "ftp://"}

deny contains violation if {
	some scheme in insecure_schemes
	startswith(lower(input.repository.url), scheme)
	violation := {
		"message": sprintf("repository URL %s uses an unencrypted transport", [input.repository.url]),
		"field": "repository.url",
		"remediation": "use an https:// or ssh URL",
	}
}
`,
	}
}
