package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// configSchema constrains CUE companion files. It mirrors Config; every field
// is optional because files are applied over Defaults.
const configSchema = `
#Duration: string | int
#ByteSize: string | int

#Entry: {
	key:          =~"^[A-Za-z_][A-Za-z0-9_]*$"
	value?:       string
	comment?:     string
	placeholder?: bool
}

#Config: {
	project?: {
		name?:        =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$"
		description?: string
	}
	repository?: {
		url?:         string
		branch?:      string & != ""
		work_dir?:    =~"^/"
		allow_clear?: bool
	}
	packages?: {
		manager?:  "apt" | "dnf" | "yum" | "zypper"
		system?: [...string]
		python?:      string
		venv_dir?:    string
		manifest?:    string
		upgrade_pip?: bool
		fallback?: [...{
			name:     string & != ""
			op?:      "==" | "!=" | ">=" | "<=" | ">" | "<" | "~="
			version?: string
		}]
		browsers?: [...("chromium" | "chromium-headless-shell" | "firefox" | "webkit")]
		browsers_with_deps?: bool
		browsers_path?:      =~"^/"
		timeout?:            #Duration
	}
	secrets?: {
		path?: string
		defaults?: [...#Entry]
	}
	service?: {
		name?:        string
		description?: string
		user?:        string
		group?:       string
		entrypoint?:  string
		exec_start?:  string
		environment?: [...{name: string, value: string}]
		restart?:     "no" | "always" | "on-success" | "on-failure" | "on-abnormal" | "on-abort" | "on-watchdog"
		restart_sec?: int & >=0
		after?: [...string]
		wants?: [...string]
		wanted_by?: [...string]
		max_open_files?: int & >=0
		memory_max?:     #ByteSize
		security?: {
			no_new_privileges?: bool
			protect_system?:    "true" | "false" | "full" | "strict"
			protect_home?:      "true" | "false" | "read-only" | "tmpfs"
			private_tmp?:       bool
			read_write_paths?: [...=~"^/"]
		}
		unit_dir?:           =~"^/"
		health_check_delay?: #Duration
		log_lines?:          int & >=0
	}
	policy?: {
		enabled?: bool
		paths?: [...string]
		mode?:       "enforcing" | "advisory"
		max_memory?: #ByteSize
	}
	state?: {
		enabled?: bool
		path?:    string
	}
	telemetry?: {
		trace_exporter?:   "none" | "stdout" | "otlp"
		trace_endpoint?:   string
		metrics_textfile?: string
	}
	script?: string
}
`

// compileSchema returns the #Config definition.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := v.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return cue.Value{}, fmt.Errorf("config schema has no #Config definition")
	}
	return def, nil
}
