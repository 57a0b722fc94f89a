package config

import (
	"path"

	"github.com/openfroyo/hostprep/pkg/envfile"
	"github.com/openfroyo/hostprep/pkg/packages"
	"github.com/openfroyo/hostprep/pkg/service"
)

// Config is the complete provisioning declaration for one host.
type Config struct {
	// Project names the deployed application; it is the default unit name.
	Project ProjectConfig `json:"project" yaml:"project" toml:"project"`

	// Repository is the git checkout the service runs from.
	Repository RepositoryConfig `json:"repository" yaml:"repository" toml:"repository"`

	// Packages lists OS packages, Python requirements and browsers.
	Packages PackagesConfig `json:"packages" yaml:"packages" toml:"packages"`

	// Secrets configures the KEY=VALUE file read by the service.
	Secrets SecretsConfig `json:"secrets" yaml:"secrets" toml:"secrets"`

	// Service describes the systemd unit.
	Service ServiceConfig `json:"service" yaml:"service" toml:"service"`

	// Policy configures the preflight policy gate.
	Policy PolicyConfig `json:"policy" yaml:"policy" toml:"policy"`

	// State configures the run history database.
	State StateConfig `json:"state" yaml:"state" toml:"state"`

	// Telemetry configures tracing and metrics export.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" toml:"telemetry"`

	// Script is an optional Starlark file that adjusts the config per host.
	Script string `json:"script,omitempty" yaml:"script,omitempty" toml:"script,omitempty"`

	// Source is the file the config was loaded from, empty for built-in defaults.
	Source string `json:"-" yaml:"-" toml:"-"`
}

// ProjectConfig identifies the deployed application.
type ProjectConfig struct {
	Name        string `json:"name" yaml:"name" toml:"name" validate:"required,hostname_rfc1123"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// RepositoryConfig describes the checkout.
type RepositoryConfig struct {
	URL     string `json:"url" yaml:"url" toml:"url" validate:"required"`
	Branch  string `json:"branch" yaml:"branch" toml:"branch" validate:"required"`
	WorkDir string `json:"work_dir" yaml:"work_dir" toml:"work_dir" validate:"required,startswith=/"`

	// AllowClear permits deleting a non-empty work dir that is not a checkout.
	AllowClear bool `json:"allow_clear,omitempty" yaml:"allow_clear,omitempty" toml:"allow_clear,omitempty"`
}

// PackagesConfig describes everything installed before the service starts.
type PackagesConfig struct {
	Manager packages.Manager `json:"manager" yaml:"manager" toml:"manager" validate:"required,oneof=apt dnf yum zypper"`
	System  []string         `json:"system" yaml:"system" toml:"system" validate:"dive,required"`

	// Python is the interpreter used to create the virtualenv.
	Python  string `json:"python" yaml:"python" toml:"python" validate:"required"`
	VenvDir string `json:"venv_dir,omitempty" yaml:"venv_dir,omitempty" toml:"venv_dir,omitempty"`

	// Manifest is relative to the work dir unless absolute.
	Manifest   string                 `json:"manifest" yaml:"manifest" toml:"manifest"`
	Fallback   []packages.Requirement `json:"fallback" yaml:"fallback" toml:"fallback" validate:"dive"`
	UpgradePip bool                   `json:"upgrade_pip,omitempty" yaml:"upgrade_pip,omitempty" toml:"upgrade_pip,omitempty"`

	Browsers         []string `json:"browsers" yaml:"browsers" toml:"browsers" validate:"dive,oneof=chromium chromium-headless-shell firefox webkit"`
	BrowsersWithDeps bool     `json:"browsers_with_deps,omitempty" yaml:"browsers_with_deps,omitempty" toml:"browsers_with_deps,omitempty"`
	BrowsersPath     string   `json:"browsers_path" yaml:"browsers_path" toml:"browsers_path" validate:"required,startswith=/"`

	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// SecretsConfig describes the secrets file.
type SecretsConfig struct {
	// Path is relative to the work dir unless absolute.
	Path     string          `json:"path" yaml:"path" toml:"path" validate:"required"`
	Defaults []envfile.Entry `json:"defaults" yaml:"defaults" toml:"defaults" validate:"dive"`
}

// ServiceConfig describes the systemd unit.
type ServiceConfig struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Description string `json:"description" yaml:"description" toml:"description"`
	User        string `json:"user,omitempty" yaml:"user,omitempty" toml:"user,omitempty"`
	Group       string `json:"group,omitempty" yaml:"group,omitempty" toml:"group,omitempty"`

	// Entrypoint is the script run by the virtualenv interpreter. ExecStart
	// overrides the whole command line.
	Entrypoint string `json:"entrypoint" yaml:"entrypoint" toml:"entrypoint"`
	ExecStart  string `json:"exec_start,omitempty" yaml:"exec_start,omitempty" toml:"exec_start,omitempty"`

	Environment []service.EnvVar `json:"environment" yaml:"environment" toml:"environment" validate:"dive"`
	Restart     string           `json:"restart" yaml:"restart" toml:"restart" validate:"omitempty,oneof=no always on-success on-failure on-abnormal on-abort on-watchdog"`
	RestartSec  int              `json:"restart_sec" yaml:"restart_sec" toml:"restart_sec" validate:"gte=0"`
	After       []string         `json:"after" yaml:"after" toml:"after"`
	Wants       []string         `json:"wants" yaml:"wants" toml:"wants"`
	WantedBy    []string         `json:"wanted_by" yaml:"wanted_by" toml:"wanted_by"`

	MaxOpenFiles uint64   `json:"max_open_files" yaml:"max_open_files" toml:"max_open_files"`
	MemoryMax    ByteSize `json:"memory_max" yaml:"memory_max" toml:"memory_max"`

	Security SecurityConfig `json:"security" yaml:"security" toml:"security"`

	UnitDir          string   `json:"unit_dir" yaml:"unit_dir" toml:"unit_dir" validate:"required,startswith=/"`
	HealthCheckDelay Duration `json:"health_check_delay" yaml:"health_check_delay" toml:"health_check_delay"`
	LogLines         int      `json:"log_lines" yaml:"log_lines" toml:"log_lines" validate:"gte=0"`
}

// SecurityConfig holds unit hardening options.
type SecurityConfig struct {
	NoNewPrivileges bool     `json:"no_new_privileges" yaml:"no_new_privileges" toml:"no_new_privileges"`
	ProtectSystem   string   `json:"protect_system,omitempty" yaml:"protect_system,omitempty" toml:"protect_system,omitempty" validate:"omitempty,oneof=true false full strict"`
	ProtectHome     string   `json:"protect_home,omitempty" yaml:"protect_home,omitempty" toml:"protect_home,omitempty" validate:"omitempty,oneof=true false read-only tmpfs"`
	PrivateTmp      bool     `json:"private_tmp" yaml:"private_tmp" toml:"private_tmp"`
	ReadWritePaths  []string `json:"read_write_paths" yaml:"read_write_paths" toml:"read_write_paths" validate:"dive,startswith=/"`
}

// PolicyConfig configures preflight policies.
type PolicyConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`

	// Paths are extra .rego files or directories evaluated with the built-ins.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" toml:"paths,omitempty"`

	// Mode is enforcing (violations abort) or advisory (violations warn).
	Mode string `json:"mode" yaml:"mode" toml:"mode" validate:"oneof=enforcing advisory"`

	// MaxMemory caps service.memory_max for the built-in memory rule.
	MaxMemory ByteSize `json:"max_memory,omitempty" yaml:"max_memory,omitempty" toml:"max_memory,omitempty"`
}

// StateConfig configures the run history database.
type StateConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path" validate:"required_if=Enabled true"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	// TraceExporter is none, stdout or otlp.
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" toml:"trace_exporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint string `json:"trace_endpoint,omitempty" yaml:"trace_endpoint,omitempty" toml:"trace_endpoint,omitempty" validate:"required_if=TraceExporter otlp"`

	// MetricsTextfile is a node_exporter textfile written after each run.
	MetricsTextfile string `json:"metrics_textfile,omitempty" yaml:"metrics_textfile,omitempty" toml:"metrics_textfile,omitempty"`
}

// ServiceName is the unit name, defaulting to the project name.
func (c *Config) ServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return c.Project.Name
}

// VenvDir is the virtualenv directory, defaulting to work_dir/venv.
func (c *Config) VenvDir() string {
	return c.inWorkDir(c.Packages.VenvDir, "venv")
}

// ManifestPath is the absolute requirements manifest path.
func (c *Config) ManifestPath() string {
	if c.Packages.Manifest == "" {
		return ""
	}
	return c.inWorkDir(c.Packages.Manifest, "")
}

// SecretsPath is the absolute secrets file path.
func (c *Config) SecretsPath() string {
	return c.inWorkDir(c.Secrets.Path, ".env")
}

// ExecStart is the service command line.
func (c *Config) ExecStart() string {
	if c.Service.ExecStart != "" {
		return c.Service.ExecStart
	}
	return packages.VenvPython(c.VenvDir()) + " " + c.Service.Entrypoint
}

func (c *Config) inWorkDir(p, fallback string) string {
	if p == "" {
		p = fallback
	}
	if path.IsAbs(p) {
		return p
	}
	return path.Join(c.Repository.WorkDir, p)
}

// UnitSpec builds the systemd unit description. Service environment gets
// PLAYWRIGHT_BROWSERS_PATH when browsers are declared and it is not set.
func (c *Config) UnitSpec() service.UnitSpec {
	env := append([]service.EnvVar(nil), c.Service.Environment...)
	if len(c.Packages.Browsers) > 0 && !hasEnv(env, "PLAYWRIGHT_BROWSERS_PATH") {
		env = append(env, service.EnvVar{Name: "PLAYWRIGHT_BROWSERS_PATH", Value: c.Packages.BrowsersPath})
	}

	rw := append([]string(nil), c.Service.Security.ReadWritePaths...)
	if len(rw) == 0 {
		rw = []string{c.Repository.WorkDir}
		if len(c.Packages.Browsers) > 0 {
			rw = append(rw, c.Packages.BrowsersPath)
		}
	}

	description := c.Service.Description
	if description == "" {
		description = c.Project.Description
	}

	return service.UnitSpec{
		Name:             c.ServiceName(),
		Description:      description,
		User:             c.Service.User,
		Group:            c.Service.Group,
		WorkingDirectory: c.Repository.WorkDir,
		ExecStart:        c.ExecStart(),
		Environment:      env,
		EnvironmentFile:  c.SecretsPath(),
		Restart:          c.Service.Restart,
		RestartSec:       c.Service.RestartSec,
		After:            c.Service.After,
		Wants:            c.Service.Wants,
		WantedBy:         c.Service.WantedBy,
		Limits: service.Limits{
			NoFile:         c.Service.MaxOpenFiles,
			MemoryMaxBytes: uint64(c.Service.MemoryMax),
		},
		Security: service.Security{
			NoNewPrivileges: c.Service.Security.NoNewPrivileges,
			ProtectSystem:   c.Service.Security.ProtectSystem,
			ProtectHome:     c.Service.Security.ProtectHome,
			PrivateTmp:      c.Service.Security.PrivateTmp,
			ReadWritePaths:  rw,
		},
	}
}

func hasEnv(env []service.EnvVar, name string) bool {
	for _, e := range env {
		if e.Name == name {
			return true
		}
	}
	return false
}
