package policy

import (
	"strings"
	"time"

	"github.com/openfroyo/hostprep/pkg/config"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block provisioning.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether the severity stops an enforcing run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set yields violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Builtin marks policies compiled into the binary.
	Builtin bool `json:"builtin"`

	// Source is the file a user policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy      string   `json:"policy"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Field       string   `json:"field,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating every loaded policy.
type Result struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations lists blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Project    ProjectInput    `json:"project"`
	Repository RepositoryInput `json:"repository"`
	Packages   PackagesInput   `json:"packages"`
	Service    ServiceInput    `json:"service"`
	Limits     LimitsInput     `json:"limits"`
	Target     TargetInput     `json:"target"`
}

// ProjectInput describes the deployed project.
type ProjectInput struct {
	Name string `json:"name"`
}

// RepositoryInput describes the checkout.
type RepositoryInput struct {
	URL        string `json:"url"`
	Branch     string `json:"branch"`
	WorkDir    string `json:"work_dir"`
	AllowClear bool   `json:"allow_clear"`
}

// PackagesInput describes what will be installed.
type PackagesInput struct {
	Manager  string   `json:"manager"`
	System   []string `json:"system"`
	Browsers []string `json:"browsers"`
}

// ServiceInput describes the unit that will be installed.
type ServiceInput struct {
	Name            string   `json:"name"`
	User            string   `json:"user"`
	ExecStart       string   `json:"exec_start"`
	Executable      string   `json:"executable"`
	MemoryMaxBytes  uint64   `json:"memory_max_bytes"`
	NoNewPrivileges bool     `json:"no_new_privileges"`
	ProtectSystem   string   `json:"protect_system"`
	ReadWritePaths  []string `json:"read_write_paths"`
}

// LimitsInput carries operator-set ceilings.
type LimitsInput struct {
	MaxMemoryBytes uint64 `json:"max_memory_bytes"`
}

// TargetInput describes the host being provisioned.
type TargetInput struct {
	Host   string `json:"host"`
	Remote bool   `json:"remote"`
}

// NewInput builds the policy input for cfg provisioned on host. An empty
// host means the local machine.
func NewInput(cfg *config.Config, host string) Input {
	spec := cfg.UnitSpec()
	var executable string
	if fields := strings.Fields(spec.ExecStart); len(fields) > 0 {
		executable = fields[0]
	}

	target := TargetInput{Host: host, Remote: host != ""}
	if host == "" {
		target.Host = "localhost"
	}

	return Input{
		Project: ProjectInput{Name: cfg.Project.Name},
		Repository: RepositoryInput{
			URL:        cfg.Repository.URL,
			Branch:     cfg.Repository.Branch,
			WorkDir:    cfg.Repository.WorkDir,
			AllowClear: cfg.Repository.AllowClear,
		},
		Packages: PackagesInput{
			Manager:  string(cfg.Packages.Manager),
			System:   nonNil(cfg.Packages.System),
			Browsers: nonNil(cfg.Packages.Browsers),
		},
		Service: ServiceInput{
			Name:            spec.Name,
			User:            spec.User,
			ExecStart:       spec.ExecStart,
			Executable:      executable,
			MemoryMaxBytes:  spec.Limits.MemoryMaxBytes,
			NoNewPrivileges: spec.Security.NoNewPrivileges,
			ProtectSystem:   spec.Security.ProtectSystem,
			ReadWritePaths:  nonNil(spec.Security.ReadWritePaths),
		},
		Limits: LimitsInput{MaxMemoryBytes: uint64(cfg.Policy.MaxMemory)},
		Target: target,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
