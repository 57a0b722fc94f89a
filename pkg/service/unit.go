package service

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/template"

	"github.com/dustin/go-humanize"

	"github.com/openfroyo/hostprep/pkg/hostfs"
)

// EnvVar is one Environment= assignment. Order is preserved in the unit.
type EnvVar struct {
	Name  string `json:"name" yaml:"name" toml:"name" validate:"required"`
	Value string `json:"value" yaml:"value" toml:"value"`
}

// Limits are resource ceilings rendered into the unit. Zero means unset.
type Limits struct {
	NoFile         uint64
	MemoryMaxBytes uint64
}

// Security holds systemd sandboxing directives.
type Security struct {
	NoNewPrivileges bool
	ProtectSystem   string
	ProtectHome     string
	PrivateTmp      bool
	ReadWritePaths  []string
}

// UnitSpec describes a simple long-running service.
type UnitSpec struct {
	Name             string
	Description      string
	User             string
	Group            string
	WorkingDirectory string
	ExecStart        string
	Environment      []EnvVar
	EnvironmentFile  string
	Restart          string
	RestartSec       int
	After            []string
	Wants            []string
	WantedBy         []string
	Limits           Limits
	Security         Security
}

// UnitName returns the unit file name, adding the .service suffix if absent.
func UnitName(name string) string {
	if strings.HasSuffix(name, ".service") {
		return name
	}
	return name + ".service"
}

// SpecError reports a UnitSpec that cannot be installed.
type SpecError struct {
	Field  string
	Reason string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("invalid unit %s: %s", e.Field, e.Reason)
}

// Executable returns the first word of ExecStart, without systemd prefixes.
func (u UnitSpec) Executable() string {
	fields := strings.Fields(u.ExecStart)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimLeft(fields[0], "@-:+!")
}

// Check verifies the unit against the host: the working directory must exist
// and be writable and the ExecStart program must be an absolute executable.
func (u UnitSpec) Check(fsys hostfs.FS) error {
	if u.Name == "" {
		return &SpecError{Field: "Name", Reason: "must not be empty"}
	}

	if u.WorkingDirectory == "" {
		return &SpecError{Field: "WorkingDirectory", Reason: "must not be empty"}
	}
	if !hostfs.IsDir(fsys, u.WorkingDirectory) {
		return &SpecError{Field: "WorkingDirectory", Reason: fmt.Sprintf("%s does not exist or is not a directory", u.WorkingDirectory)}
	}
	if err := hostfs.CheckWritable(fsys, u.WorkingDirectory); err != nil {
		return &SpecError{Field: "WorkingDirectory", Reason: err.Error()}
	}

	exe := u.Executable()
	if exe == "" {
		return &SpecError{Field: "ExecStart", Reason: "must not be empty"}
	}
	if !path.IsAbs(exe) {
		return &SpecError{Field: "ExecStart", Reason: fmt.Sprintf("%s is not an absolute path", exe)}
	}
	info, err := fsys.Stat(exe)
	if err != nil {
		return &SpecError{Field: "ExecStart", Reason: fmt.Sprintf("%s: %v", exe, err)}
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return &SpecError{Field: "ExecStart", Reason: fmt.Sprintf("%s is not executable", exe)}
	}
	return nil
}

var unitTemplate = template.Must(template.New("unit").Funcs(template.FuncMap{
	"join":     strings.Join,
	"quoteEnv": quoteEnv,
	"ibytes":   humanize.IBytes,
}).Parse(`# Managed by hostprep. Local edits are replaced on the next run.
[Unit]
Description={{.Description}}
{{- if .After}}
After={{join .After " "}}
{{- end}}
{{- if .Wants}}
Wants={{join .Wants " "}}
{{- end}}

[Service]
Type=simple
{{- if .User}}
User={{.User}}
{{- end}}
{{- if .Group}}
Group={{.Group}}
{{- end}}
WorkingDirectory={{.WorkingDirectory}}
{{- if .EnvironmentFile}}
EnvironmentFile={{.EnvironmentFile}}
{{- end}}
{{- range .Environment}}
Environment={{quoteEnv .Name .Value}}
{{- end}}
ExecStart={{.ExecStart}}
{{- if .Restart}}
Restart={{.Restart}}
{{- end}}
{{- if .RestartSec}}
RestartSec={{.RestartSec}}
{{- end}}
{{- if .Limits.NoFile}}
LimitNOFILE={{.Limits.NoFile}}
{{- end}}
{{- if .Limits.MemoryMaxBytes}}
# {{ibytes .Limits.MemoryMaxBytes}}
MemoryMax={{.Limits.MemoryMaxBytes}}
{{- end}}
{{- if .Security.NoNewPrivileges}}
NoNewPrivileges=true
{{- end}}
{{- if .Security.PrivateTmp}}
PrivateTmp=true
{{- end}}
{{- if .Security.ProtectSystem}}
ProtectSystem={{.Security.ProtectSystem}}
{{- end}}
{{- if .Security.ProtectHome}}
ProtectHome={{.Security.ProtectHome}}
{{- end}}
{{- if .Security.ReadWritePaths}}
ReadWritePaths={{join .Security.ReadWritePaths " "}}
{{- end}}
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}
{{- if .WantedBy}}

[Install]
WantedBy={{join .WantedBy " "}}
{{- end}}
`))

// Render produces the unit file text. It does not modify u.
func (u UnitSpec) Render() ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, u); err != nil {
		return nil, fmt.Errorf("failed to render unit %s: %w", u.Name, err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// quoteEnv renders a double-quoted Environment= assignment.
func quoteEnv(name, value string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "%", "%%", "\n", `\n`)
	return `"` + name + "=" + r.Replace(value) + `"`
}
