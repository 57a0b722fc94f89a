package engine

import (
	"errors"
	"fmt"

	"github.com/openfroyo/hostprep/pkg/config"
	"github.com/openfroyo/hostprep/pkg/envfile"
	"github.com/openfroyo/hostprep/pkg/packages"
	"github.com/openfroyo/hostprep/pkg/reposync"
	"github.com/openfroyo/hostprep/pkg/runner"
	"github.com/openfroyo/hostprep/pkg/service"
)

// ErrorKind classifies a provisioning failure for reporting.
type ErrorKind string

const (
	// KindPermission means hostprep is not running with the privilege it needs.
	KindPermission ErrorKind = "permission"

	// KindExecution means an external command was missing, timed out or failed.
	KindExecution ErrorKind = "execution"

	// KindPackageInstall means one or more packages could not be installed.
	KindPackageInstall ErrorKind = "package_install"

	// KindRepositoryConflict means local edits could not be reapplied after a sync.
	KindRepositoryConflict ErrorKind = "repository_conflict"

	// KindInstall covers writing the unit file and the secrets file.
	KindInstall ErrorKind = "install"

	// KindHealthCheck means the service was not running after a restart.
	KindHealthCheck ErrorKind = "health_check"

	// KindConfig means the configuration or a file it points at is invalid.
	KindConfig ErrorKind = "config"

	// KindPolicy means a preflight policy blocked the run.
	KindPolicy ErrorKind = "policy"
)

// ProvisionError is a classified failure of one pipeline step.
type ProvisionError struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Step is the pipeline step that failed, empty before the pipeline starts.
	Step string `json:"step,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Hint tells the operator what to do next.
	Hint string `json:"hint,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Kind, e.Step, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is matches another ProvisionError of the same kind.
func (e *ProvisionError) Is(target error) bool {
	t, ok := target.(*ProvisionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewPermissionError reports that hostprep needs root.
func NewPermissionError(uid int) *ProvisionError {
	return &ProvisionError{
		Kind:    KindPermission,
		Message: fmt.Sprintf("hostprep must run as root (effective uid %d)", uid),
		Hint:    "re-run with sudo, or connect with --ssh-user root",
	}
}

// NewPolicyError reports blocking preflight violations.
func NewPolicyError(messages []string, hint string) *ProvisionError {
	return &ProvisionError{
		Kind:    KindPolicy,
		Message: fmt.Sprintf("%d blocking policy violation(s): %s", len(messages), joinMessages(messages)),
		Hint:    hint,
	}
}

func joinMessages(messages []string) string {
	switch len(messages) {
	case 0:
		return ""
	case 1:
		return messages[0]
	}
	out := messages[0]
	for _, m := range messages[1:] {
		out += "; " + m
	}
	return out
}

// hinter is implemented by component errors that carry their own remediation.
type hinter interface {
	Hint() string
}

// Classify wraps err as a ProvisionError for step. An existing
// ProvisionError keeps its kind and gains the step name.
func Classify(step string, err error) *ProvisionError {
	if err == nil {
		return nil
	}

	var pe *ProvisionError
	if errors.As(err, &pe) {
		if pe.Step == "" {
			pe.Step = step
		}
		return pe
	}

	out := &ProvisionError{Step: step, Err: err, Kind: KindExecution}

	var (
		execErr     *runner.ExecutionError
		pkgErr      *packages.PackageInstallError
		conflictErr *reposync.ConflictError
		installErr  *service.InstallError
		healthErr   *service.HealthCheckError
		parseErr    *envfile.ParseError
		validErr    *config.ValidationError
	)

	switch {
	case errors.As(err, &healthErr):
		out.Kind = KindHealthCheck
	case errors.As(err, &installErr):
		out.Kind = KindInstall
		out.Hint = fmt.Sprintf("check that %s exists and is writable", installErr.Path)
	case errors.As(err, &conflictErr):
		out.Kind = KindRepositoryConflict
	case errors.Is(err, reposync.ErrWorkDirNotEmpty):
		out.Kind = KindConfig
		out.Hint = "pass --allow-clear to replace its contents, or point repository.work_dir at an empty directory"
	case errors.As(err, &pkgErr):
		out.Kind = KindPackageInstall
		out.Hint = "check the package manager output above, then re-run hostprep"
	case errors.As(err, &parseErr):
		out.Kind = KindConfig
		out.Hint = fmt.Sprintf("fix line %d of %s", parseErr.Line, parseErr.Path)
	case errors.As(err, &validErr):
		out.Kind = KindConfig
		out.Hint = "run hostprep validate to list every problem"
	case errors.As(err, &execErr):
		out.Kind = KindExecution
		switch execErr.Kind {
		case runner.KindNotFound:
			out.Hint = fmt.Sprintf("install %s or add it to packages.system", execErr.Command)
		case runner.KindTimeout:
			out.Hint = "raise packages.timeout or check network access from the host"
		}
	}

	var h hinter
	if out.Hint == "" && errors.As(err, &h) {
		out.Hint = h.Hint()
	}
	if out.Hint == "" {
		out.Hint = "fix the problem above and re-run hostprep; every step is safe to repeat"
	}

	return out
}

// HintFor returns the remediation hint carried by err, or "".
func HintFor(err error) string {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Hint
	}
	return ""
}

// ExitCode maps the outcome of a run to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// IsKind reports whether err is a ProvisionError of kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}
