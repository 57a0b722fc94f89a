// Package packages ensures OS packages, a Python virtual environment, its
// dependencies and Playwright browser assets are present. Every ensure call
// queries installed state first and only installs what is missing.
package packages

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
	"github.com/openfroyo/hostprep/pkg/steplog"
)

// Manager names an OS package manager.
type Manager string

const (
	Apt    Manager = "apt"
	Dnf    Manager = "dnf"
	Yum    Manager = "yum"
	Zypper Manager = "zypper"
)

// Valid reports whether m is supported.
func (m Manager) Valid() bool {
	switch m {
	case Apt, Dnf, Yum, Zypper:
		return true
	}
	return false
}

// DefaultBrowsersPath is where Playwright keeps browser builds when run as root.
const DefaultBrowsersPath = "/root/.cache/ms-playwright"

// DefaultTimeout bounds a single install command.
const DefaultTimeout = 15 * time.Minute

// Set is the full package declaration of a host.
type Set struct {
	System   []string
	Language []Requirement
	Browsers []string
}

// Report collects the per-package outcome of an ensure call.
type Report struct {
	Installed []string
	Skipped   []string
	Failed    map[string]string
}

func newReport() *Report {
	return &Report{Failed: make(map[string]string)}
}

func (r *Report) fail(name, reason string) {
	r.Failed[name] = reason
}

// Changed reports whether anything was installed.
func (r *Report) Changed() bool {
	return len(r.Installed) > 0
}

// Err returns nil when nothing failed, otherwise the per-package errors joined
// in name order.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, &PackageInstallError{Package: name, Reason: r.Failed[name]})
	}
	return errors.Join(errs...)
}

// PackageInstallError is the failure of one package.
type PackageInstallError struct {
	Package string
	Reason  string
}

func (e *PackageInstallError) Error() string {
	return fmt.Sprintf("failed to install %s: %s", e.Package, e.Reason)
}

// Options configure an Installer.
type Options struct {
	Manager      Manager
	BrowsersPath string
	Timeout      time.Duration
}

// Installer drives package managers through a runner.
type Installer struct {
	runner       runner.Runner
	fs           hostfs.FS
	log          *steplog.StepLog
	manager      Manager
	browsersPath string
	timeout      time.Duration
}

// NewInstaller creates an installer. Zero option fields take defaults.
func NewInstaller(r runner.Runner, fsys hostfs.FS, log *steplog.StepLog, opts Options) (*Installer, error) {
	if opts.Manager == "" {
		opts.Manager = Apt
	}
	if !opts.Manager.Valid() {
		return nil, fmt.Errorf("unsupported package manager: %s", opts.Manager)
	}
	if opts.BrowsersPath == "" {
		opts.BrowsersPath = DefaultBrowsersPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Installer{
		runner:       r,
		fs:           fsys,
		log:          log,
		manager:      opts.Manager,
		browsersPath: opts.BrowsersPath,
		timeout:      opts.Timeout,
	}, nil
}

// BrowsersPath is the Playwright browser cache the installer checks.
func (i *Installer) BrowsersPath() string {
	return i.browsersPath
}

// reason condenses a failed command into one line for a Report.
func reason(res runner.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	out := strings.TrimSpace(res.Stderr)
	if out == "" {
		out = strings.TrimSpace(res.Stdout)
	}
	if idx := strings.LastIndexByte(out, '\n'); idx >= 0 {
		out = out[idx+1:]
	}
	if out == "" {
		return fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Sprintf("exit code %d: %s", res.ExitCode, out)
}
