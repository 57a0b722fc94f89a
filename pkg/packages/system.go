package packages

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/hostprep/pkg/runner"
)

// EnsureSystem installs the OS packages in names that are not installed yet.
// The package index is refreshed once, only when something is missing.
// Per-package failures are recorded in the report; an error means the
// package manager could not be queried at all.
func (i *Installer) EnsureSystem(ctx context.Context, names []string) (*Report, error) {
	report := newReport()

	var missing []string
	for _, name := range names {
		installed, err := i.isInstalled(ctx, name)
		if err != nil {
			return report, err
		}
		if installed {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		missing = append(missing, name)
	}

	if len(missing) == 0 {
		i.log.Success("all system packages already installed")
		return report, nil
	}

	i.log.Infof("installing %d system packages: %s", len(missing), strings.Join(missing, ", "))

	if argv := i.refreshArgv(); argv != nil {
		res, err := i.runner.Run(ctx, argv, i.opts())
		if err != nil {
			return report, err
		}
		if !res.Success() {
			i.log.Warnf("package index refresh failed (%s); installing from the existing index", reason(res, nil))
		}
	}

	for _, name := range missing {
		res, err := i.runner.Run(ctx, i.installArgv(name), i.opts())
		if err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			report.fail(name, reason(res, err))
			continue
		}
		if !res.Success() {
			report.fail(name, reason(res, nil))
			i.log.Errorf("failed to install %s", name)
			continue
		}
		report.Installed = append(report.Installed, name)
		i.log.Successf("installed %s", name)
	}

	return report, nil
}

func (i *Installer) isInstalled(ctx context.Context, name string) (bool, error) {
	var argv []string
	switch i.manager {
	case Apt:
		argv = []string{"dpkg-query", "-W", "-f=${Status}", name}
	default:
		argv = []string{"rpm", "-q", name}
	}

	res, err := i.runner.Run(ctx, argv, runner.Options{Timeout: i.timeout})
	if err != nil {
		return false, fmt.Errorf("failed to query package %s: %w", name, err)
	}
	if !res.Success() {
		return false, nil
	}
	if i.manager == Apt {
		return strings.Contains(res.Stdout, "install ok installed"), nil
	}
	return true, nil
}

func (i *Installer) refreshArgv() []string {
	switch i.manager {
	case Apt:
		return []string{"apt-get", "update"}
	case Zypper:
		return []string{"zypper", "--non-interactive", "refresh"}
	}
	return nil
}

func (i *Installer) installArgv(name string) []string {
	switch i.manager {
	case Apt:
		return []string{"apt-get", "install", "-y", name}
	case Zypper:
		return []string{"zypper", "--non-interactive", "install", name}
	default:
		return []string{string(i.manager), "install", "-y", name}
	}
}

func (i *Installer) opts() runner.Options {
	opts := runner.Options{Timeout: i.timeout}
	if i.manager == Apt {
		opts.Env = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
	}
	return opts
}
