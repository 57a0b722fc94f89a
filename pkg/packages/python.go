package packages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
)

// LanguageOptions describe the Python dependencies of the deployed application.
type LanguageOptions struct {
	VenvDir string

	// Manifest is a requirements.txt; when it exists it wins over Fallback.
	Manifest string
	Fallback []Requirement

	UpgradePip bool
}

// VenvPython returns the interpreter inside venvDir.
func VenvPython(venvDir string) string {
	return path.Join(venvDir, "bin", "python")
}

// EnsureVirtualenv creates venvDir with python -m venv unless it already has
// an interpreter.
func (i *Installer) EnsureVirtualenv(ctx context.Context, python, venvDir string) (bool, error) {
	exists, err := hostfs.Exists(i.fs, VenvPython(venvDir))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", venvDir, err)
	}
	if exists {
		i.log.Success("virtual environment already present")
		return false, nil
	}

	i.log.Infof("creating virtual environment in %s", venvDir)
	if _, err := runner.MustSucceed(ctx, i.runner, []string{python, "-m", "venv", venvDir}, runner.Options{Timeout: i.timeout}); err != nil {
		return false, fmt.Errorf("failed to create virtual environment: %w", err)
	}
	return true, nil
}

// EnsureLanguage installs the requirements not satisfied by the virtualenv.
// An existing manifest is handed to pip as a whole: pip's dry-run resolver
// decides whether anything is missing, so includes, editables and URL
// requirements are honoured. Without a manifest the fallback requirements
// are checked against pip list and installed one by one.
func (i *Installer) EnsureLanguage(ctx context.Context, opts LanguageOptions) (*Report, error) {
	python := VenvPython(opts.VenvDir)

	manifest, err := i.readManifest(opts.Manifest)
	if err != nil {
		return newReport(), err
	}

	if opts.UpgradePip {
		res, err := i.runner.Run(ctx, []string{python, "-m", "pip", "install", "--upgrade", "pip"}, runner.Options{Timeout: i.timeout})
		if err != nil {
			return newReport(), err
		}
		if !res.Success() {
			i.log.Warnf("pip upgrade failed: %s", reason(res, nil))
		}
	}

	if manifest != nil {
		return i.ensureManifest(ctx, python, opts.Manifest, manifest)
	}
	return i.ensureRequirements(ctx, python, opts.Fallback)
}

func (i *Installer) ensureManifest(ctx context.Context, python, path string, manifest *Manifest) (*Report, error) {
	report := newReport()

	pending, planned, err := i.dryRun(ctx, python, path)
	if err != nil {
		return report, err
	}
	if planned && len(pending) == 0 {
		for _, req := range manifest.Requirements {
			report.Skipped = append(report.Skipped, req.Name)
		}
		i.log.Successf("all requirements from %s satisfied", path)
		return report, nil
	}

	var before map[string]string
	if !planned {
		if before, err = i.installedDistributions(ctx, python); err != nil {
			return report, err
		}
		i.log.Infof("installing requirements from %s", path)
	} else {
		i.log.Infof("installing %d distributions from %s", len(pending), path)
	}

	res, err := i.runner.Run(ctx, []string{python, "-m", "pip", "install", "-r", path}, runner.Options{Timeout: i.timeout})
	if err != nil {
		return report, err
	}
	if !res.Success() {
		report.fail(path, reason(res, nil))
		return report, nil
	}

	if planned {
		report.Installed = pending
		return report, nil
	}

	after, err := i.installedDistributions(ctx, python)
	if err != nil {
		return report, err
	}
	report.Installed = changedDistributions(before, after)
	return report, nil
}

type pipReport struct {
	Install []struct {
		Metadata struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"metadata"`
	} `json:"install"`
}

// dryRun asks pip which distributions installing manifest would add or
// change. planned is false when this pip cannot produce an installation
// report (pip older than 22.2); the caller then installs unconditionally.
func (i *Installer) dryRun(ctx context.Context, python, manifest string) (pending []string, planned bool, err error) {
	argv := []string{python, "-m", "pip", "install", "--disable-pip-version-check",
		"--dry-run", "--quiet", "--report", "-", "-r", manifest}

	res, err := i.runner.Run(ctx, argv, runner.Options{Timeout: i.timeout})
	if err != nil {
		return nil, false, err
	}
	if !res.Success() {
		i.log.Warnf("pip cannot plan the install, installing unconditionally: %s", reason(res, nil))
		return nil, false, nil
	}

	var rep pipReport
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &rep); err != nil {
		i.log.Warnf("unreadable pip installation report, installing unconditionally: %v", err)
		return nil, false, nil
	}
	for _, d := range rep.Install {
		pending = append(pending, NormalizeName(d.Metadata.Name))
	}
	return pending, true, nil
}

// changedDistributions lists distributions that are new or changed version.
func changedDistributions(before, after map[string]string) []string {
	var out []string
	for name, v := range after {
		if before[name] != v {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (i *Installer) ensureRequirements(ctx context.Context, python string, reqs []Requirement) (*Report, error) {
	report := newReport()

	installed, err := i.installedDistributions(ctx, python)
	if err != nil {
		return report, err
	}

	var unsatisfied []Requirement
	for _, req := range reqs {
		if req.SatisfiedBy(installed[NormalizeName(req.Name)]) {
			report.Skipped = append(report.Skipped, req.Name)
			continue
		}
		unsatisfied = append(unsatisfied, req)
	}

	if len(unsatisfied) == 0 {
		i.log.Successf("all %d Python requirements satisfied", len(reqs))
		return report, nil
	}

	for _, req := range unsatisfied {
		res, err := i.runner.Run(ctx, []string{python, "-m", "pip", "install", req.String()}, runner.Options{Timeout: i.timeout})
		if err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			report.fail(req.Name, reason(res, err))
			continue
		}
		if !res.Success() {
			report.fail(req.Name, reason(res, nil))
			continue
		}
		report.Installed = append(report.Installed, req.Name)
		i.log.Successf("installed %s", req)
	}
	return report, nil
}

// readManifest returns nil when no manifest is configured or it is absent.
func (i *Installer) readManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, nil
	}
	data, err := i.fs.ReadFile(path)
	switch {
	case err == nil:
		m, err := ParseRequirements(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if len(m.Opaque) > 0 {
			i.log.Infof("%s has %d include, editable or URL lines; pip resolves them", path, len(m.Opaque))
		}
		return m, nil
	case errors.Is(err, fs.ErrNotExist):
		i.log.Infof("%s not found, using the configured fallback requirements", path)
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
}

type pipDistribution struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// installedDistributions maps normalised names to versions via pip list.
func (i *Installer) installedDistributions(ctx context.Context, python string) (map[string]string, error) {
	res, err := runner.MustSucceed(ctx, i.runner, []string{python, "-m", "pip", "list", "--format=json", "--disable-pip-version-check"}, runner.Options{Timeout: i.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to list installed Python packages: %w", err)
	}

	var dists []pipDistribution
	out := strings.TrimSpace(res.Stdout)
	if out != "" {
		if err := json.Unmarshal([]byte(out), &dists); err != nil {
			return nil, fmt.Errorf("failed to decode pip list output: %w", err)
		}
	}

	installed := make(map[string]string, len(dists))
	for _, d := range dists {
		installed[NormalizeName(d.Name)] = d.Version
	}
	return installed, nil
}
