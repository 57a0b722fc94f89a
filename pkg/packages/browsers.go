package packages

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
)

// EnsureBrowsers installs each Playwright browser engine missing from the
// browser cache. Engines are handled one by one; a failed download is
// recorded and the remaining engines are still attempted.
func (i *Installer) EnsureBrowsers(ctx context.Context, venvDir string, browsers []string, withDeps bool) (*Report, error) {
	report := newReport()
	python := VenvPython(venvDir)
	env := map[string]string{"PLAYWRIGHT_BROWSERS_PATH": i.browsersPath}

	for _, engine := range browsers {
		present, err := i.browserPresent(ctx, python, engine, env)
		if err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			report.fail(engine, err.Error())
			continue
		}
		if present {
			report.Skipped = append(report.Skipped, engine)
			continue
		}

		argv := []string{python, "-m", "playwright", "install"}
		if withDeps {
			argv = append(argv, "--with-deps")
		}
		argv = append(argv, engine)

		i.log.Infof("installing Playwright browser %s", engine)
		res, err := i.runner.Run(ctx, argv, runner.Options{Env: env, Timeout: i.timeout})
		if err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			report.fail(engine, reason(res, err))
			i.log.Warnf("browser %s failed: %v", engine, err)
			continue
		}
		if !res.Success() {
			report.fail(engine, reason(res, nil))
			i.log.Warn(fmt.Sprintf("browser %s failed: %s", engine, reason(res, nil)))
			continue
		}
		report.Installed = append(report.Installed, engine)
		i.log.Successf("installed browser %s", engine)
	}

	return report, nil
}

// browserPresent reports whether every directory the installed Playwright
// version expects for engine exists. The locations come from
// `playwright install --dry-run`, so a cache holding only an older revision
// counts as missing. Playwright releases without --dry-run fall back to
// matching any revision of the engine.
func (i *Installer) browserPresent(ctx context.Context, python, engine string, env map[string]string) (bool, error) {
	res, err := i.runner.Run(ctx, []string{python, "-m", "playwright", "install", "--dry-run", engine}, runner.Options{Env: env, Timeout: i.timeout})
	if err != nil && ctx.Err() != nil {
		return false, err
	}

	var locations []string
	if err == nil && res.Success() {
		locations = installLocations(res.Stdout)
	}
	if len(locations) == 0 {
		logger := i.log.Logger()
		logger.Debug().Str("browser", engine).Msg("no install locations from playwright, matching any cached revision")
		return i.anyRevisionCached(engine)
	}

	for _, loc := range locations {
		ok, err := hostfs.Exists(i.fs, loc)
		if err != nil {
			return false, fmt.Errorf("failed to inspect %s: %w", loc, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (i *Installer) anyRevisionCached(engine string) (bool, error) {
	// Cache directories use underscores: chromium-headless-shell lives in
	// chromium_headless_shell-<rev>.
	for _, prefix := range []string{engine, strings.ReplaceAll(engine, "-", "_")} {
		found, err := hostfs.Glob(i.fs, i.browsersPath, prefix+"-*")
		if err != nil {
			return false, err
		}
		if len(found) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// installLocations extracts the "Install location:" paths of a
// `playwright install --dry-run` listing.
func installLocations(out string) []string {
	var locs []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "Install location:"); ok {
			if loc := strings.TrimSpace(rest); loc != "" {
				locs = append(locs, loc)
			}
		}
	}
	return locs
}
