package packages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
	"github.com/openfroyo/hostprep/pkg/runner/runnertest"
	"github.com/openfroyo/hostprep/pkg/steplog"
)

// fakeDpkg answers dpkg-query from a mutable installed set and marks packages
// installed when apt-get install succeeds.
func fakeDpkg(fake *runnertest.Fake, installed map[string]bool, broken ...string) {
	fake.Handle([]string{"dpkg-query"}, func(argv []string, _ runner.Options) (runner.Result, error) {
		name := argv[len(argv)-1]
		if installed[name] {
			return runner.Result{Stdout: "install ok installed"}, nil
		}
		return runner.Result{ExitCode: 1, Stderr: "dpkg-query: no packages found matching " + name}, nil
	})
	fake.Handle([]string{"apt-get", "install"}, func(argv []string, _ runner.Options) (runner.Result, error) {
		name := argv[len(argv)-1]
		for _, b := range broken {
			if b == name {
				return runner.Result{ExitCode: 100, Stderr: "E: Unable to locate package " + name}, nil
			}
		}
		installed[name] = true
		return runner.Result{}, nil
	})
}

func newInstaller(t *testing.T, fake *runnertest.Fake, opts Options) *Installer {
	t.Helper()
	inst, err := NewInstaller(fake, hostfs.NewLocal(), steplog.Nop(), opts)
	require.NoError(t, err)
	return inst
}

func TestEnsureSystemIsIdempotent(t *testing.T) {
	fake := runnertest.New()
	fakeDpkg(fake, map[string]bool{"git": true})
	inst := newInstaller(t, fake, Options{})
	ctx := context.Background()

	report, err := inst.EnsureSystem(ctx, []string{"git", "python3-venv"})
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, []string{"python3-venv"}, report.Installed)
	assert.Equal(t, []string{"git"}, report.Skipped)

	report, err = inst.EnsureSystem(ctx, []string{"git", "python3-venv"})
	require.NoError(t, err)
	assert.False(t, report.Changed())

	assert.Equal(t, 1, fake.Count("apt-get", "install"))
	assert.Equal(t, 1, fake.Count("apt-get", "update"))

	for _, c := range fake.Calls() {
		if c.Argv[0] == "apt-get" {
			assert.Equal(t, "noninteractive", c.Opts.Env["DEBIAN_FRONTEND"])
		}
	}
}

func TestEnsureSystemPartialFailure(t *testing.T) {
	fake := runnertest.New()
	fakeDpkg(fake, map[string]bool{}, "no-such-pkg")
	inst := newInstaller(t, fake, Options{})

	report, err := inst.EnsureSystem(context.Background(), []string{"curl", "no-such-pkg", "git"})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "git"}, report.Installed)
	require.Contains(t, report.Failed, "no-such-pkg")
	assert.Contains(t, report.Failed["no-such-pkg"], "Unable to locate package")

	var pkgErr *PackageInstallError
	require.ErrorAs(t, report.Err(), &pkgErr)
	assert.Equal(t, "no-such-pkg", pkgErr.Package)
}

func TestEnsureSystemRefreshFailureIsWarning(t *testing.T) {
	fake := runnertest.New()
	fakeDpkg(fake, map[string]bool{})
	fake.Exit([]string{"apt-get", "update"}, 100, "")
	rec := &steplog.Recorder{}
	inst, err := NewInstaller(fake, hostfs.NewLocal(), steplog.Nop(steplog.WithObserver(rec.Observe)), Options{})
	require.NoError(t, err)

	report, err := inst.EnsureSystem(context.Background(), []string{"curl"})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl"}, report.Installed)
	assert.Len(t, rec.Filter(steplog.LevelWarn), 1)
}

func TestEnsureSystemQueryUnavailable(t *testing.T) {
	fake := runnertest.New().Respond([]string{"dpkg-query"}, runner.Result{}, &runner.ExecutionError{Kind: runner.KindNotFound, Command: "dpkg-query"})
	inst := newInstaller(t, fake, Options{})

	_, err := inst.EnsureSystem(context.Background(), []string{"git"})
	require.Error(t, err)
	assert.True(t, runner.IsKind(err, runner.KindNotFound))
	assert.Zero(t, fake.Count("apt-get"))
}

func TestEnsureSystemRPM(t *testing.T) {
	fake := runnertest.New().
		Exit([]string{"rpm", "-q", "git"}, 0, "git-2.43.0-1.el9").
		Exit([]string{"rpm", "-q", "curl"}, 1, "package curl is not installed")
	inst := newInstaller(t, fake, Options{Manager: Dnf})

	report, err := inst.EnsureSystem(context.Background(), []string{"git", "curl"})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl"}, report.Installed)
	assert.Equal(t, 1, fake.Count("dnf", "install", "-y", "curl"))
	assert.Zero(t, fake.Count("apt-get"))
}

func TestNewInstallerRejectsUnknownManager(t *testing.T) {
	_, err := NewInstaller(runnertest.New(), hostfs.NewLocal(), steplog.Nop(), Options{Manager: "pacman"})
	assert.Error(t, err)
}

func TestEnsureVirtualenv(t *testing.T) {
	venv := filepath.Join(t.TempDir(), "venv")
	fake := runnertest.New().Handle([]string{"python3", "-m", "venv"}, func(argv []string, _ runner.Options) (runner.Result, error) {
		dir := argv[len(argv)-1]
		if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
			return runner.Result{}, err
		}
		return runner.Result{}, os.WriteFile(filepath.Join(dir, "bin", "python"), nil, 0o755)
	})
	inst := newInstaller(t, fake, Options{})

	created, err := inst.EnsureVirtualenv(context.Background(), "python3", venv)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = inst.EnsureVirtualenv(context.Background(), "python3", venv)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, fake.Count("python3", "-m", "venv"))
}

func TestEnsureVirtualenvFailure(t *testing.T) {
	fake := runnertest.New().Respond([]string{"python3"}, runner.Result{ExitCode: 1, Stderr: "ensurepip is not available"}, nil)
	inst := newInstaller(t, fake, Options{})

	_, err := inst.EnsureVirtualenv(context.Background(), "python3", filepath.Join(t.TempDir(), "venv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ensurepip")
}

func TestEnsureLanguageFallback(t *testing.T) {
	venv := "/opt/app/venv"
	python := VenvPython(venv)
	fake := runnertest.New().
		Exit([]string{python, "-m", "pip", "list"}, 0, `[{"name": "python_telegram_bot", "version": "20.7"}, {"name": "aiohttp", "version": "3.8.1"}]`).
		Exit([]string{python, "-m", "pip", "install", "playwright==1.40.0"}, 1, "")
	inst := newInstaller(t, fake, Options{})

	report, err := inst.EnsureLanguage(context.Background(), LanguageOptions{
		VenvDir: venv,
		Fallback: []Requirement{
			{Name: "python-telegram-bot", Op: "==", Version: "20.7"},
			{Name: "aiohttp", Op: ">=", Version: "3.9"},
			{Name: "playwright", Op: "==", Version: "1.40.0"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"python-telegram-bot"}, report.Skipped)
	assert.Equal(t, []string{"aiohttp"}, report.Installed)
	assert.Contains(t, report.Failed, "playwright")
	assert.Equal(t, 1, fake.Count(python, "-m", "pip", "install", "aiohttp>=3.9"))
}

// fakePipDryRun answers the pip installation report from a mutable list of
// pending distributions.
func fakePipDryRun(fake *runnertest.Fake, python string, pending *[]string) {
	fake.Handle([]string{python, "-m", "pip", "install", "--disable-pip-version-check", "--dry-run"}, func([]string, runner.Options) (runner.Result, error) {
		var items []string
		for _, name := range *pending {
			items = append(items, fmt.Sprintf(`{"metadata":{"name":%q,"version":"1.0"}}`, name))
		}
		return runner.Result{Stdout: `{"version":"1","install":[` + strings.Join(items, ",") + `]}`}, nil
	})
}

func TestEnsureLanguageManifestInstallsOnce(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("# deps\npython-telegram-bot==20.7\nplaywright>=1.40 ; python_version >= \"3.8\"\nrequests[socks]\n"), 0o644))

	venv := filepath.Join(dir, "venv")
	python := VenvPython(venv)
	pending := []string{"python_telegram_bot", "playwright", "Requests"}
	fake := runnertest.New()
	fakePipDryRun(fake, python, &pending)
	fake.Handle([]string{python, "-m", "pip", "install", "-r"}, func([]string, runner.Options) (runner.Result, error) {
		pending = nil
		return runner.Result{}, nil
	})
	inst := newInstaller(t, fake, Options{})
	opts := LanguageOptions{VenvDir: venv, Manifest: manifest, Fallback: []Requirement{{Name: "ignored"}}, UpgradePip: true}

	report, err := inst.EnsureLanguage(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"python-telegram-bot", "playwright", "requests"}, report.Installed)

	report, err = inst.EnsureLanguage(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, []string{"python-telegram-bot", "playwright", "requests"}, report.Skipped)

	assert.Equal(t, 1, fake.Count(python, "-m", "pip", "install", "-r", manifest))
	assert.Equal(t, 2, fake.Count(python, "-m", "pip", "install", "--upgrade", "pip"))
	assert.Zero(t, fake.Count(python, "-m", "pip", "list"))
}

func TestEnsureLanguageManifestIncludesAndURLs(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("-r base.txt\ngit+https://github.com/example/lib.git#egg=lib\nlocal-lib @ file:///srv/wheels/local_lib-1.0-py3-none-any.whl\n"), 0o644))

	python := VenvPython(filepath.Join(dir, "venv"))
	pending := []string{"aiohttp", "lib", "local_lib"}
	fake := runnertest.New()
	fakePipDryRun(fake, python, &pending)
	fake.Handle([]string{python, "-m", "pip", "install", "-r"}, func([]string, runner.Options) (runner.Result, error) {
		pending = nil
		return runner.Result{}, nil
	})
	inst := newInstaller(t, fake, Options{})
	opts := LanguageOptions{VenvDir: filepath.Join(dir, "venv"), Manifest: manifest}

	report, err := inst.EnsureLanguage(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"aiohttp", "lib", "local-lib"}, report.Installed)

	report, err = inst.EnsureLanguage(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, 1, fake.Count(python, "-m", "pip", "install", "-r", manifest))
}

func TestEnsureLanguageManifestWithoutDryRun(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("-r base.txt\n"), 0o644))

	python := VenvPython(filepath.Join(dir, "venv"))
	listed := `[{"name":"pip","version":"21.0"}]`
	fake := runnertest.New().
		Exit([]string{python, "-m", "pip", "install", "--disable-pip-version-check", "--dry-run"}, 2, "")
	fake.Handle([]string{python, "-m", "pip", "list"}, func([]string, runner.Options) (runner.Result, error) {
		return runner.Result{Stdout: listed}, nil
	})
	fake.Handle([]string{python, "-m", "pip", "install", "-r"}, func([]string, runner.Options) (runner.Result, error) {
		listed = `[{"name":"pip","version":"21.0"},{"name":"Telethon","version":"1.34.0"}]`
		return runner.Result{}, nil
	})
	inst := newInstaller(t, fake, Options{})

	report, err := inst.EnsureLanguage(context.Background(), LanguageOptions{VenvDir: filepath.Join(dir, "venv"), Manifest: manifest})
	require.NoError(t, err)
	assert.Equal(t, []string{"telethon"}, report.Installed)
	assert.Equal(t, 1, fake.Count(python, "-m", "pip", "install", "-r", manifest))
}

func TestEnsureLanguageManifestInstallFailure(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("aiohttp>=3.9\n"), 0o644))

	python := VenvPython(filepath.Join(dir, "venv"))
	pending := []string{"aiohttp"}
	fake := runnertest.New()
	fakePipDryRun(fake, python, &pending)
	fake.Exit([]string{python, "-m", "pip", "install", "-r"}, 1, "")
	inst := newInstaller(t, fake, Options{})

	report, err := inst.EnsureLanguage(context.Background(), LanguageOptions{VenvDir: filepath.Join(dir, "venv"), Manifest: manifest})
	require.NoError(t, err)
	assert.Contains(t, report.Failed, manifest)
	assert.Error(t, report.Err())
}

func TestEnsureBrowsers(t *testing.T) {
	cache := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(cache, "chromium-1091"), 0o755))

	python := VenvPython("/opt/app/venv")
	fake := runnertest.New().
		Respond([]string{python, "-m", "playwright", "install", "--with-deps", "firefox"}, runner.Result{ExitCode: 1, Stderr: "download failed"}, nil).
		Respond([]string{python, "-m", "playwright", "install", "--with-deps", "webkit"}, runner.Result{}, &runner.ExecutionError{Kind: runner.KindTimeout, Command: "playwright"})
	inst := newInstaller(t, fake, Options{BrowsersPath: cache})

	report, err := inst.EnsureBrowsers(context.Background(), "/opt/app/venv", []string{"chromium", "firefox", "webkit"}, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"chromium"}, report.Skipped)
	assert.Empty(t, report.Installed)
	assert.Contains(t, report.Failed["firefox"], "download failed")
	assert.Contains(t, report.Failed["webkit"], "timed out")
	assert.Equal(t, 2, fake.Count(python, "-m", "playwright", "install", "--with-deps"))
	assert.Equal(t, 3, fake.Count(python, "-m", "playwright", "install", "--dry-run"))
	for _, c := range fake.Calls() {
		assert.Equal(t, cache, c.Opts.Env["PLAYWRIGHT_BROWSERS_PATH"])
	}
}

func dryRunListing(locations ...string) string {
	var b strings.Builder
	for _, loc := range locations {
		fmt.Fprintf(&b, "browser: %s version 1.0\n  Install location:    %s\n  Download url:        https://example.invalid/%s.zip\n\n", filepath.Base(loc), loc, filepath.Base(loc))
	}
	return b.String()
}

func TestEnsureBrowsersStaleRevision(t *testing.T) {
	cache := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(cache, "chromium-1091"), 0o755))

	python := VenvPython("/opt/app/venv")
	fake := runnertest.New().
		Exit([]string{python, "-m", "playwright", "install", "--dry-run", "chromium"}, 0,
			dryRunListing(filepath.Join(cache, "chromium-1105"), filepath.Join(cache, "ffmpeg-1009")))
	fake.Handle([]string{python, "-m", "playwright", "install", "chromium"}, func([]string, runner.Options) (runner.Result, error) {
		for _, dir := range []string{"chromium-1105", "ffmpeg-1009"} {
			if err := os.Mkdir(filepath.Join(cache, dir), 0o755); err != nil {
				return runner.Result{}, err
			}
		}
		return runner.Result{}, nil
	})
	inst := newInstaller(t, fake, Options{BrowsersPath: cache})

	report, err := inst.EnsureBrowsers(context.Background(), "/opt/app/venv", []string{"chromium"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"chromium"}, report.Installed)

	report, err = inst.EnsureBrowsers(context.Background(), "/opt/app/venv", []string{"chromium"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"chromium"}, report.Skipped)
	assert.Equal(t, 1, fake.Count(python, "-m", "playwright", "install", "chromium"))
}

func TestEnsureBrowsersHeadlessShell(t *testing.T) {
	cache := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(cache, "chromium_headless_shell-1105"), 0o755))

	python := VenvPython("/opt/app/venv")
	engine := "chromium-headless-shell"

	// Playwright without --dry-run: the underscored cache directory still counts.
	fake := runnertest.New().Exit([]string{python, "-m", "playwright", "install", "--dry-run"}, 1, "")
	inst := newInstaller(t, fake, Options{BrowsersPath: cache})
	report, err := inst.EnsureBrowsers(context.Background(), "/opt/app/venv", []string{engine}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{engine}, report.Skipped)

	fake = runnertest.New().Exit([]string{python, "-m", "playwright", "install", "--dry-run", engine}, 0,
		dryRunListing(filepath.Join(cache, "chromium_headless_shell-1105")))
	inst = newInstaller(t, fake, Options{BrowsersPath: cache})
	report, err = inst.EnsureBrowsers(context.Background(), "/opt/app/venv", []string{engine}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{engine}, report.Skipped)
	assert.Zero(t, fake.Count(python, "-m", "playwright", "install", engine))
}

func TestInstallLocations(t *testing.T) {
	out := dryRunListing("/cache/chromium-1105", "/cache/ffmpeg-1009") + "browser: webkit version 17.4\n  Install location:    \n"
	assert.Equal(t, []string{"/cache/chromium-1105", "/cache/ffmpeg-1009"}, installLocations(out))
	assert.Empty(t, installLocations("error: unknown option '--dry-run'"))
}

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		in   string
		want Requirement
	}{
		{"python-telegram-bot==20.7", Requirement{Name: "python-telegram-bot", Op: "==", Version: "20.7"}},
		{"aiohttp >= 3.9", Requirement{Name: "aiohttp", Op: ">=", Version: "3.9"}},
		{"requests[socks]", Requirement{Name: "requests"}},
		{"playwright>=1.40,<2 ; python_version > '3.8'", Requirement{Name: "playwright", Op: ">=", Version: "1.40", Constraint: ">=1.40,<2"}},
		{"telethon ~= 1.34", Requirement{Name: "telethon", Op: "~=", Version: "1.34"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRequirement(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseRequirement("==1.0")
	assert.Error(t, err)
	_, err = ParseRequirement("a>=1.0,")
	assert.Error(t, err)
}

func TestParseRequirementsKeepsOpaqueLines(t *testing.T) {
	m, err := ParseRequirements(strings.NewReader("-r base.txt\n-e .\naiohttp>=3.9 # pinned\ngit+https://github.com/example/lib.git#egg=lib\nlib @ https://example.invalid/lib.whl\n"))
	require.NoError(t, err)
	assert.Equal(t, []Requirement{{Name: "aiohttp", Op: ">=", Version: "3.9"}}, m.Requirements)
	assert.Len(t, m.Opaque, 4)
}

func TestParseRequirementsLineError(t *testing.T) {
	_, err := ParseRequirements(strings.NewReader("ok==1\n!!bad\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestSatisfiedBy(t *testing.T) {
	tests := []struct {
		req       Requirement
		installed string
		want      bool
	}{
		{Requirement{Name: "a"}, "", false},
		{Requirement{Name: "a"}, "0.1", true},
		{Requirement{Name: "a", Op: "==", Version: "1.2"}, "1.2.0", true},
		{Requirement{Name: "a", Op: "==", Version: "1.2"}, "1.3", false},
		{Requirement{Name: "a", Op: ">=", Version: "1.10"}, "1.9", false},
		{Requirement{Name: "a", Op: ">=", Version: "1.10"}, "1.10.1", true},
		{Requirement{Name: "a", Op: "<", Version: "2"}, "1.99", true},
		{Requirement{Name: "a", Op: "!=", Version: "2"}, "2.0", false},
		{Requirement{Name: "a", Op: "~=", Version: "20.7"}, "20.8", true},
		{Requirement{Name: "a", Op: "~=", Version: "20.7"}, "21.0", false},
		{Requirement{Name: "a", Constraint: ">=3.9,<4"}, "3.9.5", true},
		{Requirement{Name: "a", Constraint: ">=3.9,<4"}, "4.1", false},
		{Requirement{Name: "a", Op: ">=", Version: "1.40.0"}, "1.40.0rc1", false},
		{Requirement{Name: "a", Op: "==", Version: "1.0"}, "not-a-version", false},
	}
	for _, tt := range tests {
		t.Run(tt.req.String()+"@"+tt.installed, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.SatisfiedBy(tt.installed))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "python-telegram-bot", NormalizeName("Python_Telegram.Bot"))
	assert.Equal(t, "a-b", NormalizeName("a--_b"))
}
