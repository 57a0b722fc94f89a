package reposync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
	"github.com/openfroyo/hostprep/pkg/runner/runnertest"
	"github.com/openfroyo/hostprep/pkg/steplog"
)

func newFakeSyncer(fake *runnertest.Fake, rec *steplog.Recorder) *Syncer {
	s := NewSyncer(fake, hostfs.NewLocal(), steplog.Nop(steplog.WithObserver(rec.Observe)))
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

func existingRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	return dir
}

func TestDetect(t *testing.T) {
	s := newFakeSyncer(runnertest.New(), &steplog.Recorder{})

	state, err := s.Detect(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, NoRepo, state)

	state, err = s.Detect(existingRepo(t))
	require.NoError(t, err)
	assert.Equal(t, ExistingRepo, state)
}

func TestSyncFreshCloneIntoEmptyDir(t *testing.T) {
	fake := runnertest.New().Exit(runnertest.Argv("git rev-parse HEAD"), 0, "abc123\n")
	s := newFakeSyncer(fake, &steplog.Recorder{})
	dir := t.TempDir()

	res, err := s.Sync(context.Background(), Options{WorkDir: dir, RemoteURL: "https://example.com/bot.git", Branch: "main"})
	require.NoError(t, err)

	assert.Equal(t, NoRepo, res.State)
	assert.Equal(t, "abc123", res.Head)
	assert.Equal(t, []string{
		"git clone --branch main --single-branch https://example.com/bot.git " + dir,
		"git rev-parse HEAD",
	}, fake.Commands())
	assert.Equal(t, "0", fake.Calls()[0].Opts.Env["GIT_TERMINAL_PROMPT"])
}

func TestSyncRefusesToClearByDefault(t *testing.T) {
	fake := runnertest.New()
	s := newFakeSyncer(fake, &steplog.Recorder{})
	dir := t.TempDir()
	keep := filepath.Join(dir, "data.db")
	require.NoError(t, os.WriteFile(keep, []byte("precious"), 0o644))

	_, err := s.Sync(context.Background(), Options{WorkDir: dir, RemoteURL: "https://example.com/bot.git", Branch: "main"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkDirNotEmpty))
	assert.Empty(t, fake.Calls())

	_, statErr := os.Stat(keep)
	assert.NoError(t, statErr)
}

func TestSyncClearsWhenAllowed(t *testing.T) {
	fake := runnertest.New()
	rec := &steplog.Recorder{}
	s := newFakeSyncer(fake, rec)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "b"), 0o755))

	res, err := s.Sync(context.Background(), Options{WorkDir: dir, RemoteURL: "https://example.com/bot.git", Branch: "main", AllowClear: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cleared)
	assert.Equal(t, 1, fake.Count("git", "clone"))
	require.Len(t, rec.Filter(steplog.LevelWarn), 1)
	assert.Contains(t, rec.Filter(steplog.LevelWarn)[0].Message, "clearing 2 entries")
}

func TestSyncExistingCleanRepo(t *testing.T) {
	dir := existingRepo(t)
	fake := runnertest.New().
		Exit(runnertest.Argv("git remote get-url origin"), 0, "https://example.com/bot.git\n").
		Exit(runnertest.Argv("git rev-parse HEAD"), 0, "def456\n")
	s := newFakeSyncer(fake, &steplog.Recorder{})

	res, err := s.Sync(context.Background(), Options{WorkDir: dir, RemoteURL: "https://example.com/bot.git", Branch: "main"})
	require.NoError(t, err)

	assert.Equal(t, ExistingRepo, res.State)
	assert.False(t, res.Stashed)
	assert.Nil(t, res.Conflict)
	assert.Equal(t, "def456", res.Head)
	assert.Equal(t, []string{
		"git remote get-url origin",
		"git status --porcelain",
		"git fetch origin +refs/heads/main:refs/remotes/origin/main",
		"git rev-parse --verify --quiet refs/heads/main",
		"git checkout main",
		"git merge --ff-only origin/main",
		"git rev-parse HEAD",
	}, fake.Commands())
	for _, c := range fake.Calls() {
		assert.Equal(t, dir, c.Opts.Dir)
	}
}

func TestSyncCreatesMissingLocalBranch(t *testing.T) {
	dir := existingRepo(t)
	fake := runnertest.New().
		Exit(runnertest.Argv("git rev-parse --verify"), 1, "")
	s := newFakeSyncer(fake, &steplog.Recorder{})

	_, err := s.Sync(context.Background(), Options{WorkDir: dir, RemoteURL: "u", Branch: "release"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Count("git", "checkout", "-B", "release", "origin/release"))
}

func TestSyncStashConflictIsDegradedSuccess(t *testing.T) {
	dir := existingRepo(t)
	rec := &steplog.Recorder{}
	fake := runnertest.New().
		Exit(runnertest.Argv("git status --porcelain"), 0, " M config.py\n").
		Exit(runnertest.Argv("git rev-parse --short stash@{0}"), 0, "9f8e7d6\n").
		Respond(runnertest.Argv("git stash pop"), runner.Result{ExitCode: 1, Stderr: "CONFLICT (content): Merge conflict in config.py\n"}, nil).
		Exit(runnertest.Argv("git rev-parse HEAD"), 0, "tip\n")
	s := newFakeSyncer(fake, rec)

	res, err := s.Sync(context.Background(), Options{WorkDir: dir, RemoteURL: "u", Branch: "main"})
	require.NoError(t, err)

	assert.True(t, res.Stashed)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, "9f8e7d6", res.Conflict.StashRef)
	assert.Equal(t, "tip", res.Head)
	assert.Equal(t, 1, fake.Count("git", "-c", "user.name=hostprep", "-c", "user.email=hostprep@localhost",
		"stash", "push", "--include-untracked", "-m", "hostprep-sync-1700000000"))
	assert.Equal(t, 1, fake.Count("git", "reset", "--hard", "HEAD"))
	assert.NotEmpty(t, rec.Filter(steplog.LevelWarn))
	assert.NotEmpty(t, rec.Filter(steplog.LevelHint))
}

func TestSyncFetchFailureReappliesStash(t *testing.T) {
	dir := existingRepo(t)
	fake := runnertest.New().
		Exit(runnertest.Argv("git status --porcelain"), 0, "?? notes.txt\n").
		Respond(runnertest.Argv("git fetch"), runner.Result{ExitCode: 128, Stderr: "fatal: could not read from remote repository\n"}, nil)
	s := newFakeSyncer(fake, &steplog.Recorder{})

	res, err := s.Sync(context.Background(), Options{WorkDir: dir, RemoteURL: "u", Branch: "main"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not read from remote")
	assert.True(t, res.Stashed)
	assert.Equal(t, 1, fake.Count("git", "stash", "pop"))
	assert.Zero(t, fake.Count("git", "merge"))
}

func TestSyncRequiresOptions(t *testing.T) {
	s := newFakeSyncer(runnertest.New(), &steplog.Recorder{})
	_, err := s.Sync(context.Background(), Options{WorkDir: t.TempDir()})
	assert.Error(t, err)
}
