// Package reposync keeps a working directory checked out at the tip of a
// remote branch while preserving uncommitted local edits.
//
// The only branching input is whether WorkDir/.git exists:
//
//	NoRepo        clone (optionally clearing a non-empty directory first)
//	ExistingRepo  stash local edits, fetch, fast-forward, reapply
package reposync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
	"github.com/openfroyo/hostprep/pkg/steplog"
)

// State of the working directory before a sync.
type State string

const (
	NoRepo       State = "no_repo"
	ExistingRepo State = "existing_repo"
)

// DefaultTimeout bounds each git invocation.
const DefaultTimeout = 10 * time.Minute

// ErrWorkDirNotEmpty is returned when a fresh checkout would have to delete
// existing files and clearing was not allowed.
var ErrWorkDirNotEmpty = errors.New("working directory is not empty and is not a git checkout")

// Options describe the desired checkout.
type Options struct {
	WorkDir   string
	RemoteURL string
	Branch    string

	// AllowClear permits deleting the contents of a non-empty WorkDir that has
	// no git metadata before cloning into it.
	AllowClear bool
}

// Result describes what a sync did.
type Result struct {
	State   State
	Head    string
	Branch  string
	Stashed bool
	Cleared int

	// Conflict is set when stashed edits could not be reapplied. The sync still
	// succeeded; the edits remain in the stash.
	Conflict *ConflictError
}

// ConflictError reports local edits left in a stash entry.
type ConflictError struct {
	WorkDir  string
	StashRef string
	Detail   string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("local changes in %s could not be reapplied; they are kept in stash %s", e.WorkDir, e.StashRef)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Hint tells the operator how to recover the edits.
func (e *ConflictError) Hint() string {
	return fmt.Sprintf("inspect with: git -C %s stash show -p %s", e.WorkDir, e.StashRef)
}

// Syncer runs git through a runner.
type Syncer struct {
	runner  runner.Runner
	fs      hostfs.FS
	log     *steplog.StepLog
	timeout time.Duration
	now     func() time.Time
}

// NewSyncer creates a syncer.
func NewSyncer(r runner.Runner, fsys hostfs.FS, log *steplog.StepLog) *Syncer {
	return &Syncer{
		runner:  r,
		fs:      fsys,
		log:     log,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
}

// Detect reports the state of workDir.
func (s *Syncer) Detect(workDir string) (State, error) {
	ok, err := hostfs.Exists(s.fs, path.Join(workDir, ".git"))
	if err != nil {
		return "", fmt.Errorf("failed to inspect %s: %w", workDir, err)
	}
	if ok {
		return ExistingRepo, nil
	}
	return NoRepo, nil
}

// Sync brings opts.WorkDir to the tip of opts.Branch.
func (s *Syncer) Sync(ctx context.Context, opts Options) (*Result, error) {
	if opts.WorkDir == "" || opts.RemoteURL == "" || opts.Branch == "" {
		return nil, fmt.Errorf("work dir, remote URL and branch are required")
	}

	state, err := s.Detect(opts.WorkDir)
	if err != nil {
		return nil, err
	}

	res := &Result{State: state, Branch: opts.Branch}
	switch state {
	case NoRepo:
		err = s.fresh(ctx, opts, res)
	default:
		err = s.update(ctx, opts, res)
	}
	if err != nil {
		return res, err
	}

	head, err := s.git(ctx, opts.WorkDir, "rev-parse", "HEAD")
	if err != nil {
		return res, err
	}
	res.Head = head
	return res, nil
}

func (s *Syncer) fresh(ctx context.Context, opts Options, res *Result) error {
	exists, err := hostfs.Exists(s.fs, opts.WorkDir)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", opts.WorkDir, err)
	}

	if exists {
		if !hostfs.IsDir(s.fs, opts.WorkDir) {
			return fmt.Errorf("%s exists and is not a directory", opts.WorkDir)
		}
		names, err := s.fs.ReadDirNames(opts.WorkDir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", opts.WorkDir, err)
		}
		if len(names) > 0 {
			if !opts.AllowClear {
				return fmt.Errorf("%s has %d entries: %w", opts.WorkDir, len(names), ErrWorkDirNotEmpty)
			}
			s.log.Warnf("clearing %d entries from %s before cloning", len(names), opts.WorkDir)
			n, err := hostfs.ClearDir(s.fs, opts.WorkDir)
			res.Cleared = n
			if err != nil {
				return fmt.Errorf("failed to clear %s: %w", opts.WorkDir, err)
			}
		}
	}

	s.log.Infof("cloning %s (branch %s) into %s", opts.RemoteURL, opts.Branch, opts.WorkDir)
	_, err = s.git(ctx, "", "clone", "--branch", opts.Branch, "--single-branch", opts.RemoteURL, opts.WorkDir)
	return err
}

func (s *Syncer) update(ctx context.Context, opts Options, res *Result) error {
	dir := opts.WorkDir

	if origin, err := s.git(ctx, dir, "remote", "get-url", "origin"); err == nil && origin != opts.RemoteURL {
		s.log.Warnf("origin of %s is %s, not %s; syncing from origin", dir, origin, opts.RemoteURL)
	}

	status, err := s.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return err
	}

	if status != "" {
		msg := fmt.Sprintf("hostprep-sync-%d", s.now().Unix())
		s.log.Infof("stashing local changes as %q", msg)
		out, err := s.git(ctx, dir,
			"-c", "user.name=hostprep", "-c", "user.email=hostprep@localhost",
			"stash", "push", "--include-untracked", "-m", msg)
		if err != nil {
			return fmt.Errorf("failed to stash local changes: %w", err)
		}
		res.Stashed = !strings.Contains(out, "No local changes to save")
	}

	if err := s.fastForward(ctx, dir, opts.Branch); err != nil {
		if res.Stashed {
			if _, popErr := s.git(ctx, dir, "stash", "pop"); popErr != nil {
				s.log.Warnf("could not reapply stashed changes: %v", popErr)
			}
		}
		return err
	}

	if !res.Stashed {
		return nil
	}

	stashRef, _ := s.git(ctx, dir, "rev-parse", "--short", "stash@{0}")
	if _, err := s.git(ctx, dir, "stash", "pop"); err != nil {
		if _, resetErr := s.git(ctx, dir, "reset", "--hard", "HEAD"); resetErr != nil {
			return fmt.Errorf("failed to reset after stash conflict: %w", resetErr)
		}
		if stashRef == "" {
			stashRef = "stash@{0}"
		}
		res.Conflict = &ConflictError{WorkDir: dir, StashRef: stashRef, Detail: firstLine(err.Error())}
		s.log.Warn(res.Conflict.Error())
		s.log.Hint(res.Conflict.Hint())
	}
	return nil
}

func (s *Syncer) fastForward(ctx context.Context, dir, branch string) error {
	s.log.Infof("fetching origin/%s", branch)
	// The explicit refspec creates origin/<branch> even in a single-branch clone.
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
	if _, err := s.git(ctx, dir, "fetch", "origin", refspec); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", branch, err)
	}

	remoteRef := "origin/" + branch
	if _, err := s.git(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		if _, err := s.git(ctx, dir, "checkout", branch); err != nil {
			return fmt.Errorf("failed to check out %s: %w", branch, err)
		}
	} else if _, err := s.git(ctx, dir, "checkout", "-B", branch, remoteRef); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}

	if _, err := s.git(ctx, dir, "merge", "--ff-only", remoteRef); err != nil {
		return fmt.Errorf("%s cannot be fast-forwarded to %s: %w", branch, remoteRef, err)
	}
	return nil
}

func (s *Syncer) git(ctx context.Context, dir string, args ...string) (string, error) {
	argv := append([]string{"git"}, args...)
	res, err := runner.MustSucceed(ctx, s.runner, argv, runner.Options{
		Dir:     dir,
		Env:     map[string]string{"GIT_TERMINAL_PROMPT": "0"},
		Timeout: s.timeout,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
