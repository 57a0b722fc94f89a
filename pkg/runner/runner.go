// Package runner executes external commands and reports their outcome as values.
//
// A command that starts and exits non-zero is not an error: callers branch on
// Result.ExitCode. Errors are reserved for commands that could not be run at
// all (missing executable, timeout, cancellation).
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Options controls a single command invocation.
type Options struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is merged over the inherited environment.
	Env map[string]string

	// Timeout bounds the run. Zero means no timeout beyond the context.
	Timeout time.Duration

	// Stdin is fed to the process when non-nil.
	Stdin io.Reader
}

// Result is the outcome of a command that was started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// DurationMs returns the run duration in milliseconds.
func (r Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Runner executes argv with options.
type Runner interface {
	Run(ctx context.Context, argv []string, opts Options) (Result, error)
}

// ErrorKind classifies an ExecutionError.
type ErrorKind string

const (
	// KindNotFound means the executable could not be resolved.
	KindNotFound ErrorKind = "not_found"

	// KindTimeout means Options.Timeout elapsed and the process was killed.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled means the parent context was cancelled.
	KindCancelled ErrorKind = "cancelled"

	// KindStart covers any other failure to start or wait on the process.
	KindStart ErrorKind = "start"
)

// ExecutionError is returned when a command could not be run to completion.
type ExecutionError struct {
	Kind    ErrorKind
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("executable not found: %s", e.Command)
	case KindTimeout:
		return fmt.Sprintf("command timed out: %s", e.Command)
	case KindCancelled:
		return fmt.Sprintf("command cancelled: %s", e.Command)
	}
	if e.Err != nil {
		return fmt.Sprintf("failed to execute %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("failed to execute %s", e.Command)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an ExecutionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// CommandFailedError is produced by Check for a non-zero exit.
type CommandFailedError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandFailedError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, msg)
}

// Check folds a non-zero exit into an error, for callers where any failure is fatal.
func Check(argv []string, res Result, err error) (Result, error) {
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, &CommandFailedError{
			Command:  Join(argv),
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}

// MustSucceed runs argv and returns an error for any failure, including a non-zero exit.
func MustSucceed(ctx context.Context, r Runner, argv []string, opts Options) (Result, error) {
	res, err := r.Run(ctx, argv, opts)
	return Check(argv, res, err)
}

// Join renders argv for logs and error messages.
func Join(argv []string) string {
	return strings.Join(argv, " ")
}
