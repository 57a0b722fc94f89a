// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"

	"github.com/openfroyo/hostprep/pkg/runner"
)

// Call records one invocation of the fake.
type Call struct {
	Argv []string
	Opts runner.Options
}

// String renders the call argv separated by spaces.
func (c Call) String() string {
	return runner.Join(c.Argv)
}

// HandlerFunc computes the outcome of a matched command.
type HandlerFunc func(argv []string, opts runner.Options) (runner.Result, error)

type rule struct {
	prefix  []string
	handler HandlerFunc
}

// Fake is a runner.Runner that answers from registered rules and records every call.
// Unmatched commands succeed with empty output. The most recently registered
// matching rule wins.
type Fake struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{}
}

// Respond answers every command starting with prefix with a fixed result.
func (f *Fake) Respond(prefix []string, res runner.Result, err error) *Fake {
	return f.Handle(prefix, func([]string, runner.Options) (runner.Result, error) {
		return res, err
	})
}

// Exit answers commands starting with prefix with the given exit code and stdout.
func (f *Fake) Exit(prefix []string, code int, stdout string) *Fake {
	return f.Respond(prefix, runner.Result{ExitCode: code, Stdout: stdout}, nil)
}

// Handle registers a handler for commands starting with prefix.
func (f *Fake) Handle(prefix []string, fn HandlerFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: append([]string(nil), prefix...), handler: fn})
	return f
}

// Run implements runner.Runner.
func (f *Fake) Run(ctx context.Context, argv []string, opts runner.Options) (runner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Argv: append([]string(nil), argv...), Opts: opts})
	var handler HandlerFunc
	for i := len(f.rules) - 1; i >= 0; i-- {
		if hasPrefix(argv, f.rules[i].prefix) {
			handler = f.rules[i].handler
			break
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return runner.Result{ExitCode: -1}, &runner.ExecutionError{
			Kind:    runner.KindCancelled,
			Command: runner.Join(argv),
			Err:     err,
		}
	}
	if handler == nil {
		return runner.Result{}, nil
	}
	return handler(argv, opts)
}

// Calls returns a copy of the recorded calls in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the recorded calls rendered as strings.
func (f *Fake) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many recorded calls start with prefix.
func (f *Fake) Count(prefix ...string) int {
	n := 0
	for _, c := range f.Calls() {
		if hasPrefix(c.Argv, prefix) {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls but keeps rules.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func hasPrefix(argv, prefix []string) bool {
	if len(prefix) > len(argv) {
		return false
	}
	for i, p := range prefix {
		if argv[i] != p {
			return false
		}
	}
	return true
}

// Argv splits a command line on spaces, for terse rule prefixes in tests.
func Argv(cmd string) []string {
	return strings.Fields(cmd)
}
