package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/hostprep/pkg/runner"
)

// exitNotFound is the status a POSIX shell returns for an unknown command.
const exitNotFound = 127

// Run executes argv on the remote host. A non-zero exit is reported in the
// result, not as an error, matching runner.Local.
func (c *Client) Run(ctx context.Context, argv []string, opts runner.Options) (runner.Result, error) {
	if len(argv) == 0 {
		return runner.Result{}, &runner.ExecutionError{Kind: runner.KindStart, Err: fmt.Errorf("empty command")}
	}
	command := runner.Join(argv)

	conn, err := c.conn()
	if err != nil {
		return runner.Result{}, &runner.ExecutionError{Kind: runner.KindStart, Command: command, Err: err}
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	session, err := conn.NewSession()
	if err != nil {
		return runner.Result{}, &runner.ExecutionError{
			Kind:    runner.KindStart,
			Command: command,
			Err:     &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true},
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if opts.Stdin != nil {
		session.Stdin = opts.Stdin
	}

	line := BuildCommandLine(argv, opts)
	c.logger.Debug().Str("command", command).Str("dir", opts.Dir).Msg("running remote command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		res := runner.Result{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if ctx.Err() != nil {
			return res, &runner.ExecutionError{Kind: runner.KindCancelled, Command: command, Err: ctx.Err()}
		}
		return res, &runner.ExecutionError{Kind: runner.KindTimeout, Command: command, Err: runCtx.Err()}
	case runErr = <-done:
	}

	res := runner.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			res.ExitCode = -1
			return res, &runner.ExecutionError{
				Kind:    runner.KindStart,
				Command: command,
				Err:     &TransportError{Op: "exec", Err: runErr, IsTemporary: true},
			}
		}
		res.ExitCode = exitErr.ExitStatus()
		if res.ExitCode == exitNotFound && strings.Contains(res.Stderr, "not found") {
			return res, &runner.ExecutionError{Kind: runner.KindNotFound, Command: argv[0], Err: runErr}
		}
	}

	c.logger.Debug().
		Str("command", command).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("remote command completed")

	return res, nil
}

// BuildCommandLine renders argv and options as a single shell command line.
// Every word is quoted, so arguments reach the remote process unchanged.
func BuildCommandLine(argv []string, opts runner.Options) string {
	var b strings.Builder

	if opts.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(ShellQuote(opts.Dir))
		b.WriteString(" && ")
	}

	if len(opts.Env) > 0 {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("env")
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(ShellQuote(k + "=" + opts.Env[k]))
		}
		b.WriteByte(' ')
	}

	for i, arg := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(ShellQuote(arg))
	}

	return b.String()
}

// ShellQuote quotes value for a POSIX shell. Words made only of safe
// characters are returned as is.
func ShellQuote(value string) string {
	if value == "" {
		return "''"
	}
	if strings.IndexFunc(value, unsafeShellRune) < 0 {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("_-./:@%+=,", r)
}
