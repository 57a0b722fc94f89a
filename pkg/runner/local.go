package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// waitDelay bounds how long Wait blocks on output pipes after the process is killed.
const waitDelay = 2 * time.Second

// Local runs commands on this host.
type Local struct {
	logger zerolog.Logger
}

// NewLocal creates a local runner that logs invocations at debug level.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{logger: logger.With().Str("component", "runner").Logger()}
}

// Run executes argv and waits for it to exit.
func (l *Local) Run(ctx context.Context, argv []string, opts Options) (Result, error) {
	if len(argv) == 0 {
		return Result{}, &ExecutionError{Kind: KindStart, Err: fmt.Errorf("empty command")}
	}
	command := Join(argv)

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return Result{}, &ExecutionError{Kind: KindNotFound, Command: argv[0], Err: err}
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, path, argv[1:]...)
	cmd.WaitDelay = waitDelay
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), opts.Env)
	}
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.logger.Debug().Str("command", command).Str("dir", opts.Dir).Msg("running command")

	start := time.Now()
	err = cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	// Context errors take precedence: a killed process also reports an ExitError.
	if runCtx.Err() != nil {
		res.ExitCode = -1
		if ctx.Err() != nil {
			return res, &ExecutionError{Kind: KindCancelled, Command: command, Err: ctx.Err()}
		}
		return res, &ExecutionError{Kind: KindTimeout, Command: command, Err: runCtx.Err()}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return res, &ExecutionError{Kind: KindStart, Command: command, Err: err}
		}
	}

	l.logger.Debug().
		Str("command", command).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("command completed")

	return res, nil
}

// mergeEnv overlays extra on base; keys are applied in sorted order.
func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	overridden := make(map[string]bool, len(extra))
	for _, k := range keys {
		overridden[k] = true
	}

	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name = kv[:i]
				break
			}
		}
		if overridden[name] {
			continue
		}
		env = append(env, kv)
	}
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
