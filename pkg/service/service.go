// Package service installs a systemd unit and drives it to a healthy running
// state through systemctl. Failed health checks are reported with the last
// status snapshot and the journal tail; nothing is rolled back.
package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
	"github.com/openfroyo/hostprep/pkg/steplog"
)

// DefaultUnitDir is where administrator units live.
const DefaultUnitDir = "/etc/systemd/system"

// DefaultLogLines is the journal tail attached to health-check failures.
const DefaultLogLines = 50

// State is the coarse state of a service.
type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// Status is a snapshot of systemctl show.
type Status struct {
	Name          string
	State         State
	LoadState     string
	ActiveState   string
	SubState      string
	UnitFileState string
	MainPID       int
}

// Running reports whether the service is up.
func (s *Status) Running() bool {
	return s != nil && s.State == StateRunning
}

// Enabled reports whether the unit starts on boot.
func (s *Status) Enabled() bool {
	return s != nil && s.UnitFileState == "enabled"
}

func (s *Status) String() string {
	return fmt.Sprintf("%s (%s/%s)", s.State, s.ActiveState, s.SubState)
}

// InstallError is returned when the unit file cannot be installed.
type InstallError struct {
	Unit string
	Path string
	Err  error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("failed to install unit %s at %s: %v", e.Unit, e.Path, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// HealthCheckError is returned when a service is not running after a restart.
type HealthCheckError struct {
	Name   string
	Status *Status
	Logs   string
	Err    error
}

func (e *HealthCheckError) Error() string {
	state := "unknown"
	if e.Status != nil {
		state = e.Status.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("service %s failed to start: %s: %v", e.Name, state, e.Err)
	}
	return fmt.Sprintf("service %s is not running after restart: %s", e.Name, state)
}

func (e *HealthCheckError) Unwrap() error {
	return e.Err
}

// Hint points the operator at the journal.
func (e *HealthCheckError) Hint() string {
	return fmt.Sprintf("check logs with: journalctl -u %s -n %d --no-pager", e.Name, DefaultLogLines)
}

// Options configure a Manager.
type Options struct {
	UnitDir  string
	LogLines int
	Timeout  time.Duration
}

// Manager drives systemd units.
type Manager struct {
	runner   runner.Runner
	fs       hostfs.FS
	log      *steplog.StepLog
	unitDir  string
	logLines int
	timeout  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager. Zero option fields take defaults.
func NewManager(r runner.Runner, fsys hostfs.FS, log *steplog.StepLog, opts Options) *Manager {
	if opts.UnitDir == "" {
		opts.UnitDir = DefaultUnitDir
	}
	if opts.LogLines <= 0 {
		opts.LogLines = DefaultLogLines
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Manager{
		runner:   r,
		fs:       fsys,
		log:      log,
		unitDir:  opts.UnitDir,
		logLines: opts.LogLines,
		timeout:  opts.Timeout,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UnitPath returns the file path of the named unit.
func (m *Manager) UnitPath(name string) string {
	return path.Join(m.unitDir, UnitName(name))
}

// Install checks and renders spec, writes it when it differs from the
// installed unit and reloads systemd. It reports whether the file changed.
func (m *Manager) Install(ctx context.Context, spec UnitSpec) (bool, error) {
	unitPath := m.UnitPath(spec.Name)
	fail := func(err error) (bool, error) {
		return false, &InstallError{Unit: spec.Name, Path: unitPath, Err: err}
	}

	if err := spec.Check(m.fs); err != nil {
		return fail(err)
	}
	content, err := spec.Render()
	if err != nil {
		return fail(err)
	}

	if !hostfs.IsDir(m.fs, m.unitDir) {
		return fail(fmt.Errorf("unit directory %s does not exist", m.unitDir))
	}

	current, err := m.fs.ReadFile(unitPath)
	switch {
	case err == nil && bytes.Equal(current, content):
		m.log.Success("unit file unchanged")
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return fail(err)
	}

	if err := m.fs.WriteFile(unitPath, content, 0o644); err != nil {
		return fail(err)
	}
	m.log.Infof("wrote %s", unitPath)

	if _, err := m.systemctl(ctx, "daemon-reload"); err != nil {
		return fail(err)
	}
	return true, nil
}

// Enable marks the unit to start on boot. It is a no-op when already enabled.
func (m *Manager) Enable(ctx context.Context, name string) (bool, error) {
	res, err := m.runner.Run(ctx, []string{"systemctl", "is-enabled", name}, runner.Options{Timeout: m.timeout})
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(res.Stdout) == "enabled" {
		m.log.Success("service already enabled")
		return false, nil
	}

	if _, err := m.systemctl(ctx, "enable", name); err != nil {
		return false, fmt.Errorf("failed to enable %s: %w", name, err)
	}
	return true, nil
}

// Restart stops the service if it runs, waits delay, starts it, waits delay
// again and verifies it is running.
func (m *Manager) Restart(ctx context.Context, name string, delay time.Duration) (*Status, error) {
	before, err := m.Status(ctx, name)
	if err != nil {
		return nil, err
	}

	if before.Running() {
		m.log.Infof("stopping %s", name)
		if _, err := m.systemctl(ctx, "stop", name); err != nil {
			return before, fmt.Errorf("failed to stop %s: %w", name, err)
		}
		if err := m.sleep(ctx, delay); err != nil {
			return before, err
		}
	}

	m.log.Infof("starting %s", name)
	if _, startErr := m.systemctl(ctx, "start", name); startErr != nil {
		if runner.IsKind(startErr, runner.KindCancelled) {
			return before, startErr
		}
		return m.unhealthy(ctx, name, startErr)
	}

	if err := m.sleep(ctx, delay); err != nil {
		return nil, err
	}

	after, err := m.Status(ctx, name)
	if err != nil {
		return nil, err
	}
	if !after.Running() {
		return m.unhealthy(ctx, name, nil)
	}
	return after, nil
}

func (m *Manager) unhealthy(ctx context.Context, name string, cause error) (*Status, error) {
	status, err := m.Status(ctx, name)
	if err != nil {
		status = &Status{Name: name, State: StateUnknown}
	}
	logs, err := m.Logs(ctx, name, m.logLines)
	if err != nil {
		logs = fmt.Sprintf("(journal unavailable: %v)", err)
	}
	return status, &HealthCheckError{Name: name, Status: status, Logs: logs, Err: cause}
}

// Status queries systemd for the unit state. It has no side effects.
func (m *Manager) Status(ctx context.Context, name string) (*Status, error) {
	res, err := m.systemctl(ctx, "show", name, "--property=LoadState,ActiveState,SubState,UnitFileState,MainPID")
	if err != nil {
		return nil, fmt.Errorf("failed to query status of %s: %w", name, err)
	}
	return ParseShow(name, res.Stdout), nil
}

// ParseShow interprets systemctl show Key=Value output.
func ParseShow(name, out string) *Status {
	st := &Status{Name: name}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "LoadState":
			st.LoadState = value
		case "ActiveState":
			st.ActiveState = value
		case "SubState":
			st.SubState = value
		case "UnitFileState":
			st.UnitFileState = value
		case "MainPID":
			st.MainPID, _ = strconv.Atoi(value)
		}
	}
	st.State = classify(st)
	return st
}

func classify(st *Status) State {
	if st.LoadState == "" || st.LoadState == "not-found" {
		return StateUnknown
	}
	switch st.ActiveState {
	case "active", "reloading":
		return StateRunning
	case "failed":
		return StateFailed
	case "activating":
		if st.SubState == "auto-restart" {
			return StateFailed
		}
		return StateStopped
	default:
		return StateStopped
	}
}

// Logs returns the last lines of the unit's journal.
func (m *Manager) Logs(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = m.logLines
	}
	res, err := runner.MustSucceed(ctx, m.runner,
		[]string{"journalctl", "-u", name, "-n", strconv.Itoa(lines), "--no-pager"},
		runner.Options{Timeout: m.timeout})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func (m *Manager) systemctl(ctx context.Context, args ...string) (runner.Result, error) {
	argv := append([]string{"systemctl"}, args...)
	return runner.MustSucceed(ctx, m.runner, argv, runner.Options{Timeout: m.timeout})
}
