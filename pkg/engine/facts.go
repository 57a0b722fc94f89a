package engine

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/hostprep/pkg/config"
	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
)

const osReleasePath = "/etc/os-release"

// GatherFacts collects the host facts passed to customization scripts. Only
// read-only commands run. A missing fact is left empty rather than failing.
func GatherFacts(ctx context.Context, r runner.Runner, fsys hostfs.FS) (config.Facts, error) {
	var facts config.Facts

	if data, err := fsys.ReadFile(osReleasePath); err == nil {
		release := parseOSRelease(string(data))
		facts.OSID = release["ID"]
		facts.OSVersion = release["VERSION_ID"]
	}

	query := func(argv ...string) (string, error) {
		res, err := runner.MustSucceed(ctx, r, argv, runner.Options{Timeout: 10 * time.Second})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(res.Stdout), nil
	}

	var err error
	if facts.Hostname, err = query("hostname"); err != nil && ctx.Err() != nil {
		return facts, err
	}
	if facts.Arch, err = query("uname", "-m"); err != nil && ctx.Err() != nil {
		return facts, err
	}
	cpus, err := query("nproc")
	if err != nil && ctx.Err() != nil {
		return facts, err
	}
	facts.CPUs, _ = strconv.Atoi(cpus)

	return facts, nil
}

// parseOSRelease reads KEY=value lines, unquoting values.
func parseOSRelease(content string) map[string]string {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[key] = strings.Trim(value, `"'`)
	}
	return out
}
