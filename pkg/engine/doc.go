// Package engine runs the provisioning pipeline for one host.
//
// # Overview
//
// A Provisioner wires the component packages (packages, reposync, envfile,
// service) to a runner.Runner and hostfs.FS for the target, local or over
// SSH, and exposes the run as an ordered list of Steps:
//
//  1. preflight-policy   - evaluate OPA policies against the config
//  2. system-packages    - install missing OS packages
//  3. secrets-backup     - copy the secrets file aside
//  4. repository-sync    - clone or fast-forward the checkout
//  5. secrets-restore    - restore secrets, create the template, warn on placeholders
//  6. virtualenv         - create the Python virtualenv
//  7. language-packages  - install unsatisfied Python requirements
//  8. browser-assets     - download Playwright browsers (optional)
//  9. service-install    - write the systemd unit and reload
//  10. service-enable    - enable the unit at boot
//  11. service-restart   - restart and wait for the unit to settle
//  12. service-verify    - confirm the unit is running
//
// # Pipeline
//
// Pipeline.Run executes steps in order. A failed required step stops the run
// and every later step is reported as skipped. A failed optional step is
// recorded as a warning. Each step becomes a trace span, a metrics sample and
// a row in the run history when those are configured.
//
// # Error Classification
//
// Failures are wrapped in a ProvisionError carrying a Kind and a remediation
// Hint:
//
//	report, err := p.Provision(ctx)
//	if err != nil {
//	    fmt.Fprintln(os.Stderr, engine.HintFor(err))
//	    os.Exit(engine.ExitCode(err))
//	}
//
// Privileges are checked before anything else; an unprivileged run fails
// with KindPermission without running a command or writing a file.
package engine
