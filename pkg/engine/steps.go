package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostprep/pkg/config"
	"github.com/openfroyo/hostprep/pkg/envfile"
	"github.com/openfroyo/hostprep/pkg/packages"
	"github.com/openfroyo/hostprep/pkg/policy"
	"github.com/openfroyo/hostprep/pkg/reposync"
	"github.com/openfroyo/hostprep/pkg/service"
)

// Policy modes.
const (
	PolicyEnforcing = "enforcing"
	PolicyAdvisory  = "advisory"
)

func (p *Provisioner) preflightPolicy(ctx context.Context) (StepResult, error) {
	if !p.cfg.Policy.Enabled {
		return StepResult{Message: "policy checks disabled"}, nil
	}

	res, err := EvaluatePolicy(ctx, p.cfg, p.opts.Host, p.log.Logger())
	if err != nil {
		return StepResult{}, &ProvisionError{Kind: KindPolicy, Message: "policy evaluation failed", Err: err}
	}

	var out StepResult
	for _, v := range res.Warnings {
		out.Warnings = append(out.Warnings, describeViolation(v))
	}

	if len(res.Violations) > 0 {
		if p.cfg.Policy.Mode == PolicyAdvisory {
			for _, v := range res.Violations {
				out.Warnings = append(out.Warnings, describeViolation(v))
			}
		} else {
			msgs := make([]string, len(res.Violations))
			for i, v := range res.Violations {
				msgs[i] = describeViolation(v)
			}
			hint := res.Violations[0].Remediation
			if hint == "" {
				hint = "fix the configuration, or set policy.mode to advisory"
			}
			return out, NewPolicyError(msgs, hint)
		}
	}

	out.Message = fmt.Sprintf("%d policies passed", len(res.EvaluatedPolicies))
	return out, nil
}

// EvaluatePolicy runs the built-in policies and those under
// cfg.Policy.Paths against cfg provisioned on host.
func EvaluatePolicy(ctx context.Context, cfg *config.Config, host string, logger zerolog.Logger) (*policy.Result, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return eng.Evaluate(ctx, policy.NewInput(cfg, host))
}

func describeViolation(v policy.Violation) string {
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

func (p *Provisioner) systemPackages(ctx context.Context) (StepResult, error) {
	report, err := p.installer.EnsureSystem(ctx, p.cfg.Packages.System)
	p.recordPackages("system", report)
	if err != nil {
		return StepResult{}, err
	}
	if err := report.Err(); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Changed: report.Changed(),
		Message: packageSummary("system packages", report),
	}, nil
}

func (p *Provisioner) secretsBackup(_ context.Context) (StepResult, error) {
	h, err := p.secrets.Backup(p.cfg.SecretsPath())
	if err != nil {
		return StepResult{}, &ProvisionError{Kind: KindInstall, Message: "failed to back up secrets", Err: err}
	}
	p.backup = h
	if h.Empty() {
		return StepResult{Message: "no existing secrets file"}, nil
	}
	return StepResult{Message: "secrets backed up to " + h.BackupPath()}, nil
}

func (p *Provisioner) repositorySync(ctx context.Context) (StepResult, error) {
	before := p.head
	res, err := p.syncer.Sync(ctx, reposync.Options{
		WorkDir:    p.cfg.Repository.WorkDir,
		RemoteURL:  p.cfg.Repository.URL,
		Branch:     p.cfg.Repository.Branch,
		AllowClear: p.cfg.Repository.AllowClear,
	})
	if err != nil {
		return StepResult{}, err
	}
	p.head = res.Head

	out := StepResult{
		Changed: res.State == reposync.NoRepo || res.Cleared > 0 || (before != "" && before != res.Head),
		Message: fmt.Sprintf("%s at %s", res.Branch, shortHead(res.Head)),
	}
	if res.Conflict != nil {
		out.Warnings = append(out.Warnings, res.Conflict.Error())
	}
	return out, nil
}

func shortHead(head string) string {
	if len(head) > 12 {
		return head[:12]
	}
	return head
}

// secretsRestore puts the operator's secrets back after the sync, creates the
// template when none existed and warns about values still at their defaults.
func (p *Provisioner) secretsRestore(_ context.Context) (StepResult, error) {
	secretsPath := p.cfg.SecretsPath()

	if err := p.secrets.Restore(p.backup); err != nil {
		return StepResult{}, &ProvisionError{Kind: KindInstall, Message: "failed to restore secrets", Err: err}
	}

	created, err := p.secrets.EnsureTemplate(secretsPath, p.cfg.Secrets.Defaults)
	if err != nil {
		return StepResult{}, &ProvisionError{Kind: KindInstall, Message: "failed to create secrets template", Err: err}
	}

	f, err := p.secrets.Read(secretsPath)
	if err != nil {
		return StepResult{}, err
	}

	out := StepResult{Changed: created, Message: "secrets restored"}
	if created {
		out.Message = "secrets template created at " + secretsPath
	}
	if missing := envfile.Placeholders(f, p.cfg.Secrets.Defaults); len(missing) > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"edit the secrets file at %s: %s still hold placeholder values", secretsPath, strings.Join(missing, ", ")))
	}
	return out, nil
}

func (p *Provisioner) virtualenv(ctx context.Context) (StepResult, error) {
	created, err := p.installer.EnsureVirtualenv(ctx, p.cfg.Packages.Python, p.cfg.VenvDir())
	if err != nil {
		return StepResult{}, err
	}
	if created {
		return StepResult{Changed: true, Message: "created virtualenv " + p.cfg.VenvDir()}, nil
	}
	return StepResult{Message: "virtualenv present"}, nil
}

func (p *Provisioner) languagePackages(ctx context.Context) (StepResult, error) {
	report, err := p.installer.EnsureLanguage(ctx, packages.LanguageOptions{
		VenvDir:    p.cfg.VenvDir(),
		Manifest:   p.cfg.ManifestPath(),
		Fallback:   p.cfg.Packages.Fallback,
		UpgradePip: p.cfg.Packages.UpgradePip,
	})
	p.recordPackages("language", report)
	if err != nil {
		return StepResult{}, err
	}
	if err := report.Err(); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Changed: report.Changed(),
		Message: packageSummary("Python requirements", report),
	}, nil
}

func (p *Provisioner) browserAssets(ctx context.Context) (StepResult, error) {
	if len(p.cfg.Packages.Browsers) == 0 {
		return StepResult{Message: "no browsers configured"}, nil
	}

	report, err := p.installer.EnsureBrowsers(ctx, p.cfg.VenvDir(), p.cfg.Packages.Browsers, p.cfg.Packages.BrowsersWithDeps)
	p.recordPackages("browser", report)
	if err != nil {
		return StepResult{}, err
	}
	if err := report.Err(); err != nil {
		return StepResult{Changed: report.Changed()}, err
	}
	return StepResult{
		Changed: report.Changed(),
		Message: packageSummary("browsers", report),
	}, nil
}

func (p *Provisioner) serviceInstall(ctx context.Context) (StepResult, error) {
	spec := p.cfg.UnitSpec()
	changed, err := p.services.Install(ctx, spec)
	if err != nil {
		return StepResult{}, err
	}
	if changed {
		return StepResult{Changed: true, Message: "installed " + p.services.UnitPath(spec.Name)}, nil
	}
	return StepResult{Message: "unit file up to date"}, nil
}

func (p *Provisioner) serviceEnable(ctx context.Context) (StepResult, error) {
	name := p.cfg.ServiceName()
	changed, err := p.services.Enable(ctx, name)
	if err != nil {
		return StepResult{}, err
	}
	if changed {
		return StepResult{Changed: true, Message: name + " enabled"}, nil
	}
	return StepResult{Message: name + " already enabled"}, nil
}

func (p *Provisioner) serviceRestart(ctx context.Context) (StepResult, error) {
	name := p.cfg.ServiceName()
	status, err := p.services.Restart(ctx, name, p.cfg.Service.HealthCheckDelay.Std())
	p.status = status
	if err != nil {
		p.setServiceUp(status)
		var hc *service.HealthCheckError
		if errors.As(err, &hc) && hc.Logs != "" {
			p.log.Step(StepServiceRestart).Errorf("recent journal entries for %s:\n%s", name, hc.Logs)
		}
		return StepResult{}, err
	}
	return StepResult{Changed: true, Message: name + " restarted"}, nil
}

// serviceVerify re-reads the unit state after the restart settled.
func (p *Provisioner) serviceVerify(ctx context.Context) (StepResult, error) {
	name := p.cfg.ServiceName()
	status, err := p.services.Status(ctx, name)
	if err != nil {
		return StepResult{}, err
	}
	p.status = status
	p.setServiceUp(status)

	if !status.Running() {
		logs, logErr := p.services.Logs(ctx, name, p.cfg.Service.LogLines)
		if logErr != nil {
			logs = fmt.Sprintf("(journal unavailable: %v)", logErr)
		}
		return StepResult{}, &service.HealthCheckError{Name: name, Status: status, Logs: logs}
	}

	out := StepResult{Message: fmt.Sprintf("%s is %s", name, status)}
	if status.MainPID > 0 {
		out.Message = fmt.Sprintf("%s is %s, pid %d", name, status, status.MainPID)
	}
	if !status.Enabled() {
		out.Warnings = append(out.Warnings, name+" is running but not enabled at boot")
	}
	return out, nil
}

func (p *Provisioner) setServiceUp(status *service.Status) {
	if p.opts.Telemetry == nil {
		return
	}
	p.opts.Telemetry.Metrics.SetServiceUp(p.cfg.ServiceName(), status.Running())
}

func (p *Provisioner) recordPackages(kind string, report *packages.Report) {
	if p.opts.Telemetry == nil || report == nil {
		return
	}
	m := p.opts.Telemetry.Metrics
	m.RecordPackages(kind, len(report.Installed), false)
	m.RecordPackages(kind, len(report.Failed), true)
}

func packageSummary(what string, r *packages.Report) string {
	if r == nil {
		return ""
	}
	switch {
	case len(r.Installed) == 0:
		return fmt.Sprintf("%d %s already present", len(r.Skipped), what)
	default:
		return fmt.Sprintf("installed %d %s, %d already present", len(r.Installed), what, len(r.Skipped))
	}
}
