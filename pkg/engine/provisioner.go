package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/hostprep/pkg/config"
	"github.com/openfroyo/hostprep/pkg/envfile"
	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/packages"
	"github.com/openfroyo/hostprep/pkg/reposync"
	"github.com/openfroyo/hostprep/pkg/runner"
	"github.com/openfroyo/hostprep/pkg/service"
	"github.com/openfroyo/hostprep/pkg/steplog"
	"github.com/openfroyo/hostprep/pkg/stores"
	"github.com/openfroyo/hostprep/pkg/telemetry"
)

// Step names, in pipeline order.
const (
	StepPreflightPolicy  = "preflight-policy"
	StepSystemPackages   = "system-packages"
	StepSecretsBackup    = "secrets-backup"
	StepRepositorySync   = "repository-sync"
	StepSecretsRestore   = "secrets-restore"
	StepVirtualenv       = "virtualenv"
	StepLanguagePackages = "language-packages"
	StepBrowserAssets    = "browser-assets"
	StepServiceInstall   = "service-install"
	StepServiceEnable    = "service-enable"
	StepServiceRestart   = "service-restart"
	StepServiceVerify    = "service-verify"
)

// Options carry the collaborators of a Provisioner.
type Options struct {
	// Runner and FS act on the target host.
	Runner runner.Runner
	FS     hostfs.FS

	Log *steplog.StepLog

	// Telemetry is optional.
	Telemetry *telemetry.Telemetry

	// Host is the remote target; empty means the local machine.
	Host string

	// Euid returns the effective uid for local runs. Defaults to os.Geteuid.
	Euid func() int
}

// Provisioner brings one host to the state described by a Config.
type Provisioner struct {
	cfg  *config.Config
	opts Options
	log  *steplog.StepLog

	installer *packages.Installer
	syncer    *reposync.Syncer
	secrets   *envfile.Manager
	services  *service.Manager

	// state handed from one step to the next within a run
	backup envfile.BackupHandle
	head   string
	status *service.Status
	runErr error
}

// NewProvisioner wires the components for cfg.
func NewProvisioner(cfg *config.Config, opts Options) (*Provisioner, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Runner == nil || opts.FS == nil {
		return nil, errors.New("runner and filesystem are required")
	}
	if opts.Log == nil {
		opts.Log = steplog.Nop()
	}
	if opts.Euid == nil {
		opts.Euid = os.Geteuid
	}

	installer, err := packages.NewInstaller(opts.Runner, opts.FS, opts.Log.Step("packages"), packages.Options{
		Manager:      cfg.Packages.Manager,
		BrowsersPath: cfg.Packages.BrowsersPath,
		Timeout:      cfg.Packages.Timeout.Std(),
	})
	if err != nil {
		return nil, &ProvisionError{Kind: KindConfig, Message: "invalid package settings", Err: err}
	}

	return &Provisioner{
		cfg:       cfg,
		opts:      opts,
		log:       opts.Log,
		installer: installer,
		syncer:    reposync.NewSyncer(opts.Runner, opts.FS, opts.Log.Step("repository")),
		secrets:   envfile.NewManager(opts.FS, opts.Log.Logger()),
		services: service.NewManager(opts.Runner, opts.FS, opts.Log.Step("service"), service.Options{
			UnitDir:  cfg.Service.UnitDir,
			LogLines: cfg.Service.LogLines,
		}),
	}, nil
}

// Config returns the configuration the provisioner acts on.
func (p *Provisioner) Config() *config.Config {
	return p.cfg
}

// HostLabel names the target for logs and history.
func (p *Provisioner) HostLabel() string {
	if p.opts.Host != "" {
		return p.opts.Host
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "localhost"
}

// CheckPrivileges fails with a permission error unless the target runs
// hostprep as root. It runs no command locally and only `id -u` remotely.
func (p *Provisioner) CheckPrivileges(ctx context.Context) error {
	if p.opts.Host == "" {
		if uid := p.opts.Euid(); uid != 0 {
			return NewPermissionError(uid)
		}
		return nil
	}

	res, err := runner.MustSucceed(ctx, p.opts.Runner, []string{"id", "-u"}, runner.Options{Timeout: 30 * time.Second})
	if err != nil {
		return Classify("", fmt.Errorf("failed to determine remote uid: %w", err))
	}
	uid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return Classify("", fmt.Errorf("unexpected output from id -u: %q", res.Stdout))
	}
	if uid != 0 {
		return NewPermissionError(uid)
	}
	return nil
}

// Customize runs the configured Starlark script against the host facts and
// merges its output into the config. It is a no-op without a script.
func (p *Provisioner) Customize(ctx context.Context) error {
	if p.cfg.Script == "" {
		return nil
	}

	scriptPath := p.cfg.ScriptPath()
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return &ProvisionError{Kind: KindConfig, Message: "failed to read customization script", Err: err}
	}

	facts, err := GatherFacts(ctx, p.opts.Runner, p.opts.FS)
	if err != nil {
		return Classify("", err)
	}

	eval := config.NewScriptEvaluator(config.DefaultScriptTimeout, p.log.Logger())
	c, err := eval.Customize(ctx, scriptPath, string(src), p.cfg, facts)
	if err != nil {
		return &ProvisionError{
			Kind:    KindConfig,
			Message: "customization script failed",
			Hint:    "fix " + scriptPath + " and re-run",
			Err:     err,
		}
	}
	c.Apply(p.cfg)
	p.log.Infof("applied %s: %d extra packages, %d extra secrets, %d environment values",
		scriptPath, len(c.ExtraSystemPackages), len(c.ExtraSecrets), len(c.ServiceEnvironment))
	return nil
}

// Plan returns the provisioning steps in execution order.
func (p *Provisioner) Plan() []Step {
	return []Step{
		{Name: StepPreflightPolicy, Required: true, Action: p.preflightPolicy},
		{Name: StepSystemPackages, Required: true, Action: p.systemPackages},
		{Name: StepSecretsBackup, Required: true, Action: p.secretsBackup},
		{Name: StepRepositorySync, Required: true, Action: p.repositorySync},
		{Name: StepSecretsRestore, Required: true, Action: p.secretsRestore},
		{Name: StepVirtualenv, Required: true, Action: p.virtualenv},
		{Name: StepLanguagePackages, Required: true, Action: p.languagePackages},
		{Name: StepBrowserAssets, Required: false, Action: p.browserAssets},
		{Name: StepServiceInstall, Required: true, Action: p.serviceInstall},
		{Name: StepServiceEnable, Required: true, Action: p.serviceEnable},
		{Name: StepServiceRestart, Required: true, Action: p.serviceRestart},
		{Name: StepServiceVerify, Required: true, Action: p.serviceVerify},
	}
}

// Provision checks privileges, runs the customization script, then runs the
// pipeline while recording it in the run history when enabled.
func (p *Provisioner) Provision(ctx context.Context) (*Report, error) {
	if err := p.CheckPrivileges(ctx); err != nil {
		p.report(err)
		return nil, err
	}
	if err := p.Customize(ctx); err != nil {
		p.report(err)
		return nil, err
	}

	host := p.HostLabel()
	run := &stores.Run{
		ID:         uuid.NewString(),
		Host:       host,
		Project:    p.cfg.Project.Name,
		ConfigPath: p.cfg.Source,
	}

	pipeline := &Pipeline{Steps: p.Plan(), Log: p.log, RunID: run.ID}

	if p.cfg.State.Enabled {
		store, err := stores.Open(ctx, p.cfg.State.Path)
		if err != nil {
			p.log.Warnf("run history disabled for this run: %v", err)
		} else {
			defer store.Close()
			if err := store.CreateRun(ctx, run); err != nil {
				p.log.Warnf("run history disabled for this run: %v", err)
			} else {
				pipeline.History = store
				defer func() {
					p.completeRun(ctx, store, run.ID)
				}()
			}
		}
	}

	var tel *telemetry.Telemetry
	if p.opts.Telemetry != nil {
		tel = p.opts.Telemetry
		pipeline.Tracer = tel.Tracer
		pipeline.Metrics = tel.Metrics
	}

	runCtx := ctx
	var span trace.Span
	if pipeline.Tracer != nil {
		runCtx, span = pipeline.Tracer.StartRunSpan(ctx, run.ID, host, p.cfg.Project.Name)
		defer span.End()
	}

	p.log.Infof("provisioning %s on %s (run %s)", p.cfg.Project.Name, host, run.ID)

	report, err := pipeline.Run(runCtx)
	report.Host = host
	report.Head = p.head
	report.Service = p.status
	p.runErr = err

	if span != nil {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
	}
	if tel != nil {
		tel.Metrics.RecordRun(string(runStatus(err)), report.Duration, time.Now())
		if flushErr := tel.Flush(); flushErr != nil {
			p.log.Warnf("failed to write metrics textfile: %v", flushErr)
		}
	}

	if err != nil {
		// The failed step already logged the error and its hint.
		return report, err
	}

	if warnings := report.Warnings(); len(warnings) > 0 {
		p.log.Warnf("provisioning finished with %d warning(s)", len(warnings))
	}
	p.log.Successf("%s is provisioned and %s is running", host, p.cfg.ServiceName())
	return report, nil
}

func (p *Provisioner) completeRun(ctx context.Context, store *stores.SQLiteStore, id string) {
	var errMsg *string
	if p.runErr != nil {
		msg := p.runErr.Error()
		errMsg = &msg
	}
	if err := store.CompleteRun(context.WithoutCancel(ctx), id, runStatus(p.runErr), p.head, errMsg); err != nil {
		p.log.Warnf("failed to complete run %s in history: %v", id, err)
	}
}

// report prints a failure raised before the pipeline starts and its
// remediation hint.
func (p *Provisioner) report(err error) {
	p.log.Error(err.Error())
	if hint := HintFor(err); hint != "" {
		p.log.Hint(hint)
	}
}
