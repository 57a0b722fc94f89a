package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/hostprep/pkg/config"
	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
	"github.com/openfroyo/hostprep/pkg/steplog"
	"github.com/openfroyo/hostprep/pkg/telemetry"
	"github.com/openfroyo/hostprep/pkg/transports/ssh"
)

// session holds what a command needs to act on the target.
type session struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	log    *steplog.StepLog
	runner runner.Runner
	fs     hostfs.FS
	client *ssh.Client
}

// loadConfig finds, loads and validates the config and applies CLI overrides.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	path, err := config.Find(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if opts.allowClear {
		cfg.Repository.AllowClear = true
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sessionMode says how much of the target a command needs.
type sessionMode int

const (
	// offline commands only read the config.
	offline sessionMode = iota
	// inspect commands run read-only commands on the target.
	inspect
	// provision runs the pipeline and writes the metrics textfile.
	provision
)

func telemetryConfig(opts *globalOptions, cfg *config.Config, mode sessionMode) *telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = opts.version
	tcfg.Logging.Level = opts.logLevel
	tcfg.Logging.Format = opts.logFormat
	tcfg.Logging.NoColor = opts.noColor
	if cfg != nil {
		tcfg.Tracing.Exporter = cfg.Telemetry.TraceExporter
		tcfg.Tracing.Endpoint = cfg.Telemetry.TraceEndpoint
		if mode == provision {
			tcfg.Metrics.Textfile = cfg.Telemetry.MetricsTextfile
		}
	}
	return tcfg
}

// openSession loads the config, sets up telemetry and, unless mode is
// offline, the runner and filesystem of the target.
func openSession(ctx context.Context, opts *globalOptions, mode sessionMode) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(ctx, telemetryConfig(opts, cfg, mode))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s := &session{
		cfg: cfg,
		tel: tel,
		log: steplog.New(tel.Logger.Zerolog()),
	}
	if cfg.Source != "" {
		s.log.Infof("using config %s", cfg.Source)
	} else {
		s.log.Info("no config file found, using built-in defaults")
	}

	if mode == offline {
		return s, nil
	}

	if opts.host == "" {
		s.runner = runner.NewLocal(tel.Logger.Zerolog())
		s.fs = hostfs.NewLocal()
		return s, nil
	}

	client, err := connectSSH(ctx, opts, tel)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client = client
	s.runner = client
	s.fs = client
	return s, nil
}

func connectSSH(ctx context.Context, opts *globalOptions, tel *telemetry.Telemetry) (*ssh.Client, error) {
	user, host, port, err := ssh.ParseTarget(opts.host)
	if err != nil {
		return nil, fmt.Errorf("invalid --host: %w", err)
	}
	if user == "" {
		user = opts.sshUser
	}
	if port == 0 {
		port = opts.sshPort
	}

	sshCfg := ssh.DefaultConfig(host, user)
	sshCfg.Port = port
	sshCfg.ConnectionTimeout = opts.sshTimeout
	sshCfg.StrictHostKeyChecking = !opts.insecure
	if opts.sshProxy != "" {
		_, proxyHost, proxyPort, err := ssh.ParseTarget(opts.sshProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid --ssh-proxy: %w", err)
		}
		sshCfg.ProxyHost = proxyHost
		if proxyPort != 0 {
			sshCfg.ProxyPort = proxyPort
		}
	}

	switch {
	case opts.sshKey != "":
		sshCfg.PrivateKeyPath = opts.sshKey
	case os.Getenv("SSH_AUTH_SOCK") != "":
		sshCfg.AuthMethod = ssh.AuthMethodAgent
	}

	client, err := ssh.NewClient(sshCfg, tel.Logger.Zerolog())
	if err != nil {
		return nil, err
	}
	logger := tel.Logger.Zerolog()
	if err := connectWithRetry(ctx, client.Connect, connectAttempts, connectRetryDelay, func(attempt int, err error) {
		logger.Warn().Err(err).Int("attempt", attempt).Msgf("connection to %s failed, retrying", sshCfg.Address())
	}); err != nil {
		var te *ssh.TransportError
		if errors.As(err, &te) && te.IsAuthError {
			return nil, fmt.Errorf("cannot authenticate to %s as %s: %w", host, user, err)
		}
		return nil, fmt.Errorf("cannot connect to %s: %w", sshCfg.Address(), err)
	}
	return client, nil
}

const (
	connectAttempts   = 3
	connectRetryDelay = 2 * time.Second
)

// connectWithRetry calls connect until it succeeds, fails with an error that
// is not a temporary transport error, or attempts run out. The wait grows
// linearly with each attempt.
func connectWithRetry(ctx context.Context, connect func(context.Context) error, attempts int, delay time.Duration, onRetry func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := connect(ctx)
		var te *ssh.TransportError
		if err == nil || attempt >= attempts || !errors.As(err, &te) || !te.Temporary() {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay * time.Duration(attempt)):
		}
	}
}

// Close releases the SSH connection and stops telemetry. The metrics
// textfile is written by the provisioner, not here.
func (s *session) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.tel != nil {
		_ = s.tel.Shutdown(context.Background())
	}
}
