package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hostprep/pkg/engine"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	allowClear bool

	host       string
	sshUser    string
	sshKey     string
	sshPort    int
	sshProxy   string
	sshTimeout time.Duration
	insecure   bool

	logLevel  string
	logFormat string
	noColor   bool

	version string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "hostprep",
		Short: "hostprep - declarative host provisioning for a systemd service",
		Long: `hostprep brings a Linux host to a declared state and keeps a long-running
service alive on it:

  - installs OS packages, a Python virtualenv and its requirements
  - clones or fast-forwards the application checkout, keeping local edits
  - preserves the secrets file across updates and creates a template
  - installs, enables and restarts the systemd unit, then verifies it runs

Every step is idempotent; running hostprep again only does what is missing.
Run without a subcommand to provision.`,
		Example: `  # Provision this machine with ./hostprep.yaml
  sudo hostprep

  # Provision a remote host over SSH
  hostprep --host bot.example.com --ssh-user root -c prod.cue

  # Replace a non-empty work directory that is not a checkout
  sudo hostprep --allow-clear`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd.Context(), opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (.cue, .yaml, .yml or .toml)")
	flags.BoolVar(&opts.allowClear, "allow-clear", false, "allow deleting a non-empty work dir that is not a git checkout")
	flags.StringVar(&opts.host, "host", "", "provision [user@]host[:port] over SSH instead of this machine")
	flags.StringVar(&opts.sshUser, "ssh-user", "root", "SSH user for --host")
	flags.StringVar(&opts.sshKey, "ssh-key", "", "SSH private key for --host (default: agent, then ~/.ssh/id_*)")
	flags.IntVar(&opts.sshPort, "ssh-port", 22, "SSH port for --host")
	flags.StringVar(&opts.sshProxy, "ssh-proxy", "", "jump host for --host")
	flags.DurationVar(&opts.sshTimeout, "ssh-timeout", 30*time.Second, "SSH connection timeout")
	flags.BoolVar(&opts.insecure, "ssh-insecure", false, "accept any SSH host key")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format (console or json)")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newRenderCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func runProvision(ctx context.Context, opts *globalOptions) error {
	s, err := openSession(ctx, opts, provision)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := engine.NewProvisioner(s.cfg, engine.Options{
		Runner:    s.runner,
		FS:        s.fs,
		Log:       s.log,
		Telemetry: s.tel,
		Host:      opts.host,
	})
	if err != nil {
		return err
	}

	if _, err := p.Provision(ctx); err != nil {
		return reportedError{err}
	}
	return nil
}

// reportedError marks an error whose message and hint were already logged.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error {
	return e.error
}

// Reported reports whether err was already shown to the operator.
func Reported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}
