package commands

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hostprep/pkg/engine"
	"github.com/openfroyo/hostprep/pkg/envfile"
	"github.com/openfroyo/hostprep/pkg/service"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Restart the service when its secrets file changes",
		Long: `Watch the secrets file of the local deployment and restart the service
after each edit settles. Runs until interrupted. Remote targets are not
supported.`,
		Example: `  sudo hostprep watch
  sudo hostprep watch --debounce 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.host != "" {
				return errors.New("watch only supports the local host")
			}
			if uid := os.Geteuid(); uid != 0 {
				return engine.NewPermissionError(uid)
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, opts, inspect)
			if err != nil {
				return err
			}
			defer s.Close()

			log := s.log.Step("watch")
			mgr := service.NewManager(s.runner, s.fs, s.log.Step("service"), service.Options{
				UnitDir:  s.cfg.Service.UnitDir,
				LogLines: s.cfg.Service.LogLines,
			})
			name := s.cfg.ServiceName()
			delay := s.cfg.Service.HealthCheckDelay.Std()

			return envfile.Watch(ctx, s.cfg.SecretsPath(), debounce, log.Logger(), func() {
				log.Infof("secrets changed, restarting %s", name)
				st, err := mgr.Restart(ctx, name, delay)
				if err != nil {
					log.Error(err.Error())
					var hc *service.HealthCheckError
					if errors.As(err, &hc) && hc.Logs != "" {
						log.Errorf("recent journal entries for %s:\n%s", name, hc.Logs)
					}
					return
				}
				log.Successf("%s is %s", name, st)
			})
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "quiet period after the last write before restarting")
	return cmd
}
