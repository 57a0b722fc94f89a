package commands

import (
	"github.com/spf13/cobra"
)

func newRenderCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the systemd unit file",
		Long:  `Render the systemd unit hostprep would install, without touching the host.`,
		Example: `  hostprep render -c prod.cue > /tmp/bot.service
  systemd-analyze verify /tmp/bot.service`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			content, err := cfg.UnitSpec().Render()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(content)
			return err
		},
	}
	return cmd
}
