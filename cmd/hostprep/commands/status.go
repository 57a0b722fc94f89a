package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hostprep/pkg/service"
)

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the managed service",
		Long: `Query systemd for the managed service and print its state. With --lines,
the tail of its journal is printed as well. Nothing on the host is changed.`,
		Example: `  hostprep status
  hostprep status --host bot.example.com --lines 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, opts, inspect)
			if err != nil {
				return err
			}
			defer s.Close()

			mgr := service.NewManager(s.runner, s.fs, s.log.Step("service"), service.Options{
				UnitDir:  s.cfg.Service.UnitDir,
				LogLines: s.cfg.Service.LogLines,
			})

			name := s.cfg.ServiceName()
			st, err := mgr.Status(ctx, name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			t := newTable(out, opts.noColor, "SERVICE", "STATE", "LOAD", "UNIT FILE", "PID")
			pid := "-"
			if st.MainPID > 0 {
				pid = fmt.Sprint(st.MainPID)
			}
			t.Row(name, st.String(), st.LoadState, st.UnitFileState, pid)
			fmt.Fprintln(out, t.String())

			if lines > 0 {
				logs, err := mgr.Logs(ctx, name, lines)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, logs)
			}

			if !st.Running() {
				return fmt.Errorf("service %s is %s", name, st)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "journal lines to print")
	return cmd
}
