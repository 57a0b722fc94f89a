package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostprep/pkg/stores"
)

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		limit int
		prune int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past provisioning runs",
		Long: `List recorded provisioning runs, newest first. Given a run ID (or a unique
prefix of one), print the steps of that run instead.`,
		Example: `  hostprep history
  hostprep history 3f2a9c
  hostprep history --prune 20`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, opts, offline)
			if err != nil {
				return err
			}
			defer s.Close()

			if !s.cfg.State.Enabled {
				return fmt.Errorf("run history is disabled (state.enabled is false)")
			}

			store, err := stores.Open(ctx, s.cfg.State.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if prune > 0 {
				n, err := store.PruneRuns(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "pruned %d run(s), kept the newest %d\n", n, prune)
				return nil
			}

			if len(args) == 1 {
				return printRun(cmd, opts, store, args[0])
			}

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}

			t := newTable(out, opts.noColor, "RUN", "HOST", "STATUS", "HEAD", "STARTED", "DURATION")
			for _, r := range runs {
				t.Row(shortID(r.ID), r.Host, string(r.Status), shortHead(r.Head),
					humanize.Time(r.StartedAt), formatDuration(r.Duration()))
			}
			fmt.Fprintln(out, t.String())
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the newest N runs")
	return cmd
}

func printRun(cmd *cobra.Command, opts *globalOptions, store *stores.SQLiteStore, id string) error {
	ctx := cmd.Context()
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	steps, err := store.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run      %s\n", run.ID)
	fmt.Fprintf(out, "host     %s\n", run.Host)
	fmt.Fprintf(out, "project  %s\n", run.Project)
	fmt.Fprintf(out, "status   %s\n", run.Status)
	fmt.Fprintf(out, "started  %s (%s)\n", run.StartedAt.Local().Format(time.RFC3339), humanize.Time(run.StartedAt))
	if run.Head != "" {
		fmt.Fprintf(out, "head     %s\n", run.Head)
	}
	if run.Error != nil {
		fmt.Fprintf(out, "error    %s\n", *run.Error)
	}
	fmt.Fprintln(out)

	writeSteps(out, opts.noColor, steps)
	return nil
}

func writeSteps(out io.Writer, noColor bool, steps []*stores.StepRecord) {
	t := newTable(out, noColor, "#", "STEP", "STATUS", "DURATION", "MESSAGE")
	for _, st := range steps {
		msg := st.Message
		if st.Error != nil {
			msg = *st.Error
		}
		t.Row(fmt.Sprint(st.Seq+1), st.Name, string(st.Status), formatDuration(st.Duration), msg)
	}
	fmt.Fprintln(out, t.String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortHead(head string) string {
	if len(head) > 12 {
		return head[:12]
	}
	return head
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(10 * time.Millisecond).String()
}
