package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hostprep/pkg/engine"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var skipPolicy bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config and evaluate policies",
		Long: `Load and validate the config, then evaluate the preflight policies against
it. Exits non-zero when the config is invalid or, in enforcing mode, a policy
blocks provisioning.`,
		Example: `  hostprep validate
  hostprep validate -c prod.cue --skip-policy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts, offline)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config: ok (%s)\n", sourceLabel(s.cfg.Source))

			if skipPolicy || !s.cfg.Policy.Enabled {
				fmt.Fprintln(out, "policy: skipped")
				return nil
			}

			res, err := engine.EvaluatePolicy(cmd.Context(), s.cfg, opts.host, s.log.Logger())
			if err != nil {
				return err
			}

			for _, v := range res.Violations {
				fmt.Fprintf(out, "  violation  %s: %s\n", v.Policy, v.Message)
				if v.Remediation != "" {
					fmt.Fprintf(out, "             %s\n", v.Remediation)
				}
			}
			for _, v := range res.Warnings {
				fmt.Fprintf(out, "  warning    %s: %s\n", v.Policy, v.Message)
			}

			if len(res.Violations) > 0 && s.cfg.Policy.Mode != engine.PolicyAdvisory {
				msgs := make([]string, len(res.Violations))
				for i, v := range res.Violations {
					msgs[i] = v.Policy + ": " + v.Message
				}
				return engine.NewPolicyError(msgs, res.Violations[0].Remediation)
			}

			fmt.Fprintf(out, "policy: %d evaluated, %d violation(s), %d warning(s) [%s]\n",
				len(res.EvaluatedPolicies), len(res.Violations), len(res.Warnings), s.cfg.Policy.Mode)
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "only validate the config")
	return cmd
}

func sourceLabel(path string) string {
	if path == "" {
		return "built-in defaults"
	}
	return path
}
