package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostprep/pkg/config"
	"github.com/openfroyo/hostprep/pkg/engine"
	"github.com/openfroyo/hostprep/pkg/hostfs"
	"github.com/openfroyo/hostprep/pkg/runner"
)

func newPlanCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "List the provisioning steps",
		Long: `List the steps a provisioning run executes, in order, with what each one
acts on. Nothing is run on the host.`,
		Example: `  # Show the plan for ./hostprep.yaml
  hostprep plan

  # Show the plan for another config
  hostprep plan -c staging.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			// The plan is only listed; the local runner never runs.
			p, err := engine.NewProvisioner(cfg, engine.Options{
				Runner: runner.NewLocal(zerolog.Nop()),
				FS:     hostfs.NewLocal(),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			t := newTable(out, opts.noColor, "#", "STEP", "REQUIRED", "ACTS ON")
			for i, step := range p.Plan() {
				required := "yes"
				if !step.Required {
					required = "no"
				}
				t.Row(fmt.Sprint(i+1), step.Name, required, describeStep(cfg, step.Name))
			}
			fmt.Fprintln(out, t.String())
			return nil
		},
	}
	return cmd
}

func describeStep(cfg *config.Config, step string) string {
	switch step {
	case engine.StepPreflightPolicy:
		if !cfg.Policy.Enabled {
			return "disabled"
		}
		return fmt.Sprintf("built-in policies + %d path(s), %s", len(cfg.Policy.Paths), cfg.Policy.Mode)
	case engine.StepSystemPackages:
		return fmt.Sprintf("%s: %s", cfg.Packages.Manager, strings.Join(cfg.Packages.System, ", "))
	case engine.StepSecretsBackup, engine.StepSecretsRestore:
		return cfg.SecretsPath()
	case engine.StepRepositorySync:
		return fmt.Sprintf("%s (%s) -> %s", cfg.Repository.URL, cfg.Repository.Branch, cfg.Repository.WorkDir)
	case engine.StepVirtualenv:
		return cfg.VenvDir()
	case engine.StepLanguagePackages:
		if m := cfg.ManifestPath(); m != "" {
			return m + fmt.Sprintf(" (fallback: %d requirements)", len(cfg.Packages.Fallback))
		}
		return fmt.Sprintf("%d requirements", len(cfg.Packages.Fallback))
	case engine.StepBrowserAssets:
		if len(cfg.Packages.Browsers) == 0 {
			return "none"
		}
		return strings.Join(cfg.Packages.Browsers, ", ") + " in " + cfg.Packages.BrowsersPath
	case engine.StepServiceInstall:
		return cfg.Service.UnitDir + "/" + cfg.ServiceName() + ".service"
	case engine.StepServiceEnable, engine.StepServiceRestart, engine.StepServiceVerify:
		return cfg.ServiceName()
	}
	return ""
}
