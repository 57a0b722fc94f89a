package engine_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/hostprep/pkg/engine"
	"github.com/openfroyo/hostprep/pkg/steplog"
)

// Example_pipeline shows how an optional failure is downgraded to a warning
// while a required failure stops the run.
func Example_pipeline() {
	p := &engine.Pipeline{
		Log: steplog.Nop(),
		Steps: []engine.Step{
			{Name: "fetch", Required: true, Action: func(context.Context) (engine.StepResult, error) {
				return engine.StepResult{Changed: true, Message: "cloned"}, nil
			}},
			{Name: "extras", Required: false, Action: func(context.Context) (engine.StepResult, error) {
				return engine.StepResult{}, errors.New("mirror unreachable")
			}},
			{Name: "start", Required: true, Action: func(context.Context) (engine.StepResult, error) {
				return engine.StepResult{}, errors.New("unit failed")
			}},
			{Name: "verify", Required: true, Action: func(context.Context) (engine.StepResult, error) {
				return engine.StepResult{}, nil
			}},
		},
	}

	report, err := p.Run(context.Background())
	for _, s := range report.Steps {
		fmt.Printf("%s: %s\n", s.Name, s.Status)
	}
	fmt.Println("exit", engine.ExitCode(err))

	// Output:
	// fetch: changed
	// extras: warned
	// start: failed
	// verify: skipped
	// exit 1
}
