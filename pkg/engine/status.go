package engine

import (
	"fmt"

	"github.com/openfroyo/hostprep/pkg/stores"
)

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	// StepSucceeded means the step ran and the host already matched.
	StepSucceeded StepStatus = "succeeded"

	// StepChanged means the step ran and modified the host.
	StepChanged StepStatus = "changed"

	// StepWarned means the step finished with warnings, or an optional step failed.
	StepWarned StepStatus = "warned"

	// StepFailed means a required step failed and the run stopped.
	StepFailed StepStatus = "failed"

	// StepSkipped means the step never ran because an earlier step failed.
	StepSkipped StepStatus = "skipped"
)

// IsTerminal returns true for every status but the zero value.
func (s StepStatus) IsTerminal() bool {
	return s != ""
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepSucceeded, StepChanged, StepWarned, StepFailed, StepSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// record converts the status to its run history form.
func (s StepStatus) record() stores.StepStatus {
	switch s {
	case StepChanged:
		return stores.StepStatusChanged
	case StepWarned:
		return stores.StepStatusWarned
	case StepFailed:
		return stores.StepStatusFailed
	case StepSkipped:
		return stores.StepStatusSkipped
	default:
		return stores.StepStatusSucceeded
	}
}

// runStatus maps a pipeline outcome to the run history status.
func runStatus(err error) stores.RunStatus {
	switch {
	case err == nil:
		return stores.RunStatusSucceeded
	case isCancelled(err):
		return stores.RunStatusCancelled
	default:
		return stores.RunStatusFailed
	}
}
