package stores

import (
	"time"
)

// RunStatus represents the status of a provisioning run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents how a pipeline step ended
type StepStatus string

const (
	// StepStatusSucceeded means the step found nothing to do.
	StepStatusSucceeded StepStatus = "succeeded"
	// StepStatusChanged means the step modified the host.
	StepStatusChanged StepStatus = "changed"
	// StepStatusWarned means an optional step failed or a step degraded.
	StepStatusWarned  StepStatus = "warned"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// Run is one invocation of the provisioning pipeline
type Run struct {
	ID          string     `json:"id"`
	Host        string     `json:"host"`
	Project     string     `json:"project"`
	ConfigPath  string     `json:"config_path"`
	Status      RunStatus  `json:"status"`
	Head        string     `json:"head"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration is the run's wall time, zero while it is still running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// StepRecord is the outcome of one pipeline step within a run
type StepRecord struct {
	ID        int64         `json:"id"`
	RunID     string        `json:"run_id"`
	Seq       int           `json:"seq"`
	Name      string        `json:"name"`
	Required  bool          `json:"required"`
	Status    StepStatus    `json:"status"`
	Message   string        `json:"message"`
	Error     *string       `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}
