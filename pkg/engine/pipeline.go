package engine

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/hostprep/pkg/runner"
	"github.com/openfroyo/hostprep/pkg/service"
	"github.com/openfroyo/hostprep/pkg/steplog"
	"github.com/openfroyo/hostprep/pkg/stores"
	"github.com/openfroyo/hostprep/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// StepResult is what a step action reports on success.
type StepResult struct {
	// Changed is true when the step modified the host.
	Changed bool

	// Message summarises the outcome in one line.
	Message string

	// Warnings are non-fatal problems the operator should see.
	Warnings []string
}

// Step is one named stage of the provisioning pipeline.
type Step struct {
	Name     string
	Required bool
	Action   func(ctx context.Context) (StepResult, error)
}

// StepReport is the outcome of one step.
type StepReport struct {
	Name     string
	Required bool
	Status   StepStatus
	Message  string
	Warnings []string
	Err      error
	Duration time.Duration
}

// Report is the outcome of a whole run.
type Report struct {
	RunID     string
	Host      string
	Steps     []StepReport
	Head      string
	Service   *service.Status
	StartedAt time.Time
	Duration  time.Duration
}

// Changed reports whether any step modified the host.
func (r *Report) Changed() bool {
	for _, s := range r.Steps {
		if s.Status == StepChanged {
			return true
		}
	}
	return false
}

// Warnings returns every warning raised during the run, in step order.
func (r *Report) Warnings() []string {
	var out []string
	for _, s := range r.Steps {
		out = append(out, s.Warnings...)
	}
	return out
}

// Step returns the report of the named step.
func (r *Report) Step(name string) (StepReport, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepReport{}, false
}

// StepRecorder persists step outcomes.
type StepRecorder interface {
	RecordStep(ctx context.Context, step *stores.StepRecord) error
}

// Pipeline runs steps in order. A failed required step stops the run and the
// remaining steps are reported as skipped; a failed optional step is a
// warning. Tracer, Metrics and History are optional.
type Pipeline struct {
	Steps   []Step
	Log     *steplog.StepLog
	Tracer  *telemetry.Tracer
	Metrics *telemetry.Metrics
	History StepRecorder
	RunID   string
}

// Run executes the pipeline. The returned error is the classified failure
// of the first required step that failed.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: p.RunID, StartedAt: time.Now()}
	var failure *ProvisionError

	for i, step := range p.Steps {
		if failure == nil && ctx.Err() != nil {
			failure = Classify(step.Name, ctx.Err())
			failure.Message = "run cancelled"
			failure.Hint = "re-run hostprep to finish provisioning"
		}
		if failure != nil {
			sr := StepReport{Name: step.Name, Required: step.Required, Status: StepSkipped}
			report.Steps = append(report.Steps, sr)
			p.record(ctx, i, sr, time.Now())
			continue
		}

		sr := p.runStep(ctx, i, step)
		report.Steps = append(report.Steps, sr)
		if sr.Status == StepFailed {
			failure = Classify(step.Name, sr.Err)
		}
	}

	report.Duration = time.Since(report.StartedAt)
	if failure != nil {
		return report, failure
	}
	return report, nil
}

func (p *Pipeline) runStep(ctx context.Context, seq int, step Step) StepReport {
	log := p.Log.Step(step.Name)
	log.Begin(step.Name)

	stepCtx := ctx
	var span trace.Span
	if p.Tracer != nil {
		stepCtx, span = p.Tracer.StartStepSpan(ctx, step.Name, step.Required)
	}

	started := time.Now()
	res, err := step.Action(stepCtx)
	sr := StepReport{
		Name:     step.Name,
		Required: step.Required,
		Message:  res.Message,
		Warnings: res.Warnings,
		Duration: time.Since(started),
	}

	switch {
	case err != nil && step.Required:
		sr.Status = StepFailed
		sr.Err = err
		sr.Message = err.Error()
		log.Error(sr.Message)
		if hint := Classify(step.Name, err).Hint; hint != "" {
			log.Hint(hint)
		}
	case err != nil:
		sr.Status = StepWarned
		sr.Err = err
		sr.Message = err.Error()
		sr.Warnings = append(sr.Warnings, step.Name+": "+err.Error())
		log.Warnf("optional step failed, continuing: %v", err)
	case len(res.Warnings) > 0:
		sr.Status = StepWarned
		for _, w := range res.Warnings {
			log.Warn(w)
		}
	case res.Changed:
		sr.Status = StepChanged
	default:
		sr.Status = StepSucceeded
	}

	if err == nil && res.Message != "" {
		log.Success(res.Message)
	}

	if span != nil {
		var kind string
		if sr.Err != nil {
			kind = string(Classify(step.Name, sr.Err).Kind)
		}
		telemetry.EndStep(span, string(sr.Status), kind, sr.Err)
	}
	if p.Metrics != nil {
		p.Metrics.RecordStep(step.Name, string(sr.Status), sr.Duration)
	}
	p.record(ctx, seq, sr, started)

	return sr
}

// record writes the step to history. History failures are logged, never fatal.
func (p *Pipeline) record(ctx context.Context, seq int, sr StepReport, started time.Time) {
	if p.History == nil || p.RunID == "" {
		return
	}

	rec := &stores.StepRecord{
		RunID:     p.RunID,
		Seq:       seq,
		Name:      sr.Name,
		Required:  sr.Required,
		Status:    sr.Status.record(),
		Message:   sr.Message,
		StartedAt: started,
		Duration:  sr.Duration,
	}
	if sr.Err != nil {
		msg := sr.Err.Error()
		rec.Error = &msg
	}

	// The run context may already be cancelled; history must still be written.
	if err := p.History.RecordStep(context.WithoutCancel(ctx), rec); err != nil {
		p.Log.Warnf("failed to record step %s in run history: %v", sr.Name, err)
	}
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || runner.IsKind(err, runner.KindCancelled)
}
