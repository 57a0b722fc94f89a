// Package steplog reports provisioning progress keyed to pipeline steps.
//
// A StepLog never returns errors and never panics; it only writes. Tests
// register an observer and assert on Records instead of parsing console output.
package steplog

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Level is the severity of a Record.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
	LevelHint    Level = "hint"
	LevelStep    Level = "step"
)

// Field names the console writer uses to pick a tag for a line.
const (
	StepField = "step"
	TagField  = "tag"
)

// Record is one emitted line, without any terminal formatting.
type Record struct {
	Level   Level
	Step    string
	Message string
}

// Observer receives every Record after it is written.
type Observer func(Record)

// observers is shared between a StepLog and the step loggers derived from it.
type observers struct {
	mu  sync.RWMutex
	fns []Observer
}

func (o *observers) notify(r Record) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, fn := range o.fns {
		func() {
			defer func() { _ = recover() }()
			fn(r)
		}()
	}
}

// StepLog writes step-scoped status lines through zerolog.
type StepLog struct {
	logger    zerolog.Logger
	step      string
	observers *observers
}

// Option configures a StepLog.
type Option func(*StepLog)

// WithObserver registers fn to receive every Record.
func WithObserver(fn Observer) Option {
	return func(s *StepLog) {
		s.observers.fns = append(s.observers.fns, fn)
	}
}

// New creates a StepLog writing to logger.
func New(logger zerolog.Logger, opts ...Option) *StepLog {
	s := &StepLog{
		logger:    logger,
		observers: &observers{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Nop returns a StepLog that discards output but still notifies observers.
func Nop(opts ...Option) *StepLog {
	return New(zerolog.Nop(), opts...)
}

// Observe registers fn on an existing StepLog and every logger derived from it.
func (s *StepLog) Observe(fn Observer) {
	s.observers.mu.Lock()
	defer s.observers.mu.Unlock()
	s.observers.fns = append(s.observers.fns, fn)
}

// Step returns a logger whose lines carry the step name.
func (s *StepLog) Step(name string) *StepLog {
	return &StepLog{
		logger:    s.logger.With().Str(StepField, name).Logger(),
		step:      name,
		observers: s.observers,
	}
}

// Logger exposes the underlying zerolog logger for structured fields.
func (s *StepLog) Logger() zerolog.Logger {
	return s.logger
}

// Begin announces the start of a step.
func (s *StepLog) Begin(step string) {
	s.logger.Info().Str(StepField, step).Str(TagField, string(LevelStep)).Msg(step)
	s.observers.notify(Record{Level: LevelStep, Step: step, Message: step})
}

func (s *StepLog) Info(msg string) {
	s.logger.Info().Msg(msg)
	s.emit(LevelInfo, msg)
}

func (s *StepLog) Warn(msg string) {
	s.logger.Warn().Msg(msg)
	s.emit(LevelWarn, msg)
}

func (s *StepLog) Error(msg string) {
	s.logger.Error().Msg(msg)
	s.emit(LevelError, msg)
}

// Success reports a completed action.
func (s *StepLog) Success(msg string) {
	s.logger.Info().Str(TagField, string(LevelSuccess)).Msg(msg)
	s.emit(LevelSuccess, msg)
}

// Hint prints a remediation line for the operator.
func (s *StepLog) Hint(msg string) {
	s.logger.Info().Str(TagField, string(LevelHint)).Msg(msg)
	s.emit(LevelHint, msg)
}

func (s *StepLog) Infof(format string, args ...interface{}) {
	s.Info(fmt.Sprintf(format, args...))
}

func (s *StepLog) Warnf(format string, args ...interface{}) {
	s.Warn(fmt.Sprintf(format, args...))
}

func (s *StepLog) Errorf(format string, args ...interface{}) {
	s.Error(fmt.Sprintf(format, args...))
}

func (s *StepLog) Successf(format string, args ...interface{}) {
	s.Success(fmt.Sprintf(format, args...))
}

func (s *StepLog) emit(level Level, msg string) {
	s.observers.notify(Record{Level: level, Step: s.step, Message: msg})
}

// Recorder collects Records for assertions.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

// Observe is an Observer.
func (r *Recorder) Observe(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a copy of everything observed so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Filter returns the observed Records at level.
func (r *Recorder) Filter(level Level) []Record {
	var out []Record
	for _, rec := range r.Records() {
		if rec.Level == level {
			out = append(out, rec)
		}
	}
	return out
}
