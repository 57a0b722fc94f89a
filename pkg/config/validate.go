package config

import (
	"errors"
	"fmt"
	"path"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FieldError is a single configuration problem.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every problem found by Validate.
type ValidationError struct {
	Problems []*FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the individual problems to errors.As.
func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Problems))
	for i, p := range e.Problems {
		errs[i] = p
	}
	return errs
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func Validate(cfg *Config) error {
	var problems []*FieldError

	if err := newValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, &FieldError{
				Field:   trimNamespace(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}

	if cfg.Service.ExecStart == "" && cfg.Service.Entrypoint == "" {
		problems = append(problems, &FieldError{Field: "service.entrypoint", Message: "either entrypoint or exec_start must be set"})
	}
	if fields := strings.Fields(cfg.Service.ExecStart); len(fields) > 0 && !path.IsAbs(fields[0]) {
		problems = append(problems, &FieldError{Field: "service.exec_start", Message: "command must be an absolute path"})
	}

	seen := make(map[string]bool)
	for i, e := range cfg.Secrets.Defaults {
		field := fmt.Sprintf("secrets.defaults[%d].key", i)
		if !envKeyPattern.MatchString(e.Key) {
			problems = append(problems, &FieldError{Field: field, Message: fmt.Sprintf("%q is not a valid variable name", e.Key)})
		}
		if seen[e.Key] {
			problems = append(problems, &FieldError{Field: field, Message: fmt.Sprintf("duplicate key %q", e.Key)})
		}
		seen[e.Key] = true
	}
	for i, e := range cfg.Service.Environment {
		if !envKeyPattern.MatchString(e.Name) {
			problems = append(problems, &FieldError{
				Field:   fmt.Sprintf("service.environment[%d].name", i),
				Message: fmt.Sprintf("%q is not a valid variable name", e.Name),
			})
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func trimNamespace(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if fe.Field() == "url" {
			return "is required; set repository.url in the config file"
		}
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "hostname_rfc1123":
		return "must contain only letters, digits and hyphens"
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
