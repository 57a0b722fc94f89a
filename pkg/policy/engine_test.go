package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostprep/pkg/config"
)

func testInput() Input {
	cfg := config.Defaults()
	cfg.Repository.URL = "https://github.com/example/bot.git"
	return NewInput(cfg, "")
}

func TestNewEngine(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	expected := []string{
		"absolute-exec",
		"memory-cap",
		"no-new-privileges",
		"protected-work-dir",
		"secure-remote",
	}

	policies := eng.ListPolicies()
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("policy %d: expected %s, got %s", i, expected[i], p.Name)
		}
		if !p.Builtin {
			t.Errorf("policy %s should be marked built-in", p.Name)
		}
	}
}

func TestEvaluate_Builtins(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	tests := []struct {
		name          string
		mutate        func(*Input)
		expectAllowed bool
		violation     string
		warning       string
	}{
		{
			name:          "defaults pass",
			mutate:        func(*Input) {},
			expectAllowed: true,
		},
		{
			name: "relative executable",
			mutate: func(in *Input) {
				in.Service.Executable = "python3"
			},
			violation: "absolute-exec",
		},
		{
			name: "missing executable",
			mutate: func(in *Input) {
				in.Service.Executable = ""
			},
			violation: "absolute-exec",
		},
		{
			name: "memory above cap",
			mutate: func(in *Input) {
				in.Service.MemoryMaxBytes = 16 << 30
			},
			violation: "memory-cap",
		},
		{
			name: "no memory limit warns",
			mutate: func(in *Input) {
				in.Service.MemoryMaxBytes = 0
			},
			expectAllowed: true,
			warning:       "memory-cap",
		},
		{
			name: "new privileges warn",
			mutate: func(in *Input) {
				in.Service.NoNewPrivileges = false
			},
			expectAllowed: true,
			warning:       "no-new-privileges",
		},
		{
			name: "system work dir",
			mutate: func(in *Input) {
				in.Repository.WorkDir = "/etc/"
			},
			violation: "protected-work-dir",
		},
		{
			name: "root work dir",
			mutate: func(in *Input) {
				in.Repository.WorkDir = "/"
			},
			violation: "protected-work-dir",
		},
		{
			name: "plain http remote",
			mutate: func(in *Input) {
				in.Repository.URL = "HTTP://example.com/bot.git"
			},
			violation: "secure-remote",
		},
		{
			name: "ssh remote",
			mutate: func(in *Input) {
				in.Repository.URL = "git@github.com:example/bot.git"
			},
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := testInput()
			tt.mutate(&input)

			result, err := eng.Evaluate(context.Background(), input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if tt.violation != "" && !hasPolicy(result.Violations, tt.violation) {
				t.Errorf("expected violation from %s, got %+v", tt.violation, result.Violations)
			}
			if tt.warning != "" && !hasPolicy(result.Warnings, tt.warning) {
				t.Errorf("expected warning from %s, got %+v", tt.warning, result.Warnings)
			}
			if tt.violation == "" && len(result.Violations) > 0 {
				t.Errorf("unexpected violations: %+v", result.Violations)
			}
			if len(result.EvaluatedPolicies) != 5 {
				t.Errorf("expected 5 evaluated policies, got %v", result.EvaluatedPolicies)
			}
		})
	}
}

func TestEvaluate_ViolationFields(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	input := testInput()
	input.Repository.WorkDir = "/usr"

	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", result.Violations)
	}

	v := result.Violations[0]
	if v.Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", v.Severity)
	}
	if v.Field != "repository.work_dir" {
		t.Errorf("expected field repository.work_dir, got %s", v.Field)
	}
	if v.Remediation == "" {
		t.Error("expected remediation text")
	}
}

func TestNewInput(t *testing.T) {
	cfg := config.Defaults()
	cfg.Repository.URL = "https://github.com/example/bot.git"

	local := NewInput(cfg, "")
	if local.Target.Remote || local.Target.Host != "localhost" {
		t.Errorf("unexpected local target %+v", local.Target)
	}
	if local.Service.Executable != "/opt/turnitin-bot/venv/bin/python" {
		t.Errorf("unexpected executable %q", local.Service.Executable)
	}
	if local.Service.MemoryMaxBytes != 2<<30 {
		t.Errorf("unexpected memory max %d", local.Service.MemoryMaxBytes)
	}
	if local.Limits.MaxMemoryBytes != 8<<30 {
		t.Errorf("unexpected memory cap %d", local.Limits.MaxMemoryBytes)
	}

	remote := NewInput(cfg, "bot.example.com")
	if !remote.Target.Remote || remote.Target.Host != "bot.example.com" {
		t.Errorf("unexpected remote target %+v", remote.Target)
	}
}

func hasPolicy(vs []Violation, name string) bool {
	for _, v := range vs {
		if v.Policy == name {
			return true
		}
	}
	return false
}
