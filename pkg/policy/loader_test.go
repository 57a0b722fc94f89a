package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const rootUserPolicy = `# Services must not run as root.
# Site rule.
package site.users

deny contains violation if {
	input.service.user == "root"
	violation := {
		"message": "service runs as root",
		"field": "service.user",
	}
}
`

const advisoryPolicy = `package site.advice

deny contains "consider pinning the branch to a tag" if {
	input.repository.branch == "main"
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return p
}

func TestLoadFromFile(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	p := writePolicy(t, t.TempDir(), "root-user.rego", rootUserPolicy)

	policy, err := loader.loadFromFile(p)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "root-user" {
		t.Errorf("Expected name root-user, got %s", policy.Name)
	}
	if policy.Description != "Services must not run as root. Site rule." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Source != p {
		t.Errorf("Expected source %s, got %s", p, policy.Source)
	}
	if policy.Builtin {
		t.Error("User policy should not be built-in")
	}

	if _, err := loader.loadFromFile(filepath.Join(filepath.Dir(p), "policy.json")); err == nil {
		t.Error("Expected error for non-rego file")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	dir := t.TempDir()
	writePolicy(t, dir, "users.rego", rootUserPolicy)
	writePolicy(t, dir, "nested/advice.rego", advisoryPolicy)
	writePolicy(t, dir, "users_test.rego", "package site.users_test\n")
	writePolicy(t, dir, "README.md", "not a policy")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	var names []string
	for _, p := range policies {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "advice,users" {
		t.Errorf("Expected advice,users, got %s", got)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	dir := t.TempDir()
	writePolicy(t, dir, "users.rego", rootUserPolicy)
	advice := writePolicy(t, dir, "advice.rego", advisoryPolicy)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if n := len(eng.ListPolicies()); n != 7 {
		t.Errorf("Expected 7 policies, got %d", n)
	}

	result, err := eng.Evaluate(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected the root user policy to block")
	}
	if !hasPolicy(result.Violations, "users") || !hasPolicy(result.Violations, "advice") {
		t.Errorf("Expected violations from users and advice, got %+v", result.Violations)
	}

	// Loading the same names twice is rejected.
	if err := eng.LoadPolicies(context.Background(), []string{advice}); err == nil {
		t.Error("Expected duplicate policy name error")
	}
}

func TestEngine_LoadPoliciesCompileError(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	p := writePolicy(t, t.TempDir(), "broken.rego", "package broken\n\ndeny[msg] {\n\tmsg := \"old syntax\"\n}\n")

	if err := eng.LoadPolicies(context.Background(), []string{p}); err == nil {
		t.Error("Expected compile error for pre-v1 Rego syntax")
	}
}
