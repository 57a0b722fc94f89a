package packages

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// Requirement is a Python distribution with an optional version constraint.
type Requirement struct {
	Name    string `json:"name" yaml:"name" toml:"name" validate:"required"`
	Op      string `json:"op,omitempty" yaml:"op,omitempty" toml:"op,omitempty" validate:"omitempty,oneof=== != >= <= > < ~="`
	Version string `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`

	// Constraint holds a full specifier set such as ">=1.40,<2" when parsed
	// from a requirements line. It takes precedence over Op and Version.
	Constraint string `json:"-" yaml:"-" toml:"-"`
}

// Specifiers renders the version constraint, "" when unconstrained.
func (r Requirement) Specifiers() string {
	if r.Constraint != "" {
		return r.Constraint
	}
	if r.Op == "" || r.Version == "" {
		return ""
	}
	return r.Op + r.Version
}

// String renders the requirement in pip syntax.
func (r Requirement) String() string {
	return r.Name + r.Specifiers()
}

var (
	requirementRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(\[[^\]]*\])?\s*(.*)$`)
	clauseRe      = regexp.MustCompile(`^(===|==|!=|>=|<=|~=|>|<)\s*([^\s,]+)$`)
	normalizeRe   = regexp.MustCompile(`[-_.]+`)
)

// ParseRequirement parses one pip requirement specifier such as
// "python-telegram-bot==20.7" or "aiohttp>=3.9,<4". Extras and environment
// markers are dropped.
func ParseRequirement(s string) (Requirement, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	m := requirementRe.FindStringSubmatch(s)
	if m == nil {
		return Requirement{}, fmt.Errorf("invalid requirement %q", s)
	}
	req := Requirement{Name: m[1]}

	spec := strings.TrimSpace(m[3])
	if spec == "" {
		return req, nil
	}

	clauses := strings.Split(spec, ",")
	for i, c := range clauses {
		c = strings.TrimSpace(c)
		cm := clauseRe.FindStringSubmatch(c)
		if cm == nil {
			return Requirement{}, fmt.Errorf("invalid version clause %q in %q", c, s)
		}
		clauses[i] = cm[1] + cm[2]
		if i == 0 {
			req.Op, req.Version = cm[1], cm[2]
		}
	}
	if len(clauses) > 1 {
		req.Constraint = strings.Join(clauses, ",")
	}
	if _, err := pep440.NewSpecifiers(req.Specifiers()); err != nil {
		return Requirement{}, fmt.Errorf("invalid version constraint in %q: %w", s, err)
	}
	return req, nil
}

// Manifest is a parsed requirements.txt.
type Manifest struct {
	Requirements []Requirement

	// Opaque lists lines pip understands but the parser does not model:
	// includes (-r, -c), editables (-e), options and direct URL or VCS
	// references.
	Opaque []string
}

// ParseRequirements reads a requirements.txt. Comments and blank lines are
// skipped; lines that are not plain specifiers are kept in Manifest.Opaque.
func ParseRequirements(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "-"), strings.Contains(line, "://"), strings.Contains(line, " @ "):
			m.Opaque = append(m.Opaque, line)
			continue
		}
		req, err := ParseRequirement(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		m.Requirements = append(m.Requirements, req)
	}
	return m, scanner.Err()
}

// NormalizeName applies PEP 503 name normalisation.
func NormalizeName(name string) string {
	return strings.ToLower(normalizeRe.ReplaceAllString(name, "-"))
}

// SatisfiedBy reports whether an installed version meets the requirement
// under PEP 440. An empty installed version means the distribution is absent.
// Installed pre-releases never satisfy a constraint.
func (r Requirement) SatisfiedBy(installed string) bool {
	if installed == "" {
		return false
	}
	spec := r.Specifiers()
	if spec == "" {
		return true
	}
	v, err := pep440.Parse(installed)
	if err != nil {
		return false
	}
	ss, err := pep440.NewSpecifiers(spec)
	if err != nil {
		return false
	}
	return ss.Check(v)
}
