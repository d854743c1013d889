package parity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity is the weight of a diff in the promotion decision.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// ComponentPolicy classifies the diffs of one component.
type ComponentPolicy struct {
	Critical []string `yaml:"critical"`
	Warning  []string `yaml:"warning"`
	// Default applies to diffs matching neither list. Empty means critical.
	Default Severity `yaml:"default"`
}

// Policy decides how drift affects promotion.
type Policy struct {
	BlockOnCritical bool `yaml:"block_on_critical"`
	MaxWarnings     int  `yaml:"max_warning_count"`
	// Defaults applies to components without an entry in Components.
	Defaults   ComponentPolicy            `yaml:"defaults"`
	Components map[string]ComponentPolicy `yaml:"components"`
}

// DefaultPolicy blocks on any critical diff and tolerates no warnings.
func DefaultPolicy() Policy {
	return Policy{BlockOnCritical: true, Defaults: ComponentPolicy{Default: SeverityCritical}}
}

// LoadPolicy reads a YAML policy file. Fields absent from the file keep the
// DefaultPolicy values.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Validate checks severities and thresholds.
func (p Policy) Validate() error {
	if p.MaxWarnings < 0 {
		return fmt.Errorf("max_warning_count must not be negative")
	}
	check := func(name string, cp ComponentPolicy) error {
		switch cp.Default {
		case "", SeverityCritical, SeverityWarning:
			return nil
		default:
			return fmt.Errorf("component %s: unknown default severity %q", name, cp.Default)
		}
	}
	if err := check("defaults", p.Defaults); err != nil {
		return err
	}
	for name, cp := range p.Components {
		if err := check(name, cp); err != nil {
			return err
		}
	}
	return nil
}

func (p Policy) forComponent(name string) ComponentPolicy {
	if cp, ok := p.Components[name]; ok {
		return cp
	}
	return p.Defaults
}

// Classify returns the severity of a diff in a component. Order-only
// differences are always warnings; otherwise critical patterns win over
// warning patterns, and unmatched paths take the component default.
func (p Policy) Classify(component string, d Diff) Severity {
	if d.Kind == DiffOrder {
		return SeverityWarning
	}
	cp := p.forComponent(component)
	path := d.path
	if path == nil {
		path = splitPath(d.Path)
	}
	switch {
	case matchAny(parsePatterns(cp.Critical), path):
		return SeverityCritical
	case matchAny(parsePatterns(cp.Warning), path):
		return SeverityWarning
	case cp.Default != "":
		return cp.Default
	default:
		return SeverityCritical
	}
}

// splitPath parses a rendered path back into segments.
func splitPath(s string) Path {
	if s == "" || s == "$" {
		return Path{}
	}
	var out Path
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.':
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		case '[':
			if i > start {
				out = append(out, s[start:i])
			}
			start = i
		case ']':
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
