// Package clues evaluates a YAML rule base against the prior stages'
// outputs and emits traceable DiagnosticClues, following a standard
// load-validate-evaluate shape for a YAML-driven rule engine.
package clues

import (
	"fmt"

	"gopkg.in/yaml.v3"

	apperrors "obdpipeline/pkg/errors"
)

// Condition is one clause of a rule; only the fields relevant to its Type
// are populated. All fields are optional at the YAML level; validateRule
// checks only that Type is known and, for stat_check/stat_compare, that a
// non-empty Op is a known operator.
type Condition struct {
	Type string `yaml:"type"`

	// stat_check
	Signal string  `yaml:"signal,omitempty"`
	Field  string  `yaml:"field,omitempty"`
	Op     string  `yaml:"op,omitempty"`
	Value  float64 `yaml:"value,omitempty"`

	// stat_compare (signal/field above are unused; uses *_a/*_b)
	SignalA string   `yaml:"signal_a,omitempty"`
	FieldA  string   `yaml:"field_a,omitempty"`
	SignalB string   `yaml:"signal_b,omitempty"`
	FieldB  string   `yaml:"field_b,omitempty"`
	Ratio   *float64 `yaml:"ratio,omitempty"`

	// signal_exists
	Exists *bool `yaml:"exists,omitempty"`

	// dtc_check
	Mode   string `yaml:"mode,omitempty"`
	Code   string `yaml:"code,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`

	// anomaly_check (Signal/Context/Severity filter; Signal is shared w/ stat_check)
	Context  string `yaml:"context,omitempty"`
	Severity string `yaml:"severity,omitempty"`
	MinCount *int   `yaml:"min_count,omitempty"`
	MaxCount *int   `yaml:"max_count,omitempty"`
}

// Rule is one entry of the bundled rule file.
type Rule struct {
	ID          string      `yaml:"id"`
	Category    string      `yaml:"category"`
	Severity    string      `yaml:"severity"`
	Conditions  []Condition `yaml:"conditions"`
	Template    string      `yaml:"template"`
	Description string      `yaml:"description,omitempty"`
}

var validConditionTypes = map[string]bool{
	"stat_check": true, "stat_compare": true, "signal_exists": true,
	"dtc_check": true, "anomaly_check": true,
}

var validSeverities = map[string]bool{"info": true, "warning": true, "critical": true}

var validCategories = map[string]bool{
	"statistical": true, "anomaly": true, "interaction": true,
	"dtc": true, "negative_evidence": true,
}

var validOps = map[string]bool{"eq": true, "ne": true, "lt": true, "le": true, "gt": true, "ge": true}

// LoadRules reads and validates a YAML rule file. Rejects malformed YAML,
// missing required keys, unknown enum values, or duplicate ids.
func LoadRules(data []byte) ([]Rule, error) {
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, apperrors.NewRejection("clues", "LoadRules", "malformed rule file: "+err.Error())
	}

	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, apperrors.NewRejection("clues", "LoadRules", fmt.Sprintf("rule %d (%s): %v", i, r.ID, err))
		}
		if seen[r.ID] {
			return nil, apperrors.NewRejection("clues", "LoadRules", "duplicate rule id: "+r.ID)
		}
		seen[r.ID] = true
	}
	return rules, nil
}

// MarshalRules serialises a rule sequence back to YAML in the same shape
// LoadRules reads, so a loaded rule file can round-trip through disk.
func MarshalRules(rules []Rule) ([]byte, error) {
	return yaml.Marshal(rules)
}

func validateRule(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("missing id")
	}
	if !validCategories[r.Category] {
		return fmt.Errorf("unknown category %q", r.Category)
	}
	if !validSeverities[r.Severity] {
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("conditions must be non-empty")
	}
	if r.Template == "" {
		return fmt.Errorf("missing template")
	}
	for i, c := range r.Conditions {
		if !validConditionTypes[c.Type] {
			return fmt.Errorf("condition %d: unknown type %q", i, c.Type)
		}
		if (c.Type == "stat_check" || c.Type == "stat_compare") && c.Op != "" && !validOps[c.Op] {
			return fmt.Errorf("condition %d: unknown op %q", i, c.Op)
		}
	}
	return nil
}
